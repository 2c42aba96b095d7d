package mixdeck

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// deviceSet is one immutable enumeration result: handles by id plus their order
type deviceSet struct {
	devices map[string]*device
	order   []string
}

func (s *deviceSet) len() int {
	if s == nil {
		return 0
	}

	return len(s.order)
}

func (s *deviceSet) release() {
	if s == nil {
		return
	}

	for _, id := range s.order {
		s.devices[id].release()
	}
}

// registry holds the live device set. The dispatcher is its only writer and
// replaces the set as a whole; readers go through the lock
type registry struct {
	logger *zap.SugaredLogger

	adapter  Adapter
	callback NotificationCallback

	// only read and written from the dispatcher
	enumerateSessions bool

	lock sync.Mutex
	set  *deviceSet
}

func newRegistry(logger *zap.SugaredLogger, adapter Adapter, callback NotificationCallback, enumerateSessions bool) *registry {
	logger = logger.Named("registry")

	r := &registry{
		logger:   logger,
		adapter:  adapter,
		callback: callback,
		set:      &deviceSet{devices: map[string]*device{}},

		enumerateSessions: enumerateSessions,
	}

	logger.Debug("Created device registry instance")

	return r
}

// rebuild enumerates the active endpoints and builds a new device set.
// It never touches the installed set; on error nothing is returned and
// every handle created along the way is released
func (r *registry) rebuild() (*deviceSet, error) {
	endpoints, err := r.adapter.ActiveEndpoints()
	if err != nil {
		r.logger.Warnw("Failed to enumerate active endpoints", "error", err)
		return nil, adapterError("enumerate active endpoints", "", err)
	}

	set := &deviceSet{devices: make(map[string]*device, len(endpoints))}

	for idx, endpoint := range endpoints {

		// the platform shouldn't report an id twice, but if it does the first one wins
		if _, ok := set.devices[endpoint.ID()]; ok {
			r.logger.Warnw("Duplicate endpoint id in enumeration", "id", endpoint.ID())
			endpoint.Release()
			continue
		}

		d, err := newDevice(r.logger, endpoint, r.callback, r.enumerateSessions)
		if err != nil {
			r.logger.Warnw("Failed to create device handle", "id", endpoint.ID(), "error", err)

			for _, rest := range endpoints[idx+1:] {
				rest.Release()
			}
			set.release()

			return nil, fmt.Errorf("create device handle: %w", err)
		}

		set.devices[d.id] = d
		set.order = append(set.order, d.id)
	}

	sort.Strings(set.order)

	r.logger.Debugw("Rebuilt device set", "count", set.len())

	return set, nil
}

// install swaps in a new device set and releases the previous one
func (r *registry) install(set *deviceSet) {
	r.lock.Lock()
	previous := r.set
	r.set = set
	r.lock.Unlock()

	previous.release()

	r.logger.Infow("Installed device set", "devices", set.order)
}

// withDevice runs f on the handle for id while holding the registry lock
func (r *registry) withDevice(id string, f func(*device) error) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	d, ok := r.set.devices[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrDeviceNotFound, id)
	}

	return f(d)
}

// view runs f over the installed set, in order, while holding the registry lock
func (r *registry) view(f func(*deviceSet) error) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	return f(r.set)
}

// tryView is view for callers that must never wait on the lock
func (r *registry) tryView(f func(*deviceSet) error) error {
	if !r.lock.TryLock() {
		return ErrLockContention
	}
	defer r.lock.Unlock()

	return f(r.set)
}

func (r *registry) ids() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	ids := make([]string, len(r.set.order))
	copy(ids, r.set.order)

	return ids
}

func (r *registry) setEnumerateSessions(v bool) {
	r.enumerateSessions = v
}

// release tears down every handle; the registry is empty afterwards
func (r *registry) release() {
	r.install(&deviceSet{devices: map[string]*device{}})
	r.logger.Debug("Released device registry")
}

func (r *registry) String() string {
	r.lock.Lock()
	defer r.lock.Unlock()

	return fmt.Sprintf("<%d audio devices>", r.set.len())
}
