package mixdeck

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var errFake = errors.New("fake adapter failure")

type fakeSession struct {
	volume float32
	muted  bool
}

type fakeDevice struct {
	id       string
	name     string
	volume   float32
	muted    bool
	sessions map[uint32]*fakeSession
}

// fakeAdapter is an in-memory audio subsystem. Every failure knob is keyed by
// device id; the empty key applies to all devices
type fakeAdapter struct {
	mu sync.Mutex

	devices   map[string]*fakeDevice
	order     []string
	defaultID string

	openErr      error
	enumerateErr error
	defaultErr   error
	nameErr      map[string]error
	activateErr  map[string]error
	subscribeErr map[string]error
	readErr      map[string]error

	callback   NotificationCallback
	volumeSubs map[string]NotificationCallback

	enumerations int
	liveHandles  int
	released     bool
}

func newFakeAdapter(devices ...*fakeDevice) *fakeAdapter {
	a := &fakeAdapter{
		devices:      map[string]*fakeDevice{},
		nameErr:      map[string]error{},
		activateErr:  map[string]error{},
		subscribeErr: map[string]error{},
		readErr:      map[string]error{},
		volumeSubs:   map[string]NotificationCallback{},
	}

	for _, d := range devices {
		a.addDevice(d)
	}

	return a
}

func (a *fakeAdapter) opener() AdapterOpener {
	return func(logger *zap.SugaredLogger, callback NotificationCallback) (Adapter, error) {
		a.mu.Lock()
		defer a.mu.Unlock()

		if a.openErr != nil {
			return nil, a.openErr
		}

		a.callback = callback
		return a, nil
	}
}

func (a *fakeAdapter) addDevice(d *fakeDevice) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.devices[d.id] = d
	a.order = append(a.order, d.id)
}

func (a *fakeAdapter) removeDevice(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.devices, id)

	for i, existing := range a.order {
		if existing == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

func (a *fakeAdapter) set(f func(a *fakeAdapter)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f(a)
}

func (a *fakeAdapter) device(id string) fakeDevice {
	a.mu.Lock()
	defer a.mu.Unlock()

	return *a.devices[id]
}

func (a *fakeAdapter) handles() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.liveHandles
}

func (a *fakeAdapter) enumerationCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.enumerations
}

func (a *fakeAdapter) isReleased() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.released
}

// notify fires the topology callback the way a platform thread would
func (a *fakeAdapter) notify(n Notification) {
	a.mu.Lock()
	callback := a.callback
	a.mu.Unlock()

	callback(n)
}

// changeVolume changes a device's volume behind the relay's back and fires its volume callback
func (a *fakeAdapter) changeVolume(id string, volume float32) {
	a.mu.Lock()
	d := a.devices[id]
	d.volume = volume
	callback := a.volumeSubs[id]
	muted := d.muted
	a.mu.Unlock()

	if callback != nil {
		callback(NewVolumeNotification(id, volume, muted))
	}
}

func (a *fakeAdapter) failure(knob map[string]error, id string) error {
	if err, ok := knob[id]; ok {
		return err
	}

	return knob[""]
}

func (a *fakeAdapter) ActiveEndpoints() ([]Endpoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.enumerations++

	if a.enumerateErr != nil {
		return nil, a.enumerateErr
	}

	endpoints := make([]Endpoint, 0, len(a.order))
	for _, id := range a.order {
		endpoints = append(endpoints, &fakeEndpoint{adapter: a, id: id})
		a.liveHandles++
	}

	return endpoints, nil
}

func (a *fakeAdapter) DefaultEndpointID() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.defaultErr != nil {
		return "", a.defaultErr
	}

	if a.defaultID == "" {
		return "", ErrDeviceNotFound
	}

	return a.defaultID, nil
}

func (a *fakeAdapter) SetDefaultEndpoint(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.devices[id]; !ok {
		return fmt.Errorf("set default %s: %w", id, errFake)
	}

	a.defaultID = id
	return nil
}

func (a *fakeAdapter) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.released = true
	a.callback = nil
	return nil
}

type fakeEndpoint struct {
	adapter  *fakeAdapter
	id       string
	released bool
}

func (e *fakeEndpoint) ID() string {
	return e.id
}

func (e *fakeEndpoint) Name() (string, error) {
	a := e.adapter
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.failure(a.nameErr, e.id); err != nil {
		return "", err
	}

	d, ok := a.devices[e.id]
	if !ok {
		return "", errFake
	}

	return d.name, nil
}

func (e *fakeEndpoint) ActivateVolume() (VolumeControl, error) {
	a := e.adapter
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.failure(a.activateErr, e.id); err != nil {
		return nil, err
	}

	a.liveHandles++
	return &fakeVolume{adapter: a, id: e.id}, nil
}

func (e *fakeEndpoint) Sessions() ([]SessionControl, error) {
	a := e.adapter
	a.mu.Lock()
	defer a.mu.Unlock()

	d, ok := a.devices[e.id]
	if !ok {
		return nil, errFake
	}

	sessions := []SessionControl{}
	for pid := range d.sessions {
		sessions = append(sessions, &fakeSessionControl{adapter: a, deviceID: e.id, pid: pid})
		a.liveHandles++
	}

	return sessions, nil
}

func (e *fakeEndpoint) Release() {
	if e.released {
		panic("endpoint released twice: " + e.id)
	}
	e.released = true

	e.adapter.mu.Lock()
	e.adapter.liveHandles--
	e.adapter.mu.Unlock()
}

type fakeVolume struct {
	adapter    *fakeAdapter
	id         string
	subscribed bool
	released   bool
}

func (v *fakeVolume) live() (*fakeDevice, error) {
	a := v.adapter

	if err := a.failure(a.readErr, v.id); err != nil {
		return nil, err
	}

	d, ok := a.devices[v.id]
	if !ok {
		return nil, errFake
	}

	return d, nil
}

func (v *fakeVolume) MasterVolume() (float32, error) {
	v.adapter.mu.Lock()
	defer v.adapter.mu.Unlock()

	d, err := v.live()
	if err != nil {
		return 0, err
	}

	return d.volume, nil
}

func (v *fakeVolume) SetMasterVolume(level float32) error {
	v.adapter.mu.Lock()
	defer v.adapter.mu.Unlock()

	d, ok := v.adapter.devices[v.id]
	if !ok {
		return errFake
	}

	d.volume = level
	return nil
}

func (v *fakeVolume) Mute() (bool, error) {
	v.adapter.mu.Lock()
	defer v.adapter.mu.Unlock()

	d, err := v.live()
	if err != nil {
		return false, err
	}

	return d.muted, nil
}

func (v *fakeVolume) SetMute(muted bool) error {
	v.adapter.mu.Lock()
	defer v.adapter.mu.Unlock()

	d, ok := v.adapter.devices[v.id]
	if !ok {
		return errFake
	}

	d.muted = muted
	return nil
}

func (v *fakeVolume) Subscribe(callback NotificationCallback) error {
	a := v.adapter
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.failure(a.subscribeErr, v.id); err != nil {
		return err
	}

	a.volumeSubs[v.id] = callback
	v.subscribed = true
	return nil
}

func (v *fakeVolume) Unsubscribe() error {
	if !v.subscribed {
		return nil
	}

	v.adapter.mu.Lock()
	defer v.adapter.mu.Unlock()

	delete(v.adapter.volumeSubs, v.id)
	v.subscribed = false
	return nil
}

func (v *fakeVolume) Release() {
	if v.released {
		panic("volume released twice: " + v.id)
	}
	v.released = true

	v.adapter.mu.Lock()
	v.adapter.liveHandles--
	v.adapter.mu.Unlock()
}

type fakeSessionControl struct {
	adapter  *fakeAdapter
	deviceID string
	pid      uint32
}

func (s *fakeSessionControl) ProcessID() uint32 {
	return s.pid
}

func (s *fakeSessionControl) live() (*fakeSession, error) {
	d, ok := s.adapter.devices[s.deviceID]
	if !ok {
		return nil, errFake
	}

	fs, ok := d.sessions[s.pid]
	if !ok {
		return nil, ErrSessionNotFound
	}

	return fs, nil
}

func (s *fakeSessionControl) Volume() (float32, error) {
	s.adapter.mu.Lock()
	defer s.adapter.mu.Unlock()

	fs, err := s.live()
	if err != nil {
		return 0, err
	}

	return fs.volume, nil
}

func (s *fakeSessionControl) SetVolume(level float32) error {
	s.adapter.mu.Lock()
	defer s.adapter.mu.Unlock()

	fs, err := s.live()
	if err != nil {
		return err
	}

	fs.volume = level
	return nil
}

func (s *fakeSessionControl) Mute() (bool, error) {
	s.adapter.mu.Lock()
	defer s.adapter.mu.Unlock()

	fs, err := s.live()
	if err != nil {
		return false, err
	}

	return fs.muted, nil
}

func (s *fakeSessionControl) SetMute(muted bool) error {
	s.adapter.mu.Lock()
	defer s.adapter.mu.Unlock()

	fs, err := s.live()
	if err != nil {
		return err
	}

	fs.muted = muted
	return nil
}

func (s *fakeSessionControl) Release() {
	s.adapter.mu.Lock()
	s.adapter.liveHandles--
	s.adapter.mu.Unlock()
}

// speakersAndHeadset is the two-device setup most tests start from
func speakersAndHeadset() *fakeAdapter {
	a := newFakeAdapter(
		&fakeDevice{id: "A", name: "Speakers", volume: 0.8},
		&fakeDevice{id: "B", name: "Headset", volume: 0.5, muted: true},
	)
	a.defaultID = "A"

	return a
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Notify(title string, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.titles = append(n.titles, title)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.titles)
}
