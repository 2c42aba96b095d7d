package mixdeck

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stalexteam/mixdeck/pkg/mixdeck/util"
)

// Dispatcher is the single worker that owns the adapter and the device registry.
// UI commands and debounced notifications share its queue and are handled one
// at a time, in order, each one finished (publish included) before the next starts
type Dispatcher struct {
	logger  *zap.SugaredLogger
	verbose bool

	open AdapterOpener

	queue *queue[Command]
	raw   *queue[Notification]
	out   *queue[StatePayload]

	enumerateSessions atomic.Bool

	// only touched from run's goroutine
	adapter   Adapter
	registry  *registry
	publisher *publisher

	ready chan error
}

func newDispatcher(
	logger *zap.SugaredLogger,
	open AdapterOpener,
	commands *queue[Command],
	raw *queue[Notification],
	out *queue[StatePayload],
	enumerateSessions bool,
	verbose bool,
) *Dispatcher {
	logger = logger.Named("dispatcher")

	d := &Dispatcher{
		logger:  logger,
		verbose: verbose,
		open:    open,
		queue:   commands,
		raw:     raw,
		out:     out,
		ready:   make(chan error, 1),
	}
	d.enumerateSessions.Store(enumerateSessions)

	logger.Debug("Created dispatcher instance")

	return d
}

// Submit enqueues a command. It returns ErrChannelClosed once the dispatcher has stopped
func (d *Dispatcher) Submit(ctx context.Context, cmd Command) error {
	if d.verbose {
		d.logger.Debugw("Submitting command", "command", cmd)
	}

	if err := d.queue.send(ctx, cmd); err != nil {
		return fmt.Errorf("submit %s: %w", cmd.Kind, err)
	}

	return nil
}

// Ready yields exactly one value: nil once the adapter is open and the registry
// populated, or the error that prevented it
func (d *Dispatcher) Ready() <-chan error {
	return d.ready
}

// SetEnumerateSessions takes effect at the next registry rebuild
func (d *Dispatcher) SetEnumerateSessions(v bool) {
	d.enumerateSessions.Store(v)
}

// onNotification is what the adapter calls, on whatever thread it likes.
// It only ever enqueues, never blocks
func (d *Dispatcher) onNotification(n Notification) {
	err := d.raw.trySend(n)

	switch {
	case err == nil:
	case errors.Is(err, errQueueFull):
		d.logger.Warnw("Notification queue full, dropping notification", "notification", n)
	default:
		d.logger.Debugw("Notification queue closed, ignoring notification", "notification", n)
	}
}

// run owns the adapter for its whole lifetime. It pins itself to one OS thread,
// because platform audio objects are only valid on the thread that created them.
// It exits when its queue is closed and drained, when the UI channel goes away
// or when ctx is done, and closes both of its channels on the way out
func (d *Dispatcher) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer d.queue.close()
	defer d.out.close()

	adapter, err := d.open(d.logger, d.onNotification)
	if err != nil {
		d.logger.Warnw("Failed to open audio adapter", "error", err)
		err = fmt.Errorf("open audio adapter: %w", err)
		d.ready <- err
		return err
	}
	d.adapter = adapter

	defer func() {
		if err := adapter.Release(); err != nil {
			d.logger.Warnw("Failed to release audio adapter", "error", err)
		}
	}()

	d.registry = newRegistry(d.logger, adapter, d.onNotification, d.enumerateSessions.Load())

	set, err := d.registry.rebuild()
	if err != nil {
		err = fmt.Errorf("initial registry rebuild: %w", err)
		d.ready <- err
		return err
	}
	d.registry.install(set)
	defer d.registry.release()

	d.publisher = newPublisher(d.logger, adapter, d.registry, d.out)

	d.ready <- nil
	d.logger.Info("Dispatcher ready")

	for {
		cmd, err := d.queue.receive(ctx)
		if errors.Is(err, ErrChannelClosed) {
			d.logger.Debug("Command queue closed, exiting")
			return nil
		}
		if err != nil {
			return err
		}

		start := time.Now()
		err = d.handle(ctx, cmd)

		if d.verbose {
			d.logger.Debugw("Handled command", "command", cmd, "took", time.Since(start))
		}

		switch {
		case err == nil:
		case errors.Is(err, ErrChannelClosed):
			d.logger.Warnw("UI channel closed, stopping dispatcher", "command", cmd)
			return err
		case errors.Is(err, ErrLockContention):
			d.logger.Errorw("Registry lock held by someone else, this is a bug", "command", cmd, "error", err)
		default:
			d.logger.Warnw("Failed to handle command", "command", cmd, "error", err)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, cmd Command) error {
	if d.verbose {
		d.logger.Debugw("Handling command", "command", cmd)
	}

	switch cmd.Kind {

	case AudioDictUpdate:
		d.registry.setEnumerateSessions(d.enumerateSessions.Load())

		// on failure the installed set stays as it is
		set, err := d.registry.rebuild()
		if err != nil {
			return fmt.Errorf("rebuild device registry: %w", err)
		}
		d.registry.install(set)

		return d.publisher.publish(ctx, cmd.Notification)

	case AudioDict:
		return d.publisher.publish(ctx, nil)

	case DefaultAudioChange:
		return d.registry.withDevice(cmd.ID, func(dev *device) error {
			if err := d.adapter.SetDefaultEndpoint(dev.id); err != nil {
				return adapterError("set default endpoint", dev.id, err)
			}

			d.logger.Infow("Changed default device", "id", dev.id, "name", dev.name)
			return nil
		})

	case VolumeChange:
		return d.registry.withDevice(cmd.ID, func(dev *device) error {
			return dev.SetVolume(util.ClampScalar(cmd.Volume))
		})

	case MuteStateChange:
		return d.registry.withDevice(cmd.ID, func(dev *device) error {
			return dev.SetMute(cmd.Muted)
		})

	case SessionVolumeChange:
		return d.registry.withDevice(cmd.ID, func(dev *device) error {
			return dev.SetSessionVolume(cmd.PID, util.ClampScalar(cmd.Volume))
		})

	case SessionMuteStateChange:
		return d.registry.withDevice(cmd.ID, func(dev *device) error {
			return dev.SetSessionMute(cmd.PID, cmd.Muted)
		})
	}

	return fmt.Errorf("handle %q: %w", cmd.Kind, ErrUnknownCommand)
}
