// Package mixdeck relays the state of the machine's audio rendering devices to a
// UI and applies the UI's volume, mute and default-device changes back to them
package mixdeck

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stalexteam/mixdeck/pkg/mixdeck/util"
)

const (

	// when this is set to anything, mixdeck won't use a tray icon
	envNoTray = "MIXDECK_NO_TRAY_ICON"

	// how long stop waits for each task before moving on
	taskStopTimeout = 2 * time.Second
)

// Options configures a Relay
type Options struct {
	Verbose   bool
	BuildType string
	NoTray    bool
}

// Relay is the main entity: it owns the three internal channels and the
// tasks connected by them (debouncer, dispatcher, UI forwarder)
type Relay struct {
	logger   *zap.SugaredLogger
	notifier Notifier
	config   *CanonicalConfig
	options  Options
	open     AdapterOpener

	raw      *queue[Notification]
	commands *queue[Command]
	states   *queue[StatePayload]

	debouncer  *debouncer
	dispatcher *Dispatcher
	ui         *UIServer

	ctx    context.Context
	cancel context.CancelFunc

	debouncerDone  chan error
	dispatcherDone chan error
	forwarderDone  chan error

	stopChannel chan bool
	stopping    sync.Once
	stopOnce    sync.Once
	version     string
	trayRunning atomic.Bool
}

// NewRelay creates a Relay bound to the platform's audio subsystem
func NewRelay(logger *zap.SugaredLogger, options Options) (*Relay, error) {
	logger = logger.Named("mixdeck")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	r := newRelay(logger, notifier, config, options, newPlatformAdapter)

	logger.Debug("Created mixdeck instance")

	return r, nil
}

func newRelay(
	logger *zap.SugaredLogger,
	notifier Notifier,
	config *CanonicalConfig,
	options Options,
	open AdapterOpener,
) *Relay {
	ctx, cancel := context.WithCancel(context.Background())

	return &Relay{
		logger:      logger,
		notifier:    notifier,
		config:      config,
		options:     options,
		open:        open,
		ctx:         ctx,
		cancel:      cancel,
		stopChannel: make(chan bool, 1),
	}
}

// Initialize loads the config, starts every task and then blocks in the run
// loop (with or without the tray) until the relay is stopped
func (r *Relay) Initialize() error {
	r.logger.Debug("Initializing")

	// load the config for the first time
	if err := r.config.Load(); err != nil {
		r.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	if err := r.start(); err != nil {
		r.logger.Errorw("Failed to start relay", "error", err)
		r.notifier.Notify("Can't access audio devices!", "Please check mixdeck's logs for more details.")
		return fmt.Errorf("start relay: %w", err)
	}

	noTray := r.options.NoTray
	if _, noTraySet := os.LookupEnv(envNoTray); noTraySet {
		noTray = true
	}

	r.setupInterruptHandler()

	// decide whether to run with/without tray
	if noTray {
		r.logger.Debugw("Running without tray icon", "reason", "flag or envvar set")
		r.run()
	} else {
		r.initializeTray(r.run)
	}

	return nil
}

// SetVersion causes mixdeck to add a version string to its tray menu if called before Initialize
func (r *Relay) SetVersion(version string) {
	r.version = version
}

// Verbose returns a boolean indicating whether mixdeck is running in verbose mode
func (r *Relay) Verbose() bool {
	return r.options.Verbose
}

// Submit hands a command to the dispatcher
func (r *Relay) Submit(ctx context.Context, cmd Command) error {
	if r.dispatcher == nil {
		return fmt.Errorf("submit %s: %w", cmd.Kind, ErrChannelClosed)
	}

	return r.dispatcher.Submit(ctx, cmd)
}

// Stop shuts every task down in order and releases the adapter
func (r *Relay) Stop() error {
	var err error

	r.stopOnce.Do(func() {
		err = r.stop()
	})

	return err
}

func (r *Relay) enumerateSessions() bool {
	return r.config.EnumerateSessions || diagnosticBuild(r.options.BuildType)
}

// start creates the channels and the tasks connected by them, and returns
// once the dispatcher has opened the adapter and populated the registry
func (r *Relay) start() error {
	r.raw = newQueue[Notification](r.config.QueueSize)
	r.commands = newQueue[Command](r.config.QueueSize)
	r.states = newQueue[StatePayload](r.config.QueueSize)

	r.dispatcher = newDispatcher(r.logger, r.open, r.commands, r.raw, r.states, r.enumerateSessions(), r.options.Verbose)

	r.debouncer = newDebouncer(r.logger, r.config.DebounceInterval, r.raw,
		func(ctx context.Context, n Notification) error {
			return r.dispatcher.Submit(ctx, RefreshCommand(&n))
		},
		r.options.Verbose)

	r.ui = NewUIServer(r.logger, r.Submit)

	r.forwarderDone = r.spawn("forwarder", func(ctx context.Context) error {
		return r.ui.forward(ctx, r.states)
	})
	r.dispatcherDone = r.spawn("dispatcher", r.dispatcher.run)

	select {
	case err := <-r.dispatcher.Ready():
		if err != nil {
			r.raw.close()
			r.commands.close()
			r.cancel()
			return err
		}
	case <-r.ctx.Done():
		return r.ctx.Err()
	}

	r.debouncerDone = r.spawn("debouncer", r.debouncer.run)

	if err := r.ui.Start(r.config.UIServer.Bind, r.config.UIServer.Port); err != nil {
		r.notifier.Notify(fmt.Sprintf("Can't listen on port %d!", r.config.UIServer.Port),
			"Make sure no other program (or mixdeck instance) uses it, or change ui_port in the configuration.")
	}

	// gives the UI server a snapshot to replay from the start
	if err := r.Submit(r.ctx, FullStateCommand()); err != nil {
		r.logger.Warnw("Failed to request initial state", "error", err)
	}

	r.logger.Info("Relay started")

	return nil
}

// spawn runs a task on its own goroutine; a task ending on its own stops the relay
func (r *Relay) spawn(name string, task func(ctx context.Context) error) chan error {
	done := make(chan error, 1)

	go func() {
		err := task(r.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warnw("Task exited with error", "task", name, "error", err)
		} else {
			r.logger.Debugw("Task exited", "task", name)
		}

		r.signalStop()
		done <- err
	}()

	return done
}

func (r *Relay) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		r.logger.Debugw("Interrupted", "signal", signal)
		r.signalStop()
	}()
}

func (r *Relay) run() {
	r.logger.Info("Run loop starting")

	// watch the config file for changes
	go r.config.WatchConfigFileChanges()

	r.setupOnConfigReload()

	// wait until stopped (gracefully)
	<-r.stopChannel
	r.logger.Debug("Stop channel signaled, terminating")

	if err := r.Stop(); err != nil {
		r.logger.Warnw("Failed to stop mixdeck", "error", err)
		os.Exit(1)
	} else {
		// exit with 0
		os.Exit(0)
	}
}

func (r *Relay) signalStop() {
	r.stopping.Do(func() {
		r.logger.Debug("Signalling stop channel")
		r.stopChannel <- true
	})
}

// stop runs the shutdown cascade: no more UI commands, the debouncer flushes
// and exits, the dispatcher drains and releases the adapter, and the
// forwarder pushes out whatever the dispatcher published last
func (r *Relay) stop() error {
	r.logger.Info("Stopping")

	r.config.StopWatchingConfigFile()

	var errs []error

	if r.ui != nil {
		r.ui.Stop()
	}

	if r.raw != nil {
		r.raw.close()
		errs = append(errs, r.wait("debouncer", r.debouncerDone))

		r.commands.close()
		errs = append(errs, r.wait("dispatcher", r.dispatcherDone))
		errs = append(errs, r.wait("forwarder", r.forwarderDone))
	}

	r.cancel()

	r.stopTray()

	// attempt to sync on exit - this won't necessarily work but can't harm
	r.logger.Sync()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("stop tasks: %w", err)
	}

	return nil
}

func (r *Relay) wait(name string, done chan error) error {
	if done == nil {
		return nil
	}

	select {
	case err := <-done:
		// put it back for anyone else waiting
		done <- err

		if errors.Is(err, ErrChannelClosed) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err

	case <-time.After(taskStopTimeout):
		r.logger.Warnw("Task did not stop within timeout, proceeding anyway", "task", name)
		return fmt.Errorf("%s did not stop within %s", name, taskStopTimeout)
	}
}

// setupOnConfigReload restarts the UI server on address changes and asks for a
// rebuild so enumerate_sessions takes effect
func (r *Relay) setupOnConfigReload() {
	configReloadedChannel := r.config.SubscribeToChanges()

	go func() {
		for range configReloadedChannel {
			r.logger.Info("Detected config reload, applying changes")

			if err := r.ui.Start(r.config.UIServer.Bind, r.config.UIServer.Port); err != nil {
				r.notifier.Notify(fmt.Sprintf("Can't listen on port %d!", r.config.UIServer.Port),
					"Please check mixdeck's logs for more details.")
			}

			r.dispatcher.SetEnumerateSessions(r.enumerateSessions())

			if err := r.Submit(r.ctx, RefreshCommand(nil)); err != nil {
				r.logger.Warnw("Failed to request refresh after config reload", "error", err)
			}

			r.logger.Debug("queue_size and debounce_ms changes take effect on restart")
		}
	}()
}
