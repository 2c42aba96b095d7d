package mixdeck

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for mixdeck's configuration file
type CanonicalConfig struct {
	UIServer struct {
		Bind string
		Port int
	}

	EnumerateSessions bool
	QueueSize         int
	DebounceInterval  time.Duration

	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	configDir string

	reloadConsumers []chan bool
	consumersLock   sync.Mutex

	userConfig *viper.Viper
}

const (
	userConfigName = "config"
	userConfigPath = "."

	configType = "yaml"

	configKeyUIBind            = "ui_bind"
	configKeyUIPort            = "ui_port"
	configKeyEnumerateSessions = "enumerate_sessions"
	configKeyQueueSize         = "queue_size"
	configKeyDebounceMs        = "debounce_ms"

	defaultUIBind     = "127.0.0.1"
	defaultUIPort     = 7685
	defaultQueueSize  = 256
	defaultDebounceMs = 100
)

// NewConfig creates a config instance for the relay and sets up viper for mixdeck's config file
func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*CanonicalConfig, error) {
	return newConfigAt(logger, notifier, userConfigPath)
}

func newConfigAt(logger *zap.SugaredLogger, notifier Notifier, dir string) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		configDir:          dir,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(dir)

	userConfig.SetDefault(configKeyUIBind, defaultUIBind)
	userConfig.SetDefault(configKeyUIPort, defaultUIPort)
	userConfig.SetDefault(configKeyEnumerateSessions, false)
	userConfig.SetDefault(configKeyQueueSize, defaultQueueSize)
	userConfig.SetDefault(configKeyDebounceMs, defaultDebounceMs)

	cc.userConfig = userConfig

	// usable before Load, e.g. when the file is missing
	if err := cc.populateFromVipers(); err != nil {
		return nil, fmt.Errorf("populate default config: %w", err)
	}

	logger.Debug("Created config instance")

	return cc, nil
}

func (cc *CanonicalConfig) configFilepath() string {
	return filepath.Join(cc.configDir, userConfigName+"."+configType)
}

// Load reads mixdeck's config file from disk and tries to parse it.
// A missing file isn't an error: the defaults stay in effect
func (cc *CanonicalConfig) Load() error {
	cc.logger.Debugw("Loading config", "path", cc.configFilepath())

	if err := cc.userConfig.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound {
			cc.logger.Infow("Config file not found, using defaults", "path", cc.configFilepath())
			cc.notifier.Notify("Using default configuration",
				fmt.Sprintf("Create %s to change mixdeck's settings.", cc.configFilepath()))
		} else {
			cc.logger.Warnw("Viper failed to read user config", "error", err)
			if strings.Contains(err.Error(), "yaml:") {
				cc.notifier.Notify("Invalid configuration!",
					fmt.Sprintf("Please make sure %s is in a valid YAML format.", cc.configFilepath()))
			} else {
				cc.notifier.Notify("Error loading configuration!", "Please check mixdeck's logs for more details.")
			}
			return fmt.Errorf("read user config: %w", err)
		}
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"uiServer", cc.UIServer,
		"enumerateSessions", cc.EnumerateSessions,
		"queueSize", cc.QueueSize,
		"debounceInterval", cc.DebounceInterval,
	)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)

	cc.consumersLock.Lock()
	cc.reloadConsumers = append(cc.reloadConsumers, c)
	cc.consumersLock.Unlock()

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.configFilepath())

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {

		// when we get a write event...
		if event.Op&fsnotify.Write == fsnotify.Write {

			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {

				// and attempt reload if appropriate
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

					cc.onConfigReloaded()
				}

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(func(fsnotify.Event) {})
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	select {
	case cc.stopWatcherChannel <- true:
	default:
		// not watching
	}

	cc.closeReloadChannels()
}

// closeReloadChannels closes all reload consumer channels to signal goroutines to exit
func (cc *CanonicalConfig) closeReloadChannels() {
	cc.consumersLock.Lock()
	defer cc.consumersLock.Unlock()

	for _, ch := range cc.reloadConsumers {
		close(ch)
	}
	cc.reloadConsumers = nil
	cc.logger.Debug("Closed all config reload channels")
}

func (cc *CanonicalConfig) populateFromVipers() error {
	cc.UIServer.Bind = cc.userConfig.GetString(configKeyUIBind)
	cc.UIServer.Port = cc.userConfig.GetInt(configKeyUIPort)

	if cc.UIServer.Port < 0 || cc.UIServer.Port > 65535 {
		return fmt.Errorf("%s out of range: %d", configKeyUIPort, cc.UIServer.Port)
	}

	cc.EnumerateSessions = cc.userConfig.GetBool(configKeyEnumerateSessions)

	cc.QueueSize = cc.userConfig.GetInt(configKeyQueueSize)
	if cc.QueueSize < 1 {
		cc.logger.Warnw("Invalid queue size, using default", "value", cc.QueueSize, "default", defaultQueueSize)
		cc.QueueSize = defaultQueueSize
	}

	debounceMs := cc.userConfig.GetInt(configKeyDebounceMs)
	if debounceMs < 1 {
		cc.logger.Warnw("Invalid debounce interval, using default", "value", debounceMs, "default", defaultDebounceMs)
		debounceMs = defaultDebounceMs
	}
	cc.DebounceInterval = time.Duration(debounceMs) * time.Millisecond

	cc.logger.Debug("Populated config fields from viper")

	return nil
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	cc.consumersLock.Lock()
	defer cc.consumersLock.Unlock()

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
			// a reload is already pending for this consumer
		}
	}
}
