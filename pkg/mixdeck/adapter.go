package mixdeck

import "go.uber.org/zap"

// NotificationCallback is invoked by adapters whenever the platform reports a change.
// It may run on any goroutine or OS thread, concurrently, and must never block
type NotificationCallback func(Notification)

// Adapter is the capability surface of the platform audio subsystem.
// Implementations are bound to the execution context that opened them: every
// call must come from that context (the dispatcher's locked OS thread)
type Adapter interface {
	// ActiveEndpoints enumerates the active rendering endpoints
	ActiveEndpoints() ([]Endpoint, error)

	// DefaultEndpointID returns the id of the default rendering endpoint,
	// or an error matching ErrDeviceNotFound if there isn't one
	DefaultEndpointID() (string, error)

	// SetDefaultEndpoint changes the default-endpoint policy
	SetDefaultEndpoint(id string) error

	// Release unsubscribes from topology notifications and tears the adapter down
	Release() error
}

// Endpoint is one rendering device as returned by an enumeration
type Endpoint interface {
	ID() string
	Name() (string, error)
	ActivateVolume() (VolumeControl, error)

	// Sessions enumerates the per-process sessions currently playing on the endpoint
	Sessions() ([]SessionControl, error)

	Release()
}

// VolumeControl is the endpoint-level volume capability
type VolumeControl interface {
	MasterVolume() (float32, error)
	SetMasterVolume(v float32) error
	Mute() (bool, error)
	SetMute(v bool) error

	// Subscribe registers for endpoint volume change callbacks, Unsubscribe undoes it
	Subscribe(callback NotificationCallback) error
	Unsubscribe() error

	Release()
}

// SessionControl is the volume capability of one process' session.
// Calls against a session whose process went away must return an error
type SessionControl interface {
	ProcessID() uint32
	Volume() (float32, error)
	SetVolume(v float32) error
	Mute() (bool, error)
	SetMute(v bool) error
	Release()
}

// AdapterOpener creates the adapter on the calling goroutine's OS thread
// and subscribes callback to topology notifications
type AdapterOpener func(logger *zap.SugaredLogger, callback NotificationCallback) (Adapter, error)
