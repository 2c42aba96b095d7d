package mixdeck

import (
	"encoding/json"
	"fmt"

	"github.com/thoas/go-funk"
)

// CommandKind is the "kind" discriminant of a UI command
type CommandKind string

// command kinds accepted by the dispatcher
const (
	// AudioDictUpdate rebuilds the registry and publishes, echoing the notification (if any)
	AudioDictUpdate CommandKind = "AudioDictUpdate"

	// AudioDict publishes the current state without rebuilding
	AudioDict CommandKind = "AudioDict"

	DefaultAudioChange     CommandKind = "DefaultAudioChange"
	VolumeChange           CommandKind = "VolumeChange"
	MuteStateChange        CommandKind = "MuteStateChange"
	SessionVolumeChange    CommandKind = "SessionVolumeChange"
	SessionMuteStateChange CommandKind = "SessionMuteStateChange"
)

var commandKinds = []string{
	string(AudioDictUpdate),
	string(AudioDict),
	string(DefaultAudioChange),
	string(VolumeChange),
	string(MuteStateChange),
	string(SessionVolumeChange),
	string(SessionMuteStateChange),
}

// Command is an immutable request for the dispatcher
type Command struct {
	Kind         CommandKind   `json:"kind"`
	Notification *Notification `json:"notification,omitempty"`
	ID           string        `json:"id,omitempty"`
	PID          uint32        `json:"pid,omitempty"`
	Volume       float32       `json:"volume,omitempty"`
	Muted        bool          `json:"muted,omitempty"`
}

// RefreshCommand asks for a rebuild + publish. n may be nil (manual refresh)
func RefreshCommand(n *Notification) Command {
	return Command{Kind: AudioDictUpdate, Notification: n}
}

// FullStateCommand asks for a publish of the current registry
func FullStateCommand() Command {
	return Command{Kind: AudioDict}
}

// SetDefaultCommand makes the given device the default rendering endpoint
func SetDefaultCommand(id string) Command {
	return Command{Kind: DefaultAudioChange, ID: id}
}

// SetVolumeCommand sets a device's master volume (0.0 - 1.0)
func SetVolumeCommand(id string, volume float32) Command {
	return Command{Kind: VolumeChange, ID: id, Volume: volume}
}

// SetMuteCommand sets a device's mute flag
func SetMuteCommand(id string, muted bool) Command {
	return Command{Kind: MuteStateChange, ID: id, Muted: muted}
}

// SetSessionVolumeCommand sets the volume of one process' session on a device
func SetSessionVolumeCommand(id string, pid uint32, volume float32) Command {
	return Command{Kind: SessionVolumeChange, ID: id, PID: pid, Volume: volume}
}

// SetSessionMuteCommand sets the mute flag of one process' session on a device
func SetSessionMuteCommand(id string, pid uint32, muted bool) Command {
	return Command{Kind: SessionMuteStateChange, ID: id, PID: pid, Muted: muted}
}

// DecodeCommand parses a JSON command as sent by the UI and checks that
// every field its kind needs is present
func DecodeCommand(data []byte) (Command, error) {
	var raw struct {
		Kind         string        `json:"kind"`
		Notification *Notification `json:"notification"`
		ID           *string       `json:"id"`
		PID          *uint32       `json:"pid"`
		Volume       *float32      `json:"volume"`
		Muted        *bool         `json:"muted"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}

	if !funk.ContainsString(commandKinds, raw.Kind) {
		return Command{}, fmt.Errorf("decode command %q: %w", raw.Kind, ErrUnknownCommand)
	}

	kind := CommandKind(raw.Kind)
	missing := func(field string) error {
		return fmt.Errorf("decode command %s: missing field %q", kind, field)
	}

	cmd := Command{Kind: kind, Notification: raw.Notification}

	switch kind {
	case AudioDictUpdate, AudioDict:
		return cmd, nil
	}

	if raw.ID == nil || *raw.ID == "" {
		return Command{}, missing("id")
	}
	cmd.ID = *raw.ID

	if kind == SessionVolumeChange || kind == SessionMuteStateChange {
		if raw.PID == nil {
			return Command{}, missing("pid")
		}
		cmd.PID = *raw.PID
	}

	switch kind {
	case VolumeChange, SessionVolumeChange:
		if raw.Volume == nil {
			return Command{}, missing("volume")
		}
		cmd.Volume = *raw.Volume
	case MuteStateChange, SessionMuteStateChange:
		if raw.Muted == nil {
			return Command{}, missing("muted")
		}
		cmd.Muted = *raw.Muted
	}

	return cmd, nil
}

func (c Command) String() string {
	switch c.Kind {
	case AudioDictUpdate:
		if c.Notification == nil {
			return "<AudioDictUpdate>"
		}
		return fmt.Sprintf("<AudioDictUpdate: %s>", c.Notification)
	case AudioDict:
		return "<AudioDict>"
	case DefaultAudioChange:
		return fmt.Sprintf("<DefaultAudioChange: %s>", c.ID)
	case VolumeChange:
		return fmt.Sprintf("<VolumeChange: %s, vol: %.2f>", c.ID, c.Volume)
	case MuteStateChange:
		return fmt.Sprintf("<MuteStateChange: %s, muted: %t>", c.ID, c.Muted)
	case SessionVolumeChange:
		return fmt.Sprintf("<SessionVolumeChange: %s, pid: %d, vol: %.2f>", c.ID, c.PID, c.Volume)
	case SessionMuteStateChange:
		return fmt.Sprintf("<SessionMuteStateChange: %s, pid: %d, muted: %t>", c.ID, c.PID, c.Muted)
	}

	return fmt.Sprintf("<%s>", c.Kind)
}
