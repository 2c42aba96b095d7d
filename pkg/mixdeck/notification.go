package mixdeck

import (
	"encoding/json"
	"fmt"

	"github.com/thoas/go-funk"
)

// NotificationType tags a change observed by the platform adapter
type NotificationType string

// all notification types, as they appear in the "type" field of the JSON echo
const (
	DefaultDeviceChanged NotificationType = "DefaultDeviceChanged"
	DeviceAdded          NotificationType = "DeviceAdded"
	DeviceRemoved        NotificationType = "DeviceRemoved"
	DeviceStateChanged   NotificationType = "DeviceStateChanged"
	PropertyValueChanged NotificationType = "PropertyValueChanged"
	VolumeChanged        NotificationType = "VolumeChanged"
	SessionVolumeChanged NotificationType = "SessionVolumeChanged"
)

var notificationTypes = []string{
	string(DefaultDeviceChanged),
	string(DeviceAdded),
	string(DeviceRemoved),
	string(DeviceStateChanged),
	string(PropertyValueChanged),
	string(VolumeChanged),
	string(SessionVolumeChanged),
}

// Notification is an immutable event produced by the adapter. Only the fields
// relevant to Type are meaningful; the rest are zero.
// It's a refresh trigger, never a source of truth for volume or mute values
type Notification struct {
	Type NotificationType
	ID   string

	State  uint32 // DeviceStateChanged
	Key    string // PropertyValueChanged
	PID    uint32 // SessionVolumeChanged
	Volume float32
	Muted  bool
}

// NewVolumeNotification creates an endpoint VolumeChanged notification
func NewVolumeNotification(id string, volume float32, muted bool) Notification {
	return Notification{Type: VolumeChanged, ID: id, Volume: volume, Muted: muted}
}

// NewDeviceStateNotification creates a DeviceStateChanged notification
func NewDeviceStateNotification(id string, state uint32) Notification {
	return Notification{Type: DeviceStateChanged, ID: id, State: state}
}

// NewPropertyNotification creates a PropertyValueChanged notification
func NewPropertyNotification(id string, key string) Notification {
	return Notification{Type: PropertyValueChanged, ID: id, Key: key}
}

// NewTopologyNotification creates one of the id-only notifications
// (DefaultDeviceChanged, DeviceAdded, DeviceRemoved)
func NewTopologyNotification(t NotificationType, id string) Notification {
	return Notification{Type: t, ID: id}
}

// MarshalJSON emits only the fields that belong to the notification's type
func (n Notification) MarshalJSON() ([]byte, error) {
	payload := map[string]interface{}{
		"type": n.Type,
		"id":   n.ID,
	}

	switch n.Type {
	case DeviceStateChanged:
		payload["state"] = n.State
	case PropertyValueChanged:
		payload["key"] = n.Key
	case VolumeChanged:
		payload["volume"] = n.Volume
		payload["muted"] = n.Muted
	case SessionVolumeChanged:
		payload["pid"] = n.PID
		payload["volume"] = n.Volume
		payload["muted"] = n.Muted
	}

	return json.Marshal(payload)
}

// UnmarshalJSON accepts the same shape MarshalJSON produces
func (n *Notification) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type   string  `json:"type"`
		ID     string  `json:"id"`
		State  uint32  `json:"state"`
		Key    string  `json:"key"`
		PID    uint32  `json:"pid"`
		Volume float32 `json:"volume"`
		Muted  bool    `json:"muted"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}

	if !funk.ContainsString(notificationTypes, raw.Type) {
		return fmt.Errorf("decode notification: unknown type %q", raw.Type)
	}

	*n = Notification{
		Type:   NotificationType(raw.Type),
		ID:     raw.ID,
		State:  raw.State,
		Key:    raw.Key,
		PID:    raw.PID,
		Volume: raw.Volume,
		Muted:  raw.Muted,
	}

	return nil
}

func (n Notification) String() string {
	switch n.Type {
	case DeviceStateChanged:
		return fmt.Sprintf("<%s: %s, state: %d>", n.Type, n.ID, n.State)
	case PropertyValueChanged:
		return fmt.Sprintf("<%s: %s, key: %s>", n.Type, n.ID, n.Key)
	case VolumeChanged:
		return fmt.Sprintf("<%s: %s, vol: %.2f, muted: %t>", n.Type, n.ID, n.Volume, n.Muted)
	case SessionVolumeChanged:
		return fmt.Sprintf("<%s: %s, pid: %d, vol: %.2f, muted: %t>", n.Type, n.ID, n.PID, n.Volume, n.Muted)
	}

	return fmt.Sprintf("<%s: %s>", n.Type, n.ID)
}
