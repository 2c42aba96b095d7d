package mixdeck

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeCommand(t *testing.T) {
	cases := []struct {
		name string
		body string
		want Command
	}{
		{"full state", `{"kind":"AudioDict"}`, FullStateCommand()},
		{"plain refresh", `{"kind":"AudioDictUpdate"}`, RefreshCommand(nil)},
		{"default", `{"kind":"DefaultAudioChange","id":"B"}`, SetDefaultCommand("B")},
		{"volume", `{"kind":"VolumeChange","id":"B","volume":0.42}`, SetVolumeCommand("B", 0.42)},
		{"mute", `{"kind":"MuteStateChange","id":"A","muted":true}`, SetMuteCommand("A", true)},
		{"unmute", `{"kind":"MuteStateChange","id":"A","muted":false}`, SetMuteCommand("A", false)},
		{"session volume", `{"kind":"SessionVolumeChange","id":"A","pid":0,"volume":0.1}`, SetSessionVolumeCommand("A", 0, 0.1)},
		{"session mute", `{"kind":"SessionMuteStateChange","id":"A","pid":42,"muted":true}`, SetSessionMuteCommand("A", 42, true)},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := DecodeCommand([]byte(c.body))
			if err != nil {
				t.Fatalf("DecodeCommand(%s): %v", c.body, err)
			}

			if got.Kind != c.want.Kind || got.ID != c.want.ID || got.PID != c.want.PID ||
				got.Volume != c.want.Volume || got.Muted != c.want.Muted || got.Notification != nil {
				t.Fatalf("DecodeCommand(%s) = %s, want %s", c.body, got, c.want)
			}
		})
	}
}

func TestDecodeCommandWithNotification(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"kind":"AudioDictUpdate","notification":{"type":"DeviceAdded","id":"C"}}`))
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}

	if cmd.Notification == nil || *cmd.Notification != NewTopologyNotification(DeviceAdded, "C") {
		t.Fatalf("notification = %v", cmd.Notification)
	}
}

func TestDecodeCommandRejects(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		missing string
	}{
		{"no id", `{"kind":"VolumeChange","volume":0.5}`, "id"},
		{"empty id", `{"kind":"DefaultAudioChange","id":""}`, "id"},
		{"no volume", `{"kind":"VolumeChange","id":"A"}`, "volume"},
		{"no muted", `{"kind":"MuteStateChange","id":"A"}`, "muted"},
		{"no pid", `{"kind":"SessionVolumeChange","id":"A","volume":0.5}`, "pid"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := DecodeCommand([]byte(c.body))
			if err == nil || !strings.Contains(err.Error(), `"`+c.missing+`"`) {
				t.Fatalf("DecodeCommand(%s) = %v, want missing %q", c.body, err, c.missing)
			}
		})
	}

	if _, err := DecodeCommand([]byte(`{"kind":"SelfDestruct"}`)); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("unknown kind error = %v, want ErrUnknownCommand", err)
	}

	if _, err := DecodeCommand([]byte(`{"kind":`)); err == nil {
		t.Fatal("DecodeCommand accepted malformed JSON")
	}
}
