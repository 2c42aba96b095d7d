package mixdeck

import (
	"encoding/json"
	"testing"
)

func TestNotificationMarshalOnlyRelevantFields(t *testing.T) {
	cases := []struct {
		name string
		n    Notification
		want map[string]interface{}
	}{
		{
			name: "default device",
			n:    NewTopologyNotification(DefaultDeviceChanged, "A"),
			want: map[string]interface{}{"type": "DefaultDeviceChanged", "id": "A"},
		},
		{
			name: "device state",
			n:    NewDeviceStateNotification("A", 4),
			want: map[string]interface{}{"type": "DeviceStateChanged", "id": "A", "state": float64(4)},
		},
		{
			name: "property",
			n:    NewPropertyNotification("A", "{a45c254e-df1c-4efd-8020-67d146a850e0},14"),
			want: map[string]interface{}{"type": "PropertyValueChanged", "id": "A", "key": "{a45c254e-df1c-4efd-8020-67d146a850e0},14"},
		},
		{
			name: "volume",
			n:    NewVolumeNotification("B", 0.5, true),
			want: map[string]interface{}{"type": "VolumeChanged", "id": "B", "volume": 0.5, "muted": true},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			data, err := json.Marshal(c.n)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}

			var got map[string]interface{}
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal %s: %v", data, err)
			}

			if len(got) != len(c.want) {
				t.Fatalf("got fields %v, want %v", got, c.want)
			}
			for k, v := range c.want {
				if got[k] != v {
					t.Errorf("field %q = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestNotificationUnmarshal(t *testing.T) {
	var n Notification
	if err := json.Unmarshal([]byte(`{"type":"VolumeChanged","id":"B","volume":0.25,"muted":false}`), &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if n != NewVolumeNotification("B", 0.25, false) {
		t.Fatalf("unmarshal = %+v", n)
	}

	if err := json.Unmarshal([]byte(`{"type":"Exploded","id":"B"}`), &n); err == nil {
		t.Fatal("unmarshal accepted an unknown notification type")
	}
}
