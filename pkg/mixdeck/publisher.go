package mixdeck

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// DeviceState is one device's entry in a snapshot
type DeviceState struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Volume   float32        `json:"volume"`
	Muted    bool           `json:"muted"`
	Sessions []SessionState `json:"sessions,omitempty"`
}

// SessionState is one process session of a device, present only when sessions are enumerated
type SessionState struct {
	PID    uint32  `json:"pid"`
	Name   string  `json:"name"`
	Volume float32 `json:"volume"`
	Muted  bool    `json:"muted"`
}

// StatePayload is the consolidated view sent to the UI. It's built fresh for
// every publish and never modified afterwards
type StatePayload struct {
	AudioDeviceList []DeviceState `json:"audioDeviceList"`
	Default         string        `json:"default"`
	Notification    *Notification `json:"notification"`
}

// Device returns the entry for id, if the snapshot has one
func (p StatePayload) Device(id string) (DeviceState, bool) {
	for _, ds := range p.AudioDeviceList {
		if ds.ID == id {
			return ds, true
		}
	}

	return DeviceState{}, false
}

type publisher struct {
	logger   *zap.SugaredLogger
	adapter  Adapter
	registry *registry
	out      *queue[StatePayload]
}

func newPublisher(logger *zap.SugaredLogger, adapter Adapter, registry *registry, out *queue[StatePayload]) *publisher {
	logger = logger.Named("publisher")

	p := &publisher{
		logger:   logger,
		adapter:  adapter,
		registry: registry,
		out:      out,
	}

	logger.Debug("Created state publisher instance")

	return p
}

// snapshot reads the default id and every device's live volume and mute.
// Any failed read fails the whole snapshot
func (p *publisher) snapshot(n *Notification) (StatePayload, error) {
	defaultID, err := p.adapter.DefaultEndpointID()
	if errors.Is(err, ErrDeviceNotFound) {
		defaultID = ""
	} else if err != nil {
		return StatePayload{}, adapterError("get default endpoint id", "", err)
	}

	payload := StatePayload{
		AudioDeviceList: []DeviceState{},
		Default:         defaultID,
	}

	if n != nil {
		echo := *n
		payload.Notification = &echo
	}

	// the publisher runs inside the dispatcher, so nobody else may hold the lock here
	err = p.registry.tryView(func(set *deviceSet) error {
		for _, id := range set.order {
			ds, err := set.devices[id].state()
			if err != nil {
				return fmt.Errorf("read device state: %w", err)
			}

			payload.AudioDeviceList = append(payload.AudioDeviceList, ds)
		}

		return nil
	})

	if err != nil {
		return StatePayload{}, err
	}

	return payload, nil
}

// publish builds a snapshot and hands it to the UI channel
func (p *publisher) publish(ctx context.Context, n *Notification) error {
	payload, err := p.snapshot(n)
	if err != nil {
		return fmt.Errorf("build state snapshot: %w", err)
	}

	if err := p.out.send(ctx, payload); err != nil {
		return fmt.Errorf("send state snapshot: %w", err)
	}

	p.logger.Debugw("Published state snapshot", "devices", len(payload.AudioDeviceList), "default", payload.Default)

	return nil
}
