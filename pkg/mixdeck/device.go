package mixdeck

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/stalexteam/mixdeck/pkg/mixdeck/util"
)

const (
	deviceCreationLogMessage = "Created audio device handle"

	// format this with the device's name and id
	deviceStringFormat = "<device: %s (%s), sessions: %d>"
)

// device is the handle for one active rendering endpoint: the endpoint itself,
// its volume capability and (when enumerated) its per-process sessions.
// Handles never leave the dispatcher
type device struct {
	logger *zap.SugaredLogger

	id   string
	name string

	endpoint Endpoint
	volume   VolumeControl

	// nil unless session enumeration is enabled
	sessions map[uint32]*session
}

type session struct {
	control SessionControl
	name    string
	path    string
}

// newDevice takes ownership of endpoint. On error everything acquired so far,
// including the endpoint, is released
func newDevice(
	logger *zap.SugaredLogger,
	endpoint Endpoint,
	callback NotificationCallback,
	enumerateSessions bool,
) (*device, error) {

	d := &device{
		id:       endpoint.ID(),
		endpoint: endpoint,
	}

	name, err := endpoint.Name()
	if err != nil {
		endpoint.Release()
		return nil, adapterError("get endpoint name", d.id, err)
	}
	d.name = name
	d.logger = logger.Named(d.id)

	volume, err := endpoint.ActivateVolume()
	if err != nil {
		endpoint.Release()
		return nil, adapterError("activate endpoint volume", d.id, err)
	}
	d.volume = volume

	if enumerateSessions {
		if err := d.enumerateSessions(); err != nil {
			d.release()
			return nil, err
		}
	}

	// subscribe last, so a failed construction never leaves a dangling registration
	if err := volume.Subscribe(callback); err != nil {
		d.release()
		return nil, adapterError("subscribe to endpoint volume", d.id, err)
	}

	d.logger.Debugw(deviceCreationLogMessage, "device", d)

	return d, nil
}

func (d *device) enumerateSessions() error {
	controls, err := d.endpoint.Sessions()
	if err != nil {
		return adapterError("enumerate sessions", d.id, err)
	}

	d.sessions = make(map[uint32]*session, len(controls))

	for _, control := range controls {
		pid := control.ProcessID()

		name, err := processName(pid)
		if err != nil {
			d.logger.Debugw("Process already exited, not tracking audio session", "pid", pid, "error", err)
			control.Release()
			continue
		}

		// two sessions for the same process: keep the first one
		if _, ok := d.sessions[pid]; ok {
			control.Release()
			continue
		}

		s := &session{control: control, name: name}

		if pid != 0 {
			if path, err := util.GetProcessPath(int(pid)); err == nil {
				s.path = path
			}
		}

		d.sessions[pid] = s
		d.logger.Debugw("Tracking audio session", "pid", pid, "name", s.name, "path", s.path)
	}

	return nil
}

func (d *device) Volume() (float32, error) {
	level, err := d.volume.MasterVolume()
	if err != nil {
		return 0, adapterError("get master volume", d.id, err)
	}

	return level, nil
}

func (d *device) SetVolume(v float32) error {
	if err := d.volume.SetMasterVolume(v); err != nil {
		return adapterError("set master volume", d.id, err)
	}

	d.logger.Debugw("Adjusting device volume", "to", fmt.Sprintf("%.2f", v))
	return nil
}

func (d *device) Mute() (bool, error) {
	muted, err := d.volume.Mute()
	if err != nil {
		return false, adapterError("get mute", d.id, err)
	}

	return muted, nil
}

func (d *device) SetMute(v bool) error {
	if err := d.volume.SetMute(v); err != nil {
		return adapterError("set mute", d.id, err)
	}

	d.logger.Debugw("Setting device mute state", "muted", v)
	return nil
}

func (d *device) session(pid uint32) (*session, error) {
	if d.sessions == nil {
		return nil, fmt.Errorf("device %s has no enumerated sessions: %w", d.id, ErrSessionNotFound)
	}

	s, ok := d.sessions[pid]
	if !ok {
		return nil, fmt.Errorf("device %s, pid %d: %w", d.id, pid, ErrSessionNotFound)
	}

	return s, nil
}

func (d *device) SetSessionVolume(pid uint32, v float32) error {
	s, err := d.session(pid)
	if err != nil {
		return err
	}

	if err := s.control.SetVolume(v); err != nil {
		return adapterError(fmt.Sprintf("set session volume (pid %d)", pid), d.id, err)
	}

	d.logger.Debugw("Adjusting session volume", "pid", pid, "to", fmt.Sprintf("%.2f", v))
	return nil
}

func (d *device) SetSessionMute(pid uint32, v bool) error {
	s, err := d.session(pid)
	if err != nil {
		return err
	}

	if err := s.control.SetMute(v); err != nil {
		return adapterError(fmt.Sprintf("set session mute (pid %d)", pid), d.id, err)
	}

	d.logger.Debugw("Setting session mute state", "pid", pid, "muted", v)
	return nil
}

// state reads the live values of the device (and its sessions)
func (d *device) state() (DeviceState, error) {
	volume, err := d.Volume()
	if err != nil {
		return DeviceState{}, err
	}

	muted, err := d.Mute()
	if err != nil {
		return DeviceState{}, err
	}

	ds := DeviceState{
		ID:     d.id,
		Name:   d.name,
		Volume: volume,
		Muted:  muted,
	}

	if d.sessions == nil {
		return ds, nil
	}

	pids := make([]uint32, 0, len(d.sessions))
	for pid := range d.sessions {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	ds.Sessions = make([]SessionState, 0, len(pids))
	for _, pid := range pids {
		s := d.sessions[pid]

		volume, err := s.control.Volume()
		if errors.Is(err, ErrSessionNotFound) {
			d.logger.Debugw("Audio session gone, leaving it out of the snapshot", "pid", pid, "name", s.name)
			continue
		}
		if err != nil {
			return DeviceState{}, adapterError(fmt.Sprintf("get session volume (pid %d)", pid), d.id, err)
		}

		muted, err := s.control.Mute()
		if errors.Is(err, ErrSessionNotFound) {
			d.logger.Debugw("Audio session gone, leaving it out of the snapshot", "pid", pid, "name", s.name)
			continue
		}
		if err != nil {
			return DeviceState{}, adapterError(fmt.Sprintf("get session mute (pid %d)", pid), d.id, err)
		}

		ds.Sessions = append(ds.Sessions, SessionState{
			PID:    pid,
			Name:   s.name,
			Volume: volume,
			Muted:  muted,
		})
	}

	return ds, nil
}

// release drops the volume subscription and every platform object the handle holds
func (d *device) release() {
	if d.volume != nil {
		if err := d.volume.Unsubscribe(); err != nil {
			d.logger.Warnw("Failed to unsubscribe from endpoint volume", "error", err)
		}
	}

	for pid, s := range d.sessions {
		s.control.Release()
		delete(d.sessions, pid)
	}

	if d.volume != nil {
		d.volume.Release()
	}

	d.endpoint.Release()

	d.logger.Debug("Released audio device handle")
}

func (d *device) String() string {
	return fmt.Sprintf(deviceStringFormat, d.name, d.id, len(d.sessions))
}
