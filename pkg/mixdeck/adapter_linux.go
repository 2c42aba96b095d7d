package mixdeck

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

const (
	// normal PulseAudio volume (100%)
	maxVolume = 0x10000

	sinkInputPropertyKey = "sink-input"
)

type paAdapter struct {
	logger   *zap.SugaredLogger
	callback NotificationCallback

	client *proto.Client
	conn   net.Conn

	// touched from the client's read goroutine too
	lock      sync.Mutex
	sinkNames map[uint32]string
	watched   map[uint32]*paVolume
}

// newPlatformAdapter connects to the PulseAudio (or PipeWire) server and
// subscribes to sink, sink input and server events
func newPlatformAdapter(logger *zap.SugaredLogger, callback NotificationCallback) (Adapter, error) {
	logger = logger.Named("pulse")

	client, conn, err := proto.Connect("")
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	a := &paAdapter{
		logger:    logger,
		callback:  callback,
		client:    client,
		conn:      conn,
		sinkNames: map[uint32]string{},
		watched:   map[uint32]*paVolume{},
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("mixdeck"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set PulseAudio client name: %w", err)
	}

	// must be in place before subscribing; it runs on the client's read goroutine
	client.Callback = a.onServerMessage

	subscribe := proto.Subscribe{
		Mask: proto.SubscriptionMaskSink | proto.SubscriptionMaskSinkInput | proto.SubscriptionMaskServer,
	}
	if err := client.Request(&subscribe, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to PulseAudio events: %w", err)
	}

	logger.Debug("Created PA adapter instance")

	return a, nil
}

// onServerMessage must never issue requests: replies are read by the very
// goroutine that's calling it
func (a *paAdapter) onServerMessage(msg interface{}) {
	event, ok := msg.(*proto.SubscribeEvent)
	if !ok {
		return
	}

	facility := event.Event & proto.EventFacilityMask
	kind := event.Event & proto.EventTypeMask

	switch facility {
	case proto.EventServer:
		// the server event is how a default sink change shows up; the id isn't part of it
		a.callback(NewTopologyNotification(DefaultDeviceChanged, ""))

	case proto.EventSink:
		a.lock.Lock()
		name, known := a.sinkNames[event.Index]
		watched := a.watched[event.Index]
		if kind == proto.EventRemove {
			delete(a.sinkNames, event.Index)
		}
		a.lock.Unlock()

		if !known {
			name = strconv.FormatUint(uint64(event.Index), 10)
		}

		switch kind {
		case proto.EventNew:
			a.callback(NewTopologyNotification(DeviceAdded, name))
		case proto.EventRemove:
			a.callback(NewTopologyNotification(DeviceRemoved, name))
		case proto.EventChange:
			if watched != nil {
				volume, muted := watched.cached()
				a.callback(NewVolumeNotification(name, volume, muted))
			} else {
				a.callback(NewPropertyNotification(name, ""))
			}
		}

	default:
		// sink inputs (application streams) coming and going; the owning sink
		// isn't known without a request, so this only schedules a rebuild
		a.callback(NewPropertyNotification("", sinkInputPropertyKey))
	}
}

func (a *paAdapter) ActiveEndpoints() ([]Endpoint, error) {
	request := proto.GetSinkInfoList{}
	reply := proto.GetSinkInfoListReply{}

	if err := a.client.Request(&request, &reply); err != nil {
		return nil, fmt.Errorf("get sink info list: %w", err)
	}

	endpoints := make([]Endpoint, 0, len(reply))
	names := make(map[uint32]string, len(reply))

	for _, sink := range reply {
		if sink == nil {
			continue
		}

		description := ""
		if sink.Properties != nil {
			if descProp, ok := sink.Properties["device.description"]; ok {
				description = descProp.String()
			}
		}

		names[sink.SinkIndex] = sink.SinkName

		endpoints = append(endpoints, &paEndpoint{
			adapter:     a,
			index:       sink.SinkIndex,
			name:        sink.SinkName,
			description: description,
			channels:    sink.Channels,
		})
	}

	a.lock.Lock()
	a.sinkNames = names
	a.lock.Unlock()

	a.logger.Debugw("Enumerated sinks", "count", len(endpoints))

	return endpoints, nil
}

func (a *paAdapter) DefaultEndpointID() (string, error) {
	request := proto.GetServerInfo{}
	reply := proto.GetServerInfoReply{}

	if err := a.client.Request(&request, &reply); err != nil {
		return "", fmt.Errorf("get server info: %w", err)
	}

	if reply.DefaultSinkName == "" {
		return "", ErrDeviceNotFound
	}

	return reply.DefaultSinkName, nil
}

func (a *paAdapter) SetDefaultEndpoint(id string) error {
	request := proto.SetDefaultSink{SinkName: id}

	if err := a.client.Request(&request, nil); err != nil {
		return fmt.Errorf("set default sink: %w", err)
	}

	return nil
}

func (a *paAdapter) Release() error {
	a.client.Callback = nil

	if err := a.conn.Close(); err != nil {
		a.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	a.logger.Debug("Released PA adapter instance")

	return nil
}

type paEndpoint struct {
	adapter *paAdapter

	index       uint32
	name        string
	description string
	channels    byte
}

func (e *paEndpoint) ID() string {
	return e.name
}

func (e *paEndpoint) Name() (string, error) {
	if e.description == "" {
		return e.name, nil
	}

	return e.description, nil
}

func (e *paEndpoint) ActivateVolume() (VolumeControl, error) {
	return &paVolume{
		adapter:  e.adapter,
		index:    e.index,
		channels: e.channels,
	}, nil
}

func (e *paEndpoint) Sessions() ([]SessionControl, error) {
	request := proto.GetSinkInputInfoList{}
	reply := proto.GetSinkInputInfoListReply{}

	if err := e.adapter.client.Request(&request, &reply); err != nil {
		return nil, fmt.Errorf("get sink input list: %w", err)
	}

	sessions := []SessionControl{}

	for _, info := range reply {
		if info == nil || info.SinkIndex != e.index {
			continue
		}

		pidProp, ok := info.Properties["application.process.id"]
		if !ok {
			e.adapter.logger.Debugw("Sink input has no process id, skipping", "sinkInputIndex", info.SinkInputIndex)
			continue
		}

		pid, err := strconv.ParseUint(pidProp.String(), 10, 32)
		if err != nil {
			e.adapter.logger.Debugw("Sink input has an invalid process id, skipping",
				"sinkInputIndex", info.SinkInputIndex,
				"pid", pidProp.String())
			continue
		}

		sessions = append(sessions, &paSessionControl{
			client:   e.adapter.client,
			index:    info.SinkInputIndex,
			channels: info.Channels,
			pid:      uint32(pid),
		})
	}

	return sessions, nil
}

func (e *paEndpoint) Release() {}

type paVolume struct {
	adapter  *paAdapter
	index    uint32
	channels byte

	// last values read, echoed in change notifications
	cacheLock  sync.Mutex
	lastVolume float32
	lastMuted  bool
}

func (v *paVolume) info() (*proto.GetSinkInfoReply, error) {
	request := proto.GetSinkInfo{SinkIndex: v.index}
	reply := proto.GetSinkInfoReply{}

	if err := v.adapter.client.Request(&request, &reply); err != nil {
		return nil, fmt.Errorf("get sink info: %w", err)
	}

	return &reply, nil
}

func (v *paVolume) MasterVolume() (float32, error) {
	reply, err := v.info()
	if err != nil {
		return 0, err
	}

	level := parseChannelVolumes(reply.ChannelVolumes)

	v.cacheLock.Lock()
	v.lastVolume = level
	v.cacheLock.Unlock()

	return level, nil
}

func (v *paVolume) SetMasterVolume(level float32) error {
	request := proto.SetSinkVolume{
		SinkIndex:      v.index,
		ChannelVolumes: createChannelVolumes(v.channels, level),
	}

	if err := v.adapter.client.Request(&request, nil); err != nil {
		return fmt.Errorf("set sink volume: %w", err)
	}

	return nil
}

func (v *paVolume) Mute() (bool, error) {
	reply, err := v.info()
	if err != nil {
		return false, err
	}

	v.cacheLock.Lock()
	v.lastMuted = reply.Mute
	v.cacheLock.Unlock()

	return reply.Mute, nil
}

func (v *paVolume) SetMute(muted bool) error {
	request := proto.SetSinkMute{
		SinkIndex: v.index,
		Mute:      muted,
	}

	if err := v.adapter.client.Request(&request, nil); err != nil {
		return fmt.Errorf("set sink mute: %w", err)
	}

	return nil
}

func (v *paVolume) cached() (float32, bool) {
	v.cacheLock.Lock()
	defer v.cacheLock.Unlock()

	return v.lastVolume, v.lastMuted
}

// Subscribe marks the sink as watched; the adapter-wide subscription delivers its events
func (v *paVolume) Subscribe(callback NotificationCallback) error {
	v.adapter.lock.Lock()
	defer v.adapter.lock.Unlock()

	v.adapter.watched[v.index] = v
	return nil
}

func (v *paVolume) Unsubscribe() error {
	v.adapter.lock.Lock()
	defer v.adapter.lock.Unlock()

	if v.adapter.watched[v.index] == v {
		delete(v.adapter.watched, v.index)
	}
	return nil
}

func (v *paVolume) Release() {}

type paSessionControl struct {
	client   *proto.Client
	index    uint32
	channels byte
	pid      uint32
}

func (s *paSessionControl) ProcessID() uint32 {
	return s.pid
}

func (s *paSessionControl) info() (*proto.GetSinkInputInfoReply, error) {
	request := proto.GetSinkInputInfo{SinkInputIndex: s.index}
	reply := proto.GetSinkInputInfoReply{}

	if err := s.client.Request(&request, &reply); err != nil {
		return nil, s.requestError("get sink input info", err)
	}

	return &reply, nil
}

// requestError reports a request against a sink input that no longer exists
// as ErrSessionNotFound
func (s *paSessionControl) requestError(op string, err error) error {
	request := proto.GetSinkInputInfoList{}
	reply := proto.GetSinkInputInfoListReply{}

	if listErr := s.client.Request(&request, &reply); listErr != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	for _, info := range reply {
		if info != nil && info.SinkInputIndex == s.index {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	return fmt.Errorf("%s (sink input %d): %w", op, s.index, ErrSessionNotFound)
}

func (s *paSessionControl) Volume() (float32, error) {
	reply, err := s.info()
	if err != nil {
		return 0, err
	}

	return parseChannelVolumes(reply.ChannelVolumes), nil
}

func (s *paSessionControl) SetVolume(level float32) error {
	request := proto.SetSinkInputVolume{
		SinkInputIndex: s.index,
		ChannelVolumes: createChannelVolumes(s.channels, level),
	}

	if err := s.client.Request(&request, nil); err != nil {
		return s.requestError("set sink input volume", err)
	}

	return nil
}

func (s *paSessionControl) Mute() (bool, error) {
	reply, err := s.info()
	if err != nil {
		return false, err
	}

	return reply.Muted, nil
}

func (s *paSessionControl) SetMute(muted bool) error {
	request := proto.SetSinkInputMute{
		SinkInputIndex: s.index,
		Mute:           muted,
	}

	if err := s.client.Request(&request, nil); err != nil {
		return s.requestError("set sink input mute", err)
	}

	return nil
}

func (s *paSessionControl) Release() {}

func createChannelVolumes(channels byte, volume float32) []uint32 {
	volumes := make([]uint32, channels)

	for i := range volumes {
		volumes[i] = uint32(volume * maxVolume)
	}

	return volumes
}

func parseChannelVolumes(volumes []uint32) float32 {
	if len(volumes) == 0 {
		return 0
	}

	var level uint32

	for _, volume := range volumes {
		level += volume
	}

	return float32(level) / float32(len(volumes)) / float32(maxVolume)
}
