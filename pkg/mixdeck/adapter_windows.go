package mixdeck

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	wca "github.com/moutend/go-wca"
	"go.uber.org/zap"
)

const (
	// CoInitializeEx reports S_FALSE when COM was already initialized on this thread
	comSFalse = 1

	// HRESULT_FROM_WIN32(ERROR_NOT_FOUND), returned when there's no default endpoint
	comENotFound = 0x80070490

	comSOk          = 0
	comENoInterface = 0x80004002

	// GetProcessId fails with this (AUDCLNT_S_NO_CURRENT_PROCESS) for the system sounds session
	systemSoundsErrorCode = "143196173"

	// vtable slots, counted from the start of IUnknown
	slotRegisterEndpointNotificationCallback   = 6
	slotUnregisterEndpointNotificationCallback = 7
	slotRegisterControlChangeNotify            = 3
	slotUnregisterControlChangeNotify          = 4
	slotPolicyConfigSetDefaultEndpoint         = 13
)

var (
	clsidPolicyConfigClient = ole.NewGUID("{870af99c-171d-4f9e-af0d-e63df40c2bc9}")
	iidPolicyConfig         = ole.NewGUID("{f8679f50-850a-41cf-9c72-430f290290c8}")

	// all roles get the same default, like the sound control panel does
	defaultEndpointRoles = []uint32{wca.EConsole, wca.EMultimedia, wca.ECommunications}
)

type wcaAdapter struct {
	logger   *zap.SugaredLogger
	eventCtx *ole.GUID

	enumerator *wca.IMMDeviceEnumerator
	client     *notificationClient
}

// newPlatformAdapter initializes COM on the calling thread, creates the device
// enumerator and registers for topology notifications
func newPlatformAdapter(logger *zap.SugaredLogger, callback NotificationCallback) (Adapter, error) {
	logger = logger.Named("wca")

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		oleError := &ole.OleError{}

		if errors.As(err, &oleError) && oleError.Code() == comSFalse {
			logger.Warn("CoInitializeEx failed with S_FALSE due to duplicate COM initialization")
		} else {
			logger.Warnw("Failed to call CoInitializeEx", "error", err)
			return nil, fmt.Errorf("call CoInitializeEx: %w", err)
		}
	}

	a := &wcaAdapter{
		logger:   logger,
		eventCtx: ole.NewGUID("{7b0ec3a5-9a9e-4a3d-9c5e-a8f7d1e2b4c6}"),
	}

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&a.enumerator,
	); err != nil {
		logger.Warnw("Failed to call CoCreateInstance", "error", err)
		ole.CoUninitialize()
		return nil, fmt.Errorf("call CoCreateInstance: %w", err)
	}

	a.client = newNotificationClient(callback)

	if err := comCall(&a.enumerator.IUnknown, slotRegisterEndpointNotificationCallback,
		uintptr(unsafe.Pointer(a.client))); err != nil {

		logger.Warnw("Failed to register endpoint notification callback", "error", err)
		a.enumerator.Release()
		ole.CoUninitialize()
		return nil, fmt.Errorf("register endpoint notification callback: %w", err)
	}

	logger.Debug("Created WCA adapter instance")

	return a, nil
}

func (a *wcaAdapter) ActiveEndpoints() ([]Endpoint, error) {
	var collection *wca.IMMDeviceCollection
	if err := a.enumerator.EnumAudioEndpoints(wca.ERender, wca.DEVICE_STATE_ACTIVE, &collection); err != nil {
		return nil, fmt.Errorf("enumerate active audio endpoints: %w", err)
	}
	defer collection.Release()

	var count uint32
	if err := collection.GetCount(&count); err != nil {
		return nil, fmt.Errorf("count active audio endpoints: %w", err)
	}

	endpoints := make([]Endpoint, 0, count)

	for idx := uint32(0); idx < count; idx++ {
		var mmDevice *wca.IMMDevice
		if err := collection.Item(idx, &mmDevice); err != nil {
			releaseEndpoints(endpoints)
			return nil, fmt.Errorf("get audio endpoint %d: %w", idx, err)
		}

		var id string
		if err := mmDevice.GetId(&id); err != nil {
			mmDevice.Release()
			releaseEndpoints(endpoints)
			return nil, fmt.Errorf("get audio endpoint %d id: %w", idx, err)
		}

		endpoints = append(endpoints, &wcaEndpoint{
			id:       id,
			device:   mmDevice,
			eventCtx: a.eventCtx,
		})
	}

	a.logger.Debugw("Enumerated active audio endpoints", "count", len(endpoints))

	return endpoints, nil
}

func (a *wcaAdapter) DefaultEndpointID() (string, error) {
	var mmDevice *wca.IMMDevice
	if err := a.enumerator.GetDefaultAudioEndpoint(wca.ERender, wca.EMultimedia, &mmDevice); err != nil {
		oleError := &ole.OleError{}
		if errors.As(err, &oleError) && uint32(oleError.Code()) == comENotFound {
			return "", ErrDeviceNotFound
		}

		return "", fmt.Errorf("get default audio endpoint: %w", err)
	}
	defer mmDevice.Release()

	var id string
	if err := mmDevice.GetId(&id); err != nil {
		return "", fmt.Errorf("get default audio endpoint id: %w", err)
	}

	return id, nil
}

func (a *wcaAdapter) SetDefaultEndpoint(id string) error {
	policyConfig, err := ole.CreateInstance(clsidPolicyConfigClient, iidPolicyConfig)
	if err != nil {
		return fmt.Errorf("create policy config instance: %w", err)
	}
	defer policyConfig.Release()

	wideID, err := syscall.UTF16PtrFromString(id)
	if err != nil {
		return fmt.Errorf("convert endpoint id: %w", err)
	}

	for _, role := range defaultEndpointRoles {
		if err := comCall(policyConfig, slotPolicyConfigSetDefaultEndpoint,
			uintptr(unsafe.Pointer(wideID)), uintptr(role)); err != nil {

			return fmt.Errorf("set default endpoint for role %d: %w", role, err)
		}
	}

	return nil
}

func (a *wcaAdapter) Release() error {
	var errs []error

	if err := comCall(&a.enumerator.IUnknown, slotUnregisterEndpointNotificationCallback,
		uintptr(unsafe.Pointer(a.client))); err != nil {

		errs = append(errs, fmt.Errorf("unregister endpoint notification callback: %w", err))
	}

	a.enumerator.Release()
	ole.CoUninitialize()

	a.logger.Debug("Released WCA adapter")

	return errors.Join(errs...)
}

type wcaEndpoint struct {
	id       string
	device   *wca.IMMDevice
	eventCtx *ole.GUID
}

func (e *wcaEndpoint) ID() string {
	return e.id
}

func (e *wcaEndpoint) Name() (string, error) {
	var propertyStore *wca.IPropertyStore
	if err := e.device.OpenPropertyStore(wca.STGM_READ, &propertyStore); err != nil {
		return "", fmt.Errorf("open endpoint property store: %w", err)
	}
	defer propertyStore.Release()

	value := &wca.PROPVARIANT{}
	if err := propertyStore.GetValue(&wca.PKEY_Device_FriendlyName, value); err != nil {
		return "", fmt.Errorf("get endpoint friendly name: %w", err)
	}

	return value.String(), nil
}

func (e *wcaEndpoint) ActivateVolume() (VolumeControl, error) {
	var endpointVolume *wca.IAudioEndpointVolume
	if err := e.device.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &endpointVolume); err != nil {
		return nil, fmt.Errorf("activate endpoint volume: %w", err)
	}

	return &wcaVolume{id: e.id, volume: endpointVolume, eventCtx: e.eventCtx}, nil
}

func (e *wcaEndpoint) Sessions() ([]SessionControl, error) {
	var sessionManager *wca.IAudioSessionManager2
	if err := e.device.Activate(wca.IID_IAudioSessionManager2, wca.CLSCTX_ALL, nil, &sessionManager); err != nil {
		return nil, fmt.Errorf("activate audio session manager: %w", err)
	}
	defer sessionManager.Release()

	var sessionEnumerator *wca.IAudioSessionEnumerator
	if err := sessionManager.GetSessionEnumerator(&sessionEnumerator); err != nil {
		return nil, fmt.Errorf("get session enumerator: %w", err)
	}
	defer sessionEnumerator.Release()

	var sessionCount int
	if err := sessionEnumerator.GetCount(&sessionCount); err != nil {
		return nil, fmt.Errorf("get session count: %w", err)
	}

	sessions := make([]SessionControl, 0, sessionCount)

	for sessionIdx := 0; sessionIdx < sessionCount; sessionIdx++ {
		s, err := e.session(sessionEnumerator, sessionIdx)
		if err != nil {
			for _, s := range sessions {
				s.Release()
			}
			return nil, err
		}

		sessions = append(sessions, s)
	}

	return sessions, nil
}

func (e *wcaEndpoint) session(sessionEnumerator *wca.IAudioSessionEnumerator, idx int) (SessionControl, error) {
	var audioSessionControl *wca.IAudioSessionControl
	if err := sessionEnumerator.GetSession(idx, &audioSessionControl); err != nil {
		return nil, fmt.Errorf("get session %d from enumerator: %w", idx, err)
	}
	defer audioSessionControl.Release()

	dispatch, err := audioSessionControl.QueryInterface(wca.IID_IAudioSessionControl2)
	if err != nil {
		return nil, fmt.Errorf("query session %d IAudioSessionControl2: %w", idx, err)
	}
	audioSessionControl2 := (*wca.IAudioSessionControl2)(unsafe.Pointer(dispatch))

	var pid uint32
	if err := audioSessionControl2.GetProcessId(&pid); err != nil {

		// the system sounds session has no process; anything else is a real failure
		isSystemSoundsErr := audioSessionControl2.IsSystemSoundsSession()
		if isSystemSoundsErr != nil && !strings.Contains(err.Error(), systemSoundsErrorCode) {
			audioSessionControl2.Release()
			return nil, fmt.Errorf("query session %d pid: %w", idx, err)
		}

		pid = 0
	}

	dispatch, err = audioSessionControl2.QueryInterface(wca.IID_ISimpleAudioVolume)
	if err != nil {
		audioSessionControl2.Release()
		return nil, fmt.Errorf("query session %d ISimpleAudioVolume: %w", idx, err)
	}

	return &wcaSessionControl{
		pid:      pid,
		control:  audioSessionControl2,
		volume:   (*wca.ISimpleAudioVolume)(unsafe.Pointer(dispatch)),
		eventCtx: e.eventCtx,
	}, nil
}

func (e *wcaEndpoint) Release() {
	e.device.Release()
}

type wcaVolume struct {
	id       string
	volume   *wca.IAudioEndpointVolume
	eventCtx *ole.GUID

	callback *volumeCallback
}

func (v *wcaVolume) MasterVolume() (float32, error) {
	var level float32
	if err := v.volume.GetMasterVolumeLevelScalar(&level); err != nil {
		return 0, err
	}

	return level, nil
}

func (v *wcaVolume) SetMasterVolume(level float32) error {
	return v.volume.SetMasterVolumeLevelScalar(level, v.eventCtx)
}

func (v *wcaVolume) Mute() (bool, error) {
	var muted bool
	if err := v.volume.GetMute(&muted); err != nil {
		return false, err
	}

	return muted, nil
}

func (v *wcaVolume) SetMute(muted bool) error {
	return v.volume.SetMute(muted, v.eventCtx)
}

func (v *wcaVolume) Subscribe(callback NotificationCallback) error {
	if v.callback != nil {
		return nil
	}

	cb := newVolumeCallback(v.id, callback)
	if err := comCall(&v.volume.IUnknown, slotRegisterControlChangeNotify, uintptr(unsafe.Pointer(cb))); err != nil {
		return fmt.Errorf("register control change notify: %w", err)
	}

	v.callback = cb
	return nil
}

func (v *wcaVolume) Unsubscribe() error {
	if v.callback == nil {
		return nil
	}

	cb := v.callback
	v.callback = nil

	if err := comCall(&v.volume.IUnknown, slotUnregisterControlChangeNotify, uintptr(unsafe.Pointer(cb))); err != nil {
		return fmt.Errorf("unregister control change notify: %w", err)
	}

	return nil
}

func (v *wcaVolume) Release() {
	v.volume.Release()
}

type wcaSessionControl struct {
	pid      uint32
	control  *wca.IAudioSessionControl2
	volume   *wca.ISimpleAudioVolume
	eventCtx *ole.GUID
}

func (s *wcaSessionControl) ProcessID() uint32 {
	return s.pid
}

func (s *wcaSessionControl) Volume() (float32, error) {
	if err := s.checkExpired(); err != nil {
		return 0, err
	}

	var level float32
	if err := s.volume.GetMasterVolume(&level); err != nil {
		return 0, err
	}

	return level, nil
}

func (s *wcaSessionControl) SetVolume(level float32) error {
	if err := s.volume.SetMasterVolume(level, s.eventCtx); err != nil {
		return err
	}

	return s.checkExpired()
}

func (s *wcaSessionControl) Mute() (bool, error) {
	if err := s.checkExpired(); err != nil {
		return false, err
	}

	var muted bool
	if err := s.volume.GetMute(&muted); err != nil {
		return false, err
	}

	return muted, nil
}

func (s *wcaSessionControl) SetMute(muted bool) error {
	if err := s.volume.SetMute(muted, s.eventCtx); err != nil {
		return err
	}

	return s.checkExpired()
}

// an expired session accepts calls without complaint, so look at its state
func (s *wcaSessionControl) checkExpired() error {
	var state uint32
	if err := s.control.GetState(&state); err != nil {
		return fmt.Errorf("get session state: %w", err)
	}

	if state == wca.AudioSessionStateExpired {
		return fmt.Errorf("session of pid %d expired: %w", s.pid, ErrSessionNotFound)
	}

	return nil
}

func (s *wcaSessionControl) Release() {
	s.volume.Release()
	s.control.Release()
}

func releaseEndpoints(endpoints []Endpoint) {
	for _, endpoint := range endpoints {
		endpoint.Release()
	}
}

// comCall invokes a raw vtable slot of a COM object, with the object itself as the first argument
func comCall(obj *ole.IUnknown, slot int, args ...uintptr) error {
	vtbl := *(*uintptr)(unsafe.Pointer(obj))
	fn := *(*uintptr)(unsafe.Pointer(vtbl + uintptr(slot)*unsafe.Sizeof(uintptr(0))))

	hr, _, _ := syscall.SyscallN(fn, append([]uintptr{uintptr(unsafe.Pointer(obj))}, args...)...)
	if hr != comSOk {
		return ole.NewError(hr)
	}

	return nil
}

// notificationClient is a Go-side IMMNotificationClient. The vtable pointer
// must stay the first field: COM only ever sees a pointer to the struct
type notificationClient struct {
	vtbl     *notificationClientVtbl
	callback NotificationCallback
}

type notificationClientVtbl struct {
	QueryInterface         uintptr
	AddRef                 uintptr
	Release                uintptr
	OnDeviceStateChanged   uintptr
	OnDeviceAdded          uintptr
	OnDeviceRemoved        uintptr
	OnDefaultDeviceChanged uintptr
	OnPropertyValueChanged uintptr
}

// volumeCallback is a Go-side IAudioEndpointVolumeCallback for one endpoint
type volumeCallback struct {
	vtbl     *volumeCallbackVtbl
	deviceID string
	callback NotificationCallback
}

type volumeCallbackVtbl struct {
	QueryInterface uintptr
	AddRef         uintptr
	Release        uintptr
	OnNotify       uintptr
}

// AUDIO_VOLUME_NOTIFICATION_DATA
type audioVolumeNotificationData struct {
	GuidEventContext ole.GUID
	Muted            int32
	MasterVolume     float32
	Channels         uint32
	ChannelVolumes   [1]float32
}

// PROPERTYKEY
type propertyKey struct {
	Fmtid ole.GUID
	Pid   uint32
}

// syscall.NewCallback slots are a finite resource, so every client shares one vtable
var (
	notificationClientVtable     *notificationClientVtbl
	volumeCallbackVtable         *volumeCallbackVtbl
	notificationClientVtableOnce sync.Once
	volumeCallbackVtableOnce     sync.Once
)

func newNotificationClient(callback NotificationCallback) *notificationClient {
	notificationClientVtableOnce.Do(func() {
		notificationClientVtable = &notificationClientVtbl{
			QueryInterface:         syscall.NewCallback(comQueryInterface),
			AddRef:                 syscall.NewCallback(comAddRef),
			Release:                syscall.NewCallback(comRelease),
			OnDeviceStateChanged:   syscall.NewCallback(onDeviceStateChanged),
			OnDeviceAdded:          syscall.NewCallback(onDeviceAdded),
			OnDeviceRemoved:        syscall.NewCallback(onDeviceRemoved),
			OnDefaultDeviceChanged: syscall.NewCallback(onDefaultDeviceChanged),
			OnPropertyValueChanged: syscall.NewCallback(onPropertyValueChanged),
		}
	})

	return &notificationClient{vtbl: notificationClientVtable, callback: callback}
}

func newVolumeCallback(deviceID string, callback NotificationCallback) *volumeCallback {
	volumeCallbackVtableOnce.Do(func() {
		volumeCallbackVtable = &volumeCallbackVtbl{
			QueryInterface: syscall.NewCallback(comQueryInterface),
			AddRef:         syscall.NewCallback(comAddRef),
			Release:        syscall.NewCallback(comRelease),
			OnNotify:       syscall.NewCallback(onVolumeNotify),
		}
	})

	return &volumeCallback{vtbl: volumeCallbackVtable, deviceID: deviceID, callback: callback}
}

// the Go side owns both objects, so reference counting is a no-op
func comQueryInterface(this uintptr, iid uintptr, ppv uintptr) uintptr {
	if ppv == 0 {
		return comENoInterface
	}

	*(*uintptr)(unsafe.Pointer(ppv)) = this
	return comSOk
}

func comAddRef(this uintptr) uintptr {
	return 1
}

func comRelease(this uintptr) uintptr {
	return 1
}

func clientFrom(this uintptr) *notificationClient {
	return (*notificationClient)(unsafe.Pointer(this))
}

func wideString(p uintptr) string {
	if p == 0 {
		return ""
	}

	return ole.LpOleStrToString((*uint16)(unsafe.Pointer(p)))
}

func onDeviceStateChanged(this uintptr, deviceID uintptr, newState uintptr) uintptr {
	clientFrom(this).callback(NewDeviceStateNotification(wideString(deviceID), uint32(newState)))
	return comSOk
}

func onDeviceAdded(this uintptr, deviceID uintptr) uintptr {
	clientFrom(this).callback(NewTopologyNotification(DeviceAdded, wideString(deviceID)))
	return comSOk
}

func onDeviceRemoved(this uintptr, deviceID uintptr) uintptr {
	clientFrom(this).callback(NewTopologyNotification(DeviceRemoved, wideString(deviceID)))
	return comSOk
}

func onDefaultDeviceChanged(this uintptr, flow uintptr, role uintptr, deviceID uintptr) uintptr {

	// capture endpoints and other roles would only cause duplicate refreshes
	if uint32(flow) != wca.ERender || uint32(role) != wca.EMultimedia {
		return comSOk
	}

	clientFrom(this).callback(NewTopologyNotification(DefaultDeviceChanged, wideString(deviceID)))
	return comSOk
}

// key is passed by reference on amd64 (PROPERTYKEY is larger than a register)
func onPropertyValueChanged(this uintptr, deviceID uintptr, key uintptr) uintptr {
	var formatted string
	if key != 0 {
		pk := (*propertyKey)(unsafe.Pointer(key))
		formatted = fmt.Sprintf("%s,%d", pk.Fmtid.String(), pk.Pid)
	}

	clientFrom(this).callback(NewPropertyNotification(wideString(deviceID), formatted))
	return comSOk
}

func onVolumeNotify(this uintptr, data uintptr) uintptr {
	cb := (*volumeCallback)(unsafe.Pointer(this))

	if data == 0 {
		return comSOk
	}

	notification := (*audioVolumeNotificationData)(unsafe.Pointer(data))
	cb.callback(NewVolumeNotification(cb.deviceID, notification.MasterVolume, notification.Muted != 0))

	return comSOk
}
