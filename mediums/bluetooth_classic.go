package mediums

import (
	"context"
	"sync"

	"github.com/user/nearby-connections/executor"
	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/multiplex"
	"github.com/user/nearby-connections/platform"
)

const (
	btPrefix = "bt"

	connectAttemptsLimit = 3
)

// BluetoothAcceptedCallback receives every socket accepted for serviceID.
type BluetoothAcceptedCallback func(serviceID string, socket platform.BluetoothSocket)

// btVirtualSocket gives a multiplexed virtual socket the remote device of
// the physical socket underneath it.
type btVirtualSocket struct {
	platform.Socket
	device platform.BluetoothDevice
}

func (s btVirtualSocket) RemoteDevice() platform.BluetoothDevice { return s.device }

type bluetoothState struct {
	originalName     string
	originalScanMode platform.ScanMode
	scanning         bool
	servers          map[string]platform.BluetoothServerSocket
	multiplexed      multiplexSockets
}

func (s *bluetoothState) isAccepting(serviceID string) bool {
	_, ok := s.servers[serviceID]
	return ok
}

// BluetoothClassic manages discoverability, inquiry scans and RFCOMM
// service sockets. One inquiry scan is shared by every service id that is
// discovering.
type BluetoothClassic struct {
	radio   *BluetoothRadio
	adapter platform.BluetoothAdapter
	medium  platform.BluetoothClassicMedium
	opts    Options
	pool    *executor.MultiThread
	state   guarded[bluetoothState]

	// discoveryMu guards callbacks. It is taken by the platform's scan
	// goroutine, never while calling out.
	discoveryMu sync.Mutex
	callbacks   map[string]platform.BluetoothDiscoveryCallback
	seen        *discoveryCache
}

func NewBluetoothClassic(radio *BluetoothRadio, medium platform.BluetoothClassicMedium, opts Options) *BluetoothClassic {
	if opts.Multiplex && opts.Listeners == nil {
		opts.Listeners = multiplex.NewListeners()
	}
	m := &BluetoothClassic{
		radio:     radio,
		adapter:   radio.Adapter(),
		medium:    medium,
		opts:      opts,
		pool:      newAcceptPool(opts),
		callbacks: make(map[string]platform.BluetoothDiscoveryCallback),
		seen:      newDiscoveryCache(),
	}
	m.state.s = bluetoothState{
		servers:     make(map[string]platform.BluetoothServerSocket),
		multiplexed: make(multiplexSockets),
	}
	return m
}

func (m *BluetoothClassic) isAvailable() bool {
	return m.medium != nil && m.medium.IsValid() &&
		m.adapter != nil && m.adapter.IsValid() && m.adapter.IsEnabled()
}

func (m *BluetoothClassic) IsAvailable() bool {
	_, unlock := m.state.lock()
	defer unlock()
	return m.isAvailable()
}

// TurnOnDiscoverability renames the adapter to name and makes it
// connectable and discoverable. The original name and scan mode are kept
// for TurnOffDiscoverability.
func (m *BluetoothClassic) TurnOnDiscoverability(name string) bool {
	logger.Info(btPrefix, "turning on discoverability with device_name=%s", name)
	st, unlock := m.state.lock()
	defer unlock()

	if name == "" {
		logger.Info(btPrefix, "refusing to turn on discoverability, empty device name")
		return false
	}
	if !m.radio.IsEnabled() {
		logger.Info(btPrefix, "can't turn on discoverability, BT is off")
		return false
	}
	if !m.isAvailable() {
		logger.Info(btPrefix, "can't turn on discoverability, BT is not available")
		return false
	}
	if m.isDiscoverable(st) {
		logger.Info(btPrefix, "refusing to turn on discoverability, new name=%q current name=%q", name, m.adapter.Name())
		return false
	}
	if !m.modifyDeviceName(st, name) {
		logger.Info(btPrefix, "failed to turn on discoverability, could not set name to %s", name)
		return false
	}
	if !m.modifyScanMode(st, platform.ScanModeConnectableDiscoverable) {
		logger.Info(btPrefix, "failed to turn on discoverability, could not set scan mode to %s", platform.ScanModeConnectableDiscoverable)
		m.restoreDeviceName(st)
		return false
	}
	logger.Info(btPrefix, "turned on discoverability with device_name=%s", name)
	return true
}

func (m *BluetoothClassic) TurnOffDiscoverability() bool {
	st, unlock := m.state.lock()
	defer unlock()
	return m.turnOffDiscoverability(st)
}

func (m *BluetoothClassic) turnOffDiscoverability(st *bluetoothState) bool {
	logger.Info(btPrefix, "turning off discoverability")
	if !m.isDiscoverable(st) {
		logger.Info(btPrefix, "can't turn off discoverability, it is already off")
		return false
	}
	m.restoreScanMode(st)
	m.restoreDeviceName(st)
	logger.Info(btPrefix, "turned discoverability off")
	return true
}

func (m *BluetoothClassic) IsDiscoverable() bool {
	st, unlock := m.state.lock()
	defer unlock()
	return m.isDiscoverable(st)
}

func (m *BluetoothClassic) isDiscoverable(st *bluetoothState) bool {
	return st.originalName != "" && m.adapter != nil &&
		m.adapter.ScanMode() == platform.ScanModeConnectableDiscoverable
}

func (m *BluetoothClassic) modifyDeviceName(st *bluetoothState, name string) bool {
	if st.originalName == "" {
		st.originalName = m.adapter.Name()
	}
	if err := m.adapter.SetName(name); err != nil {
		logger.Warn(btPrefix, "set adapter name: %v", err)
		return false
	}
	return true
}

func (m *BluetoothClassic) modifyScanMode(st *bluetoothState, mode platform.ScanMode) bool {
	if st.originalScanMode == platform.ScanModeUnknown {
		st.originalScanMode = m.adapter.ScanMode()
	}
	if err := m.adapter.SetScanMode(mode); err != nil {
		logger.Warn(btPrefix, "set scan mode: %v", err)
		st.originalScanMode = platform.ScanModeUnknown
		return false
	}
	return true
}

func (m *BluetoothClassic) restoreScanMode(st *bluetoothState) bool {
	if st.originalScanMode == platform.ScanModeUnknown || m.adapter.SetScanMode(st.originalScanMode) != nil {
		logger.Info(btPrefix, "failed to restore original scan mode to %s", st.originalScanMode)
		return false
	}
	st.originalScanMode = platform.ScanModeUnknown
	return true
}

func (m *BluetoothClassic) restoreDeviceName(st *bluetoothState) bool {
	if st.originalName == "" || m.adapter.SetName(st.originalName) != nil {
		logger.Info(btPrefix, "failed to restore original device name to %s", st.originalName)
		return false
	}
	st.originalName = ""
	return true
}

// StartDiscovery registers cb for serviceID. The platform scan starts with
// the first registered callback and is shared by the rest. Each callback
// sees a device once until it is reported lost.
func (m *BluetoothClassic) StartDiscovery(serviceID string, cb platform.BluetoothDiscoveryCallback) bool {
	st, unlock := m.state.lock()
	defer unlock()

	if serviceID == "" {
		logger.Info(btPrefix, "refusing to start discovery, service_id is empty")
		return false
	}
	if !m.radio.IsEnabled() {
		logger.Info(btPrefix, "can't discover devices because BT isn't enabled")
		return false
	}
	if !m.isAvailable() {
		logger.Info(btPrefix, "can't discover devices because BT isn't available")
		return false
	}
	if m.isDiscovering(st, serviceID) {
		logger.Info(btPrefix, "refusing to start discovery for %s, another discovery is in progress", serviceID)
		return false
	}

	first := !m.hasDiscoveryCallbacks()
	m.addDiscoveryCallback(serviceID, cb)
	if first {
		if err := m.medium.StartDiscovery(m.fanOut()); err != nil {
			logger.Info(btPrefix, "failed to start discovery: %v", err)
			m.removeDiscoveryCallback(serviceID)
			return false
		}
	}
	st.scanning = true
	logger.Info(btPrefix, "turned on discovery for %s", serviceID)
	return true
}

// fanOut builds the single platform callback that dispatches to every
// registered service id.
func (m *BluetoothClassic) fanOut() platform.BluetoothDiscoveryCallback {
	return platform.BluetoothDiscoveryCallback{
		DeviceDiscovered: func(device platform.BluetoothDevice) {
			for id, cb := range m.snapshotCallbacks() {
				if !m.seen.found(id, device.MacAddress) {
					continue
				}
				m.opts.Metrics.Discovered(platform.Bluetooth.String())
				if cb.DeviceDiscovered != nil {
					cb.DeviceDiscovered(device)
				}
			}
		},
		DeviceNameChanged: func(device platform.BluetoothDevice) {
			for _, cb := range m.snapshotCallbacks() {
				if cb.DeviceNameChanged != nil {
					cb.DeviceNameChanged(device)
				}
			}
		},
		DeviceLost: func(device platform.BluetoothDevice) {
			for id, cb := range m.snapshotCallbacks() {
				if !m.seen.lost(id, device.MacAddress) {
					continue
				}
				if cb.DeviceLost != nil {
					cb.DeviceLost(device)
				}
			}
		},
	}
}

func (m *BluetoothClassic) snapshotCallbacks() map[string]platform.BluetoothDiscoveryCallback {
	m.discoveryMu.Lock()
	defer m.discoveryMu.Unlock()
	out := make(map[string]platform.BluetoothDiscoveryCallback, len(m.callbacks))
	for id, cb := range m.callbacks {
		out[id] = cb
	}
	return out
}

func (m *BluetoothClassic) hasDiscoveryCallbacks() bool {
	m.discoveryMu.Lock()
	defer m.discoveryMu.Unlock()
	return len(m.callbacks) > 0
}

func (m *BluetoothClassic) addDiscoveryCallback(serviceID string, cb platform.BluetoothDiscoveryCallback) {
	m.discoveryMu.Lock()
	defer m.discoveryMu.Unlock()
	m.callbacks[serviceID] = cb
}

func (m *BluetoothClassic) removeDiscoveryCallback(serviceID string) {
	m.discoveryMu.Lock()
	delete(m.callbacks, serviceID)
	m.discoveryMu.Unlock()
	m.seen.forget(serviceID)
}

func (m *BluetoothClassic) isDiscovering(st *bluetoothState, serviceID string) bool {
	m.discoveryMu.Lock()
	defer m.discoveryMu.Unlock()
	_, ok := m.callbacks[serviceID]
	return st.scanning && ok
}

func (m *BluetoothClassic) IsDiscovering(serviceID string) bool {
	st, unlock := m.state.lock()
	defer unlock()
	return m.isDiscovering(st, serviceID)
}

// StopDiscovery drops serviceID's callback and stops the platform scan once
// no callbacks remain.
func (m *BluetoothClassic) StopDiscovery(serviceID string) bool {
	st, unlock := m.state.lock()
	defer unlock()

	if !m.isDiscovering(st, serviceID) {
		logger.Info(btPrefix, "can't stop discovery for %s because it never started", serviceID)
		return false
	}
	m.removeDiscoveryCallback(serviceID)
	if !m.hasDiscoveryCallbacks() {
		if err := m.medium.StopDiscovery(); err != nil {
			logger.Info(btPrefix, "failed to stop discovery: %v", err)
			return false
		}
		st.scanning = false
	}
	return true
}

func (m *BluetoothClassic) stopAllDiscovery(st *bluetoothState) {
	if st.scanning {
		if err := m.medium.StopDiscovery(); err != nil {
			logger.Info(btPrefix, "failed to stop discovery: %v", err)
		}
	}
	for id := range m.snapshotCallbacks() {
		m.removeDiscoveryCallback(id)
	}
	st.scanning = false
}

// StartAcceptingConnections opens an RFCOMM service record named serviceID
// under its name-based UUID and runs the accept loop on the pool.
func (m *BluetoothClassic) StartAcceptingConnections(serviceID string, cb BluetoothAcceptedCallback) bool {
	st, unlock := m.state.lock()
	defer unlock()

	if serviceID == "" {
		logger.Info(btPrefix, "refusing to start accepting connections, service_id is empty")
		return false
	}
	if !m.radio.IsEnabled() {
		logger.Info(btPrefix, "can't create server socket for %s, BT is disabled", serviceID)
		return false
	}
	if !m.isAvailable() {
		logger.Info(btPrefix, "can't start accepting connections for %s, BT not available", serviceID)
		return false
	}
	if st.isAccepting(serviceID) {
		logger.Info(btPrefix, "refusing to start accepting connections for %s, server already running with the same name", serviceID)
		return false
	}

	server, err := m.medium.ListenForService(serviceID, GenerateUUIDFromString(serviceID))
	if err != nil {
		logger.Info(btPrefix, "failed to start accepting connections for %s: %v", serviceID, err)
		return false
	}
	st.servers[serviceID] = server

	if m.opts.Multiplex {
		m.opts.Listeners.Listen(serviceID, platform.Bluetooth, func(sid string, vs *multiplex.VirtualSocket) {
			if cb != nil {
				cb(sid, btVirtualSocket{Socket: vs})
			}
		})
	}

	acceptLoop[platform.BluetoothSocket]{
		prefix:    btPrefix,
		name:      "bt-accept",
		medium:    platform.Bluetooth,
		serviceID: serviceID,
		accept:    server.Accept,
		close:     server.Close,
		metrics:   m.opts.Metrics,
		onAccepted: func(socket platform.BluetoothSocket) {
			socket = m.maybeWrapIncoming(serviceID, socket)
			if cb != nil {
				cb(serviceID, socket)
			}
		},
	}.run(m.pool)
	return true
}

func (m *BluetoothClassic) maybeWrapIncoming(serviceID string, socket platform.BluetoothSocket) platform.BluetoothSocket {
	if !m.opts.Multiplex {
		return socket
	}
	st, unlock := m.state.lock()
	defer unlock()
	device := socket.RemoteDevice()
	vs := wrapIncoming(st.multiplexed, m.opts, platform.Bluetooth, serviceID, device.MacAddress, socket)
	if vs == nil {
		return socket
	}
	logger.Info(btPrefix, "multiplex virtual socket created for %s", device.Name)
	return btVirtualSocket{Socket: vs, device: device}
}

func (m *BluetoothClassic) IsAcceptingConnections(serviceID string) bool {
	st, unlock := m.state.lock()
	defer unlock()
	return st.isAccepting(serviceID)
}

func (m *BluetoothClassic) StopAcceptingConnections(serviceID string) bool {
	st, unlock := m.state.lock()
	defer unlock()
	return m.stopAccepting(st, serviceID)
}

func (m *BluetoothClassic) stopAccepting(st *bluetoothState, serviceID string) bool {
	if serviceID == "" {
		logger.Info(btPrefix, "unable to stop accepting connections, service_id is empty")
		return false
	}
	server, ok := st.servers[serviceID]
	if !ok {
		logger.Info(btPrefix, "can't stop accepting connections for %s, it was never started", serviceID)
		return false
	}
	if m.opts.Multiplex {
		m.opts.Listeners.StopListening(serviceID, platform.Bluetooth)
	}
	delete(st.servers, serviceID)
	if err := server.Close(); err != nil {
		logger.Info(btPrefix, "failed to close server socket for %s: %v", serviceID, err)
		return false
	}
	return true
}

// Connect opens an RFCOMM socket to device, trying up to three times. The
// cancellation flag is checked before each attempt. Returns nil on failure.
func (m *BluetoothClassic) Connect(device platform.BluetoothDevice, serviceID string, cancel *platform.CancellationFlag) platform.BluetoothSocket {
	if s := m.connectMultiplexed(device, serviceID, cancel); s != nil {
		return s
	}
	for attempt := 1; attempt <= connectAttemptsLimit; attempt++ {
		if cancel.Cancelled() {
			logger.Warn(btPrefix, "attempt #%d: cannot start creating client socket due to cancel", attempt)
			return nil
		}
		socket := m.attemptToConnect(device, serviceID, cancel)
		logger.Info(btPrefix, "attempt #%d to connect: %v", attempt, socket != nil)
		if socket != nil {
			return socket
		}
	}
	logger.Warn(btPrefix, "giving up after %d attempts", connectAttemptsLimit)
	return nil
}

func (m *BluetoothClassic) connectMultiplexed(device platform.BluetoothDevice, serviceID string, cancel *platform.CancellationFlag) platform.BluetoothSocket {
	if !m.opts.Multiplex {
		return nil
	}
	st, unlock := m.state.lock()
	defer unlock()
	ms := st.multiplexed.reusable(btPrefix, device.MacAddress)
	if ms == nil {
		return nil
	}
	ctx, stop := cancel.Context(context.Background())
	defer stop()
	vs, err := ms.EstablishVirtualSocket(ctx, serviceID)
	if err != nil {
		logger.Info(btPrefix, "multiplex connect for %s to %s failed: %v", serviceID, device.Name, err)
		return nil
	}
	return btVirtualSocket{Socket: vs, device: device}
}

func (m *BluetoothClassic) attemptToConnect(device platform.BluetoothDevice, serviceID string, cancel *platform.CancellationFlag) platform.BluetoothSocket {
	st, unlock := m.state.lock()
	defer unlock()
	logger.Info(btPrefix, "connect service_id=%s device=%s", serviceID, device.MacAddress)

	if serviceID == "" {
		logger.Warn(btPrefix, "refusing to create client socket, service_id is empty")
		return nil
	}
	if !m.radio.IsEnabled() {
		logger.Warn(btPrefix, "can't create client socket for %s, BT isn't enabled", serviceID)
		return nil
	}
	if !m.isAvailable() {
		logger.Warn(btPrefix, "can't create client socket for %s, BT isn't available", serviceID)
		return nil
	}
	if !device.IsValid() {
		logger.Warn(btPrefix, "bluetooth device is not valid")
		return nil
	}

	socket, err := m.medium.ConnectToService(device, GenerateUUIDFromString(serviceID), cancel)
	if err != nil || cancel.Cancelled() {
		if socket != nil {
			socket.Close()
		}
		logger.Info(btPrefix, "failed to connect service_id=%s: %v", serviceID, err)
		m.opts.Metrics.ConnectAttempt(platform.Bluetooth.String(), false)
		return nil
	}
	m.opts.Metrics.ConnectAttempt(platform.Bluetooth.String(), true)

	if m.opts.Multiplex {
		if vs := wrapOutgoing(st.multiplexed, m.opts, platform.Bluetooth, serviceID, device.MacAddress, socket); vs != nil {
			logger.Info(btPrefix, "multiplex socket created for %s", device.Name)
			return btVirtualSocket{Socket: vs, device: device}
		}
	}
	return socket
}

// GetRemoteDevice looks up a device by MAC address.
func (m *BluetoothClassic) GetRemoteDevice(mac string) (platform.BluetoothDevice, bool) {
	_, unlock := m.state.lock()
	defer unlock()
	if !m.isAvailable() {
		return platform.BluetoothDevice{}, false
	}
	return m.medium.GetRemoteDevice(mac)
}

// GetMacAddress is the local adapter's address, or "" when unavailable.
func (m *BluetoothClassic) GetMacAddress() string {
	_, unlock := m.state.lock()
	defer unlock()
	if !m.isAvailable() {
		return ""
	}
	return m.adapter.MacAddress()
}

// Close stops discovery and every accept loop, restores discoverability and
// shuts multiplex sockets before draining the pool.
func (m *BluetoothClassic) Close() {
	st, unlock := m.state.lock()
	m.stopAllDiscovery(st)
	for id := range st.servers {
		m.stopAccepting(st, id)
	}
	if m.isDiscoverable(st) {
		m.turnOffDiscoverability(st)
	}
	if m.opts.Multiplex {
		st.multiplexed.shutdownAll(btPrefix)
	}
	unlock()

	m.pool.Shutdown()
}
