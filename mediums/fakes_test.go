package mediums

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/user/nearby-connections/platform"
)

var errFake = errors.New("fake platform failure")

// nopSocket is a connected socket that never carries data.
type nopSocket struct {
	closed chan struct{}
	once   sync.Once
}

func newNopSocket() *nopSocket { return &nopSocket{closed: make(chan struct{})} }

func (s *nopSocket) Read(p []byte) (int, error) {
	<-s.closed
	return 0, io.EOF
}

func (s *nopSocket) Write(p []byte) (int, error) { return len(p), nil }

func (s *nopSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type nopBluetoothSocket struct {
	*nopSocket
	device platform.BluetoothDevice
}

func (s nopBluetoothSocket) RemoteDevice() platform.BluetoothDevice { return s.device }

type nopBleSocket struct {
	*nopSocket
	peripheral platform.BlePeripheral
}

func (s nopBleSocket) RemotePeripheral() platform.BlePeripheral { return s.peripheral }

// fakeServer hands out whatever is pushed on conns until closed.
type fakeServer[S any] struct {
	ip     string
	port   int
	conns  chan S
	closed chan struct{}
	once   sync.Once
}

func newFakeServer[S any](port int) *fakeServer[S] {
	return &fakeServer[S]{
		ip:     "192.168.1.10",
		port:   port,
		conns:  make(chan S, 4),
		closed: make(chan struct{}),
	}
}

func (s *fakeServer[S]) Accept() (S, error) {
	var zero S
	select {
	case c := <-s.conns:
		return c, nil
	case <-s.closed:
		return zero, platform.ErrServerClosed
	}
}

func (s *fakeServer[S]) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeServer[S]) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeServer[S]) IPAddress() string { return s.ip }
func (s *fakeServer[S]) Port() int         { return s.port }

type fakeWifiLan struct {
	mu          sync.Mutex
	valid       bool
	portRange   platform.PortRange
	hasRange    bool
	advertised  map[string]platform.NsdServiceInfo
	discovery   map[string]platform.DiscoveredServiceCallback
	servers     []*fakeServer[platform.Socket]
	connects    int
	advertiseFn func(platform.NsdServiceInfo) error
}

func newFakeWifiLan() *fakeWifiLan {
	return &fakeWifiLan{
		valid:      true,
		advertised: make(map[string]platform.NsdServiceInfo),
		discovery:  make(map[string]platform.DiscoveredServiceCallback),
	}
}

func (f *fakeWifiLan) IsValid() bool { return f.valid }

func (f *fakeWifiLan) StartAdvertising(info platform.NsdServiceInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.advertiseFn != nil {
		if err := f.advertiseFn(info); err != nil {
			return err
		}
	}
	f.advertised[info.ServiceType] = info
	return nil
}

func (f *fakeWifiLan) StopAdvertising(info platform.NsdServiceInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.advertised, info.ServiceType)
	return nil
}

func (f *fakeWifiLan) StartDiscovery(serviceID, serviceType string, cb platform.DiscoveredServiceCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovery[serviceType] = cb
	return nil
}

func (f *fakeWifiLan) StopDiscovery(serviceType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.discovery, serviceType)
	return nil
}

func (f *fakeWifiLan) ListenForService(port int) (platform.IPServerSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if port == 0 {
		port = 50000 + len(f.servers)
	}
	s := newFakeServer[platform.Socket](port)
	f.servers = append(f.servers, s)
	return s, nil
}

func (f *fakeWifiLan) ConnectToService(ip string, port int, cancel *platform.CancellationFlag) (platform.Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return newNopSocket(), nil
}

func (f *fakeWifiLan) GetDynamicPortRange() (platform.PortRange, bool) {
	return f.portRange, f.hasRange
}

func (f *fakeWifiLan) discoveryCallback(serviceType string) platform.DiscoveredServiceCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discovery[serviceType]
}

func (f *fakeWifiLan) server(i int) *fakeServer[platform.Socket] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.servers[i]
}

func (f *fakeWifiLan) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type fakeHotspot struct {
	mu           sync.Mutex
	valid        bool
	iface        bool
	started      bool
	connected    bool
	servers      []*fakeServer[platform.Socket]
	connects     int
	connectError error
}

func newFakeHotspot() *fakeHotspot { return &fakeHotspot{valid: true, iface: true} }

func (f *fakeHotspot) IsValid() bool          { return f.valid }
func (f *fakeHotspot) IsInterfaceValid() bool { return f.iface }

func (f *fakeHotspot) StartWifiHotspot(creds *platform.HotspotCredentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	creds.SSID = "DIRECT-nearby"
	creds.Password = "secret12"
	creds.Gateway = "192.168.49.1"
	f.started = true
	return nil
}

func (f *fakeHotspot) StopWifiHotspot() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return nil
}

func (f *fakeHotspot) ConnectWifiHotspot(creds platform.HotspotCredentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectError != nil {
		return f.connectError
	}
	f.connected = true
	return nil
}

func (f *fakeHotspot) DisconnectWifiHotspot() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeHotspot) ListenForService(port int) (platform.IPServerSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := newFakeServer[platform.Socket](41000 + len(f.servers))
	s.ip = "192.168.49.1"
	f.servers = append(f.servers, s)
	return s, nil
}

func (f *fakeHotspot) ConnectToService(ip string, port int, cancel *platform.CancellationFlag) (platform.Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return newNopSocket(), nil
}

type fakeAdapter struct {
	mu         sync.Mutex
	valid      bool
	enabled    bool
	name       string
	mode       platform.ScanMode
	mac        string
	failModeTo platform.ScanMode
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		valid:   true,
		enabled: true,
		name:    "laptop",
		mode:    platform.ScanModeConnectable,
		mac:     "00:11:22:33:44:55",
	}
}

func (a *fakeAdapter) IsValid() bool { return a.valid }

func (a *fakeAdapter) IsEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *fakeAdapter) SetStatus(enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = enabled
	return nil
}

func (a *fakeAdapter) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name
}

func (a *fakeAdapter) SetName(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.name = name
	return nil
}

func (a *fakeAdapter) ScanMode() platform.ScanMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *fakeAdapter) SetScanMode(mode platform.ScanMode) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failModeTo != platform.ScanModeUnknown && mode == a.failModeTo {
		return errFake
	}
	a.mode = mode
	return nil
}

func (a *fakeAdapter) MacAddress() string { return a.mac }

type fakeBluetooth struct {
	mu           sync.Mutex
	valid        bool
	discovery    *platform.BluetoothDiscoveryCallback
	startScans   int
	stopScans    int
	servers      map[uuid.UUID]*fakeServer[platform.BluetoothSocket]
	connects     int
	failConnects int
	devices      map[string]platform.BluetoothDevice
}

func newFakeBluetooth() *fakeBluetooth {
	return &fakeBluetooth{
		valid:   true,
		servers: make(map[uuid.UUID]*fakeServer[platform.BluetoothSocket]),
		devices: make(map[string]platform.BluetoothDevice),
	}
}

func (f *fakeBluetooth) IsValid() bool { return f.valid }

func (f *fakeBluetooth) StartDiscovery(cb platform.BluetoothDiscoveryCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovery = &cb
	f.startScans++
	return nil
}

func (f *fakeBluetooth) StopDiscovery() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovery = nil
	f.stopScans++
	return nil
}

func (f *fakeBluetooth) ListenForService(name string, serviceUUID uuid.UUID) (platform.BluetoothServerSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := newFakeServer[platform.BluetoothSocket](0)
	f.servers[serviceUUID] = s
	return s, nil
}

func (f *fakeBluetooth) ConnectToService(device platform.BluetoothDevice, serviceUUID uuid.UUID, cancel *platform.CancellationFlag) (platform.BluetoothSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connects <= f.failConnects {
		return nil, errFake
	}
	return nopBluetoothSocket{nopSocket: newNopSocket(), device: device}, nil
}

func (f *fakeBluetooth) GetRemoteDevice(mac string) (platform.BluetoothDevice, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[mac]
	return d, ok
}

func (f *fakeBluetooth) scanCallback() platform.BluetoothDiscoveryCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discovery == nil {
		return platform.BluetoothDiscoveryCallback{}
	}
	return *f.discovery
}

func (f *fakeBluetooth) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type fakeBle struct {
	mu         sync.Mutex
	valid      bool
	advertised map[string][]byte
	fastUUIDs  map[string]uuid.UUID
	scans      map[string]platform.BleDiscoveredPeripheralCallback
	accepting  map[string]platform.BleAcceptedConnectionCallback
	connects   int
}

func newFakeBle() *fakeBle {
	return &fakeBle{
		valid:      true,
		advertised: make(map[string][]byte),
		fastUUIDs:  make(map[string]uuid.UUID),
		scans:      make(map[string]platform.BleDiscoveredPeripheralCallback),
		accepting:  make(map[string]platform.BleAcceptedConnectionCallback),
	}
}

func (f *fakeBle) IsValid() bool { return f.valid }

func (f *fakeBle) StartAdvertising(serviceID string, adv []byte, fastUUID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertised[serviceID] = adv
	f.fastUUIDs[serviceID] = fastUUID
	return nil
}

func (f *fakeBle) StopAdvertising(serviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.advertised, serviceID)
	return nil
}

func (f *fakeBle) StartScanning(serviceID string, fastUUID uuid.UUID, cb platform.BleDiscoveredPeripheralCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans[serviceID] = cb
	return nil
}

func (f *fakeBle) StopScanning(serviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scans, serviceID)
	return nil
}

func (f *fakeBle) StartAcceptingConnections(serviceID string, cb platform.BleAcceptedConnectionCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepting[serviceID] = cb
	return nil
}

func (f *fakeBle) StopAcceptingConnections(serviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.accepting, serviceID)
	return nil
}

func (f *fakeBle) Connect(peripheral platform.BlePeripheral, serviceID string, cancel *platform.CancellationFlag) (platform.BleSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nopBleSocket{nopSocket: newNopSocket(), peripheral: peripheral}, nil
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// closesWithin runs fn and fails the test if it has not returned in time.
func closesWithin(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("Expected Close to return within %v", d)
	}
}
