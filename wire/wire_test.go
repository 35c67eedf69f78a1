package wire

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/user/nearby-connections/channel"
	"github.com/user/nearby-connections/mediums"
	"github.com/user/nearby-connections/platform"
)

const testTimeout = 3 * time.Second

func newTestAir(t *testing.T) *Air {
	t.Helper()
	air := NewAir(AirOptions{SocketDir: t.TempDir(), Sim: PerfectSimulationConfig()})
	t.Cleanup(air.Close)
	return air
}

func newTestDevice(t *testing.T, air *Air, name string) *Device {
	t.Helper()
	d := air.NewDevice(name)
	t.Cleanup(d.Close)
	return d
}

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("Timed out waiting for %s", what)
	}
	var zero T
	return zero
}

// exchange sends one frame each way over channels wrapping the two sockets.
func exchange(t *testing.T, medium platform.Medium, a, b platform.Socket) {
	t.Helper()
	left := channel.New(medium, "svc", "left", a, channel.Options{})
	right := channel.New(medium, "svc", "right", b, channel.Options{})
	defer left.Close()
	defer right.Close()

	var g errgroup.Group
	g.Go(func() error {
		if err := left.Write([]byte("ping")); err != nil {
			return err
		}
		got, err := left.Read()
		if err != nil {
			return err
		}
		if string(got) != "pong" {
			return errors.New("left got " + string(got))
		}
		return nil
	})
	g.Go(func() error {
		got, err := right.Read()
		if err != nil {
			return err
		}
		if string(got) != "ping" {
			return errors.New("right got " + string(got))
		}
		return right.Write([]byte("pong"))
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("Failed to exchange frames: %v", err)
	}
}

func TestWifiLanDiscoverAndConnect(t *testing.T) {
	air := newTestAir(t)
	server := mediums.NewWifiLan(newTestDevice(t, air, "server").WifiLan(), mediums.Options{})
	client := mediums.NewWifiLan(newTestDevice(t, air, "client").WifiLan(), mediums.Options{})
	defer server.Close()
	defer client.Close()

	accepted := make(chan platform.Socket, 1)
	if !server.StartAcceptingConnections("svc", func(_ string, s platform.Socket) { accepted <- s }) {
		t.Fatal("Failed to start accepting connections")
	}
	if !server.StartAdvertising("svc", platform.NsdServiceInfo{ServiceName: "EP01"}) {
		t.Fatal("Failed to start advertising")
	}

	found := make(chan platform.NsdServiceInfo, 4)
	lost := make(chan platform.NsdServiceInfo, 4)
	ok := client.StartDiscovery("svc", platform.DiscoveredServiceCallback{
		ServiceDiscovered: func(info platform.NsdServiceInfo, _ string) { found <- info },
		ServiceLost:       func(info platform.NsdServiceInfo, _ string) { lost <- info },
	})
	if !ok {
		t.Fatal("Failed to start discovery")
	}

	info := receive(t, found, "service found")
	if info.ServiceName != "EP01" {
		t.Errorf("Expected EP01, got %s", info.ServiceName)
	}
	ip, port := server.GetCredentials("svc")
	if info.IPAddress != ip || info.Port != port {
		t.Errorf("Expected %s:%d, got %s:%d", ip, port, info.IPAddress, info.Port)
	}

	out := client.Connect("svc", info, nil)
	if out == nil {
		t.Fatal("Failed to connect")
	}
	in := receive(t, accepted, "accepted socket")
	exchange(t, platform.WifiLan, out, in)

	server.StopAdvertising("svc")
	if got := receive(t, lost, "service lost"); got.ServiceName != "EP01" {
		t.Errorf("Expected EP01 lost, got %s", got.ServiceName)
	}
}

func TestWifiLanConnectCancelled(t *testing.T) {
	cfg := PerfectSimulationConfig()
	cfg.MinConnectionDelay = time.Second
	cfg.MaxConnectionDelay = time.Second
	air := NewAir(AirOptions{SocketDir: t.TempDir(), Sim: cfg})
	defer air.Close()
	d := air.NewDevice("dialer")
	defer d.Close()

	cancel := platform.NewCancellationFlag()
	time.AfterFunc(50*time.Millisecond, cancel.Cancel)

	start := time.Now()
	_, err := d.WifiLan().ConnectToService(loopback, 1, cancel)
	if !errors.Is(err, platform.ErrCancelled) {
		t.Errorf("Expected ErrCancelled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Expected cancel to cut the connection delay short, took %v", elapsed)
	}
}

func TestBluetoothDiscoverAndConnect(t *testing.T) {
	air := newTestAir(t)
	serverDev := newTestDevice(t, air, "server")
	clientDev := newTestDevice(t, air, "client")
	server := mediums.NewBluetoothClassic(serverDev.Radio(), serverDev.BluetoothClassic(), mediums.Options{})
	client := mediums.NewBluetoothClassic(clientDev.Radio(), clientDev.BluetoothClassic(), mediums.Options{})
	defer server.Close()
	defer client.Close()

	accepted := make(chan platform.BluetoothSocket, 1)
	if !server.StartAcceptingConnections("svc", func(_ string, s platform.BluetoothSocket) { accepted <- s }) {
		t.Fatal("Failed to start accepting connections")
	}

	found := make(chan platform.BluetoothDevice, 4)
	lost := make(chan platform.BluetoothDevice, 4)
	ok := client.StartDiscovery("svc", platform.BluetoothDiscoveryCallback{
		DeviceDiscovered: func(d platform.BluetoothDevice) { found <- d },
		DeviceLost:       func(d platform.BluetoothDevice) { lost <- d },
	})
	if !ok {
		t.Fatal("Failed to start discovery")
	}

	select {
	case d := <-found:
		t.Fatalf("Expected no devices before discoverability, got %v", d)
	case <-time.After(100 * time.Millisecond):
	}

	if !server.TurnOnDiscoverability("EP02") {
		t.Fatal("Failed to turn on discoverability")
	}
	device := receive(t, found, "device found")
	if device.Name != "EP02" || device.MacAddress != serverDev.MacAddress() {
		t.Errorf("Expected EP02 at %s, got %+v", serverDev.MacAddress(), device)
	}

	out := client.Connect(device, "svc", nil)
	if out == nil {
		t.Fatal("Failed to connect")
	}
	in := receive(t, accepted, "accepted socket")
	if in.RemoteDevice().MacAddress != clientDev.MacAddress() {
		t.Errorf("Expected remote %s, got %s", clientDev.MacAddress(), in.RemoteDevice().MacAddress)
	}
	exchange(t, platform.Bluetooth, out, in)

	server.TurnOffDiscoverability()
	if got := receive(t, lost, "device lost"); got.MacAddress != serverDev.MacAddress() {
		t.Errorf("Expected %s lost, got %s", serverDev.MacAddress(), got.MacAddress)
	}
	if serverDev.BluetoothAdapter().Name() != "server" {
		t.Errorf("Expected adapter name to be restored, got %s", serverDev.BluetoothAdapter().Name())
	}
}

func TestBluetoothConnectNeedsService(t *testing.T) {
	air := newTestAir(t)
	a := newTestDevice(t, air, "a")
	b := newTestDevice(t, air, "b")

	remote, ok := a.BluetoothClassic().GetRemoteDevice(b.MacAddress())
	if !ok || remote.Name != "b" {
		t.Fatalf("Expected to look up b, got %+v", remote)
	}
	_, err := a.BluetoothClassic().ConnectToService(remote, uuid.New(), nil)
	if !errors.Is(err, platform.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	b.BluetoothAdapter().SetStatus(false)
	if _, err := b.BluetoothClassic().ListenForService("svc", uuid.New()); !errors.Is(err, platform.ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable with adapter off, got %v", err)
	}
}

type bleSighting struct {
	peripheral platform.BlePeripheral
	data       []byte
	fast       bool
}

func TestBleAdvertiseScanConnect(t *testing.T) {
	air := newTestAir(t)
	serverDev := newTestDevice(t, air, "server")
	clientDev := newTestDevice(t, air, "client")
	server := mediums.NewBle(serverDev.Radio(), serverDev.Ble(), mediums.Options{})
	client := mediums.NewBle(clientDev.Radio(), clientDev.Ble(), mediums.Options{})
	defer server.Close()
	defer client.Close()

	accepted := make(chan platform.BleSocket, 1)
	if !server.StartAcceptingConnections("svc", func(_ string, s platform.BleSocket) { accepted <- s }) {
		t.Fatal("Failed to start accepting connections")
	}
	// Long enough to need Read Blob requests.
	info := make([]byte, 300)
	for i := range info {
		info[i] = byte(i)
	}
	if !server.StartAdvertising("svc", info, uuid.Nil) {
		t.Fatal("Failed to start advertising")
	}

	found := make(chan bleSighting, 4)
	lost := make(chan platform.BlePeripheral, 4)
	ok := client.StartScanning("svc", uuid.Nil, platform.BleDiscoveredPeripheralCallback{
		PeripheralDiscovered: func(p platform.BlePeripheral, _ string, data []byte, fast bool) {
			found <- bleSighting{peripheral: p, data: data, fast: fast}
		},
		PeripheralLost: func(p platform.BlePeripheral, _ string) { lost <- p },
	})
	if !ok {
		t.Fatal("Failed to start scanning")
	}

	s := receive(t, found, "peripheral found")
	if s.fast {
		t.Error("Expected a regular advertisement")
	}
	if string(s.data) != string(info) {
		t.Errorf("Expected %d advertised bytes back, got %d", len(info), len(s.data))
	}
	if s.peripheral.ID != serverDev.MacAddress() {
		t.Errorf("Expected peripheral %s, got %s", serverDev.MacAddress(), s.peripheral.ID)
	}

	out := client.Connect("svc", s.peripheral, nil)
	if out == nil {
		t.Fatal("Failed to connect")
	}
	in := receive(t, accepted, "accepted socket")
	if in.RemotePeripheral().ID != clientDev.MacAddress() {
		t.Errorf("Expected remote %s, got %s", clientDev.MacAddress(), in.RemotePeripheral().ID)
	}
	exchange(t, platform.Ble, out, in)

	select {
	case <-found:
		t.Error("Expected a steady advertisement to be reported once")
	case <-time.After(300 * time.Millisecond):
	}

	server.StopAdvertising("svc")
	if p := receive(t, lost, "peripheral lost"); p.ID != serverDev.MacAddress() {
		t.Errorf("Expected %s lost, got %s", serverDev.MacAddress(), p.ID)
	}
}

func TestBleFastAdvertisement(t *testing.T) {
	air := newTestAir(t)
	serverDev := newTestDevice(t, air, "server")
	clientDev := newTestDevice(t, air, "client")
	server := mediums.NewBle(serverDev.Radio(), serverDev.Ble(), mediums.Options{})
	client := mediums.NewBle(clientDev.Radio(), clientDev.Ble(), mediums.Options{})
	defer server.Close()
	defer client.Close()

	fastUUID := uuid.MustParse("0000FEF4-0000-1000-8000-00805F9B34FB")
	if !server.StartAdvertising("svc", []byte("fast"), fastUUID) {
		t.Fatal("Failed to start fast advertising")
	}

	found := make(chan bleSighting, 4)
	client.StartScanning("svc", fastUUID, platform.BleDiscoveredPeripheralCallback{
		PeripheralDiscovered: func(p platform.BlePeripheral, _ string, data []byte, fast bool) {
			found <- bleSighting{peripheral: p, data: data, fast: fast}
		},
	})

	s := receive(t, found, "fast peripheral")
	if !s.fast || string(s.data) != "fast" {
		t.Errorf("Expected fast advertisement \"fast\", got fast=%v %q", s.fast, s.data)
	}
}

func TestBleAdvertisementMustFitOnAir(t *testing.T) {
	air := newTestAir(t)
	d := newTestDevice(t, air, "big")

	// A fast advertisement rides inline, so it is capped by the AD
	// structure length.
	err := d.Ble().StartAdvertising("svc", make([]byte, 300), uuid.New())
	if err == nil {
		t.Fatal("Expected an oversized inline advertisement to be rejected")
	}
	if err := d.Ble().StopAdvertising("svc"); !errors.Is(err, platform.ErrNotFound) {
		t.Errorf("Expected rejected advertisement not to be kept, got %v", err)
	}
}

func TestHotspotConnect(t *testing.T) {
	air := newTestAir(t)
	host := mediums.NewWifiHotspot(newTestDevice(t, air, "host").WifiHotspot(), mediums.Options{})
	guestDev := newTestDevice(t, air, "guest")
	guest := mediums.NewWifiHotspot(guestDev.WifiHotspot(), mediums.Options{})
	defer host.Close()
	defer guest.Close()

	if !host.StartWifiHotspot() {
		t.Fatal("Failed to start hotspot")
	}
	accepted := make(chan platform.Socket, 1)
	if !host.StartAcceptingConnections("svc", func(_ string, s platform.Socket) { accepted <- s }) {
		t.Fatal("Failed to start accepting connections")
	}
	creds := host.GetCredentials("svc")
	if creds.SSID == "" || creds.Port == 0 {
		t.Fatalf("Expected SSID and port, got %+v", creds)
	}

	if guest.Connect("svc", creds.IPAddress, creds.Port, nil) != nil {
		t.Error("Expected connect to fail before joining the hotspot")
	}

	wrong := creds
	wrong.Password = "nope"
	if guest.ConnectWifiHotspot(wrong) {
		t.Error("Expected wrong password to be refused")
	}
	if !guest.ConnectWifiHotspot(creds) {
		t.Fatal("Failed to join hotspot")
	}

	out := guest.Connect("svc", creds.IPAddress, creds.Port, nil)
	if out == nil {
		t.Fatal("Failed to connect")
	}
	in := receive(t, accepted, "accepted socket")
	exchange(t, platform.WifiHotspot, out, in)
}

func TestSnapshot(t *testing.T) {
	air := newTestAir(t)
	a := newTestDevice(t, air, "alpha")
	newTestDevice(t, air, "beta")

	if err := a.WifiLan().StartAdvertising(platform.NsdServiceInfo{ServiceName: "EP03", ServiceType: "_svc._tcp", Port: 4242}); err != nil {
		t.Fatalf("Failed to advertise: %v", err)
	}
	if err := a.Ble().StartAdvertising("svc", []byte("adv"), uuid.Nil); err != nil {
		t.Fatalf("Failed to advertise over BLE: %v", err)
	}

	path, err := air.Snapshot(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to write snapshot: %v", err)
	}
	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}

	if len(snap.Devices) != 2 {
		t.Fatalf("Expected 2 devices, got %d", len(snap.Devices))
	}
	if snap.Devices[0].Name != "alpha" || len(snap.Devices[0].BleServices) != 1 {
		t.Errorf("Expected alpha advertising one BLE service, got %+v", snap.Devices[0])
	}
	if len(snap.Services) != 1 || snap.Services[0].ServiceName != "EP03" || snap.Services[0].Owner != "alpha" {
		t.Errorf("Expected EP03 owned by alpha, got %+v", snap.Services)
	}
}
