package wire

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/platform"
)

// BluetoothClassicMedium implements platform.BluetoothClassicMedium.
// Discovery sees other devices whose adapter is enabled and discoverable.
// RFCOMM services are unix sockets named after the owner's MAC and the
// service UUID.
type BluetoothClassicMedium struct {
	device *Device

	mu        sync.Mutex
	discovery *watcher
	servers   map[uuid.UUID]*btServer
}

func newBluetoothClassicMedium(d *Device) *BluetoothClassicMedium {
	return &BluetoothClassicMedium{device: d, servers: make(map[uuid.UUID]*btServer)}
}

func (m *BluetoothClassicMedium) IsValid() bool { return true }

func (m *BluetoothClassicMedium) StartDiscovery(cb platform.BluetoothDiscoveryCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.discovery != nil {
		return fmt.Errorf("wire: %s already discovering", m.device.name)
	}
	if !m.device.adapter.IsEnabled() {
		return fmt.Errorf("wire: adapter of %s is off: %w", m.device.name, platform.ErrUnavailable)
	}

	air := m.device.air
	delay := air.sim.DiscoveryDelay()
	seen := make(map[string]platform.BluetoothDevice)
	m.discovery = air.startWatcher(topicBluetooth, 0, func(w *watcher) {
		current := make(map[string]platform.BluetoothDevice)
		air.bluetooth.Range(func(mac string, d *Device) bool {
			if d != m.device && d.adapter.discoverable() {
				current[mac] = platform.BluetoothDevice{Name: d.adapter.Name(), MacAddress: mac}
			}
			return true
		})
		for mac, dev := range current {
			old, ok := seen[mac]
			switch {
			case !ok:
				sleep(delay)
				if !w.active() {
					return
				}
				if cb.DeviceDiscovered != nil {
					cb.DeviceDiscovered(dev)
				}
			case old.Name != dev.Name && cb.DeviceNameChanged != nil && w.active():
				cb.DeviceNameChanged(dev)
			}
			seen[mac] = dev
		}
		for mac, dev := range seen {
			if _, ok := current[mac]; !ok {
				delete(seen, mac)
				if cb.DeviceLost != nil && w.active() {
					cb.DeviceLost(dev)
				}
			}
		}
	})
	return nil
}

func (m *BluetoothClassicMedium) StopDiscovery() error {
	m.mu.Lock()
	w := m.discovery
	m.discovery = nil
	m.mu.Unlock()
	if w == nil {
		return platform.ErrNotFound
	}
	w.halt()
	return nil
}

func (m *BluetoothClassicMedium) ListenForService(serviceName string, serviceUUID uuid.UUID) (platform.BluetoothServerSocket, error) {
	if !m.device.adapter.IsEnabled() {
		return nil, fmt.Errorf("wire: adapter of %s is off: %w", m.device.name, platform.ErrUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[serviceUUID]; ok {
		return nil, fmt.Errorf("wire: %s already listening on %s", m.device.name, serviceUUID)
	}

	air := m.device.air
	key := serverKey(m.device.mac, serviceUUID.String())
	path := air.socketPath("bt", key)
	s := &btServer{medium: m}
	us, err := listenUnix(path, func() {
		air.btServers.Delete(key)
		m.mu.Lock()
		if m.servers[serviceUUID] == s {
			delete(m.servers, serviceUUID)
		}
		m.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	s.unixServer = us
	m.servers[serviceUUID] = s
	air.btServers.Store(key, path)
	logger.Debug(wirePrefix, "%s listening for %s (%s)", m.device.name, serviceName, serviceUUID)
	return s, nil
}

// ConnectToService dials the RFCOMM service serviceUUID on device. Both
// adapters must be on.
func (m *BluetoothClassicMedium) ConnectToService(device platform.BluetoothDevice, serviceUUID uuid.UUID, cancel *platform.CancellationFlag) (platform.BluetoothSocket, error) {
	if !m.device.adapter.IsEnabled() {
		return nil, fmt.Errorf("wire: adapter of %s is off: %w", m.device.name, platform.ErrUnavailable)
	}
	remote, ok := m.device.air.bluetooth.Load(device.MacAddress)
	if !ok || !remote.adapter.IsEnabled() {
		return nil, fmt.Errorf("wire: no bluetooth device %s: %w", device.MacAddress, platform.ErrNotFound)
	}
	path, ok := m.device.air.btServers.Load(serverKey(device.MacAddress, serviceUUID.String()))
	if !ok {
		return nil, fmt.Errorf("wire: %s has no service %s: %w", device.MacAddress, serviceUUID, platform.ErrNotFound)
	}
	conn, err := m.device.air.dialUnix(path, m.device.mac, cancel)
	if err != nil {
		return nil, err
	}
	return &btSocket{
		Conn:   conn,
		remote: platform.BluetoothDevice{Name: remote.adapter.Name(), MacAddress: remote.mac},
	}, nil
}

func (m *BluetoothClassicMedium) GetRemoteDevice(macAddress string) (platform.BluetoothDevice, bool) {
	d, ok := m.device.air.bluetooth.Load(macAddress)
	if !ok {
		return platform.BluetoothDevice{}, false
	}
	return platform.BluetoothDevice{Name: d.adapter.Name(), MacAddress: d.mac}, true
}

func (m *BluetoothClassicMedium) close() {
	m.mu.Lock()
	w := m.discovery
	m.discovery = nil
	servers := make([]*btServer, 0, len(m.servers))
	for _, s := range m.servers {
		servers = append(servers, s)
	}
	m.mu.Unlock()

	w.wait()
	for _, s := range servers {
		s.Close()
	}
}

type btServer struct {
	*unixServer
	medium *BluetoothClassicMedium
}

func (s *btServer) Accept() (platform.BluetoothSocket, error) {
	conn, peer, err := s.accept()
	if err != nil {
		return nil, err
	}
	remote, _ := s.medium.GetRemoteDevice(peer)
	if remote.MacAddress == "" {
		remote.MacAddress = peer
	}
	return &btSocket{Conn: conn, remote: remote}, nil
}

type btSocket struct {
	net.Conn
	remote platform.BluetoothDevice
}

func (s *btSocket) RemoteDevice() platform.BluetoothDevice { return s.remote }
