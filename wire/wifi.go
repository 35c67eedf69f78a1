package wire

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/platform"
	"github.com/user/nearby-connections/util"
)

// WifiLanMedium implements platform.WifiLanMedium. Advertisements go into
// the air's service registry; discovery diffs that registry per service
// type and reports what appeared and vanished.
type WifiLanMedium struct {
	device *Device

	mu          sync.Mutex
	portRange   platform.PortRange
	advertised  map[lanKey]struct{}
	discovering map[string]*watcher
}

func newWifiLanMedium(d *Device) *WifiLanMedium {
	return &WifiLanMedium{
		device:      d,
		advertised:  make(map[lanKey]struct{}),
		discovering: make(map[string]*watcher),
	}
}

func (m *WifiLanMedium) IsValid() bool { return true }

// SetDynamicPortRange makes GetDynamicPortRange report r.
func (m *WifiLanMedium) SetDynamicPortRange(r platform.PortRange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portRange = r
}

func (m *WifiLanMedium) GetDynamicPortRange() (platform.PortRange, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.portRange, m.portRange.IsValid()
}

func (m *WifiLanMedium) StartAdvertising(info platform.NsdServiceInfo) error {
	key := lanKey{serviceType: info.ServiceType, serviceName: info.ServiceName}
	m.mu.Lock()
	if _, ok := m.advertised[key]; ok {
		m.mu.Unlock()
		return fmt.Errorf("wire: %s.%s already advertised", info.ServiceName, info.ServiceType)
	}
	m.advertised[key] = struct{}{}
	m.mu.Unlock()

	if info.IPAddress == "" {
		info.IPAddress = loopback
	}
	m.device.air.lan.Store(key, lanEntry{owner: m.device, info: info})
	m.device.air.changed(topicLan)
	logger.Debug(wirePrefix, "%s advertises %s.%s on port %d", m.device.name, info.ServiceName, info.ServiceType, info.Port)
	return nil
}

func (m *WifiLanMedium) StopAdvertising(info platform.NsdServiceInfo) error {
	key := lanKey{serviceType: info.ServiceType, serviceName: info.ServiceName}
	m.mu.Lock()
	_, ok := m.advertised[key]
	delete(m.advertised, key)
	m.mu.Unlock()
	if !ok {
		return platform.ErrNotFound
	}
	m.device.air.lan.Delete(key)
	m.device.air.changed(topicLan)
	return nil
}

// StartDiscovery reports every service of serviceType advertised by other
// devices, now and later, until StopDiscovery.
func (m *WifiLanMedium) StartDiscovery(serviceID, serviceType string, cb platform.DiscoveredServiceCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.discovering[serviceType]; ok {
		return fmt.Errorf("wire: already discovering %s", serviceType)
	}

	air := m.device.air
	delay := air.sim.DiscoveryDelay()
	seen := make(map[string]platform.NsdServiceInfo)
	m.discovering[serviceType] = air.startWatcher(topicLan, 0, func(w *watcher) {
		current := make(map[string]platform.NsdServiceInfo)
		air.lan.Range(func(k lanKey, e lanEntry) bool {
			if k.serviceType == serviceType && e.owner != m.device {
				current[k.serviceName] = e.info
			}
			return true
		})
		for name, info := range current {
			if _, ok := seen[name]; !ok && cb.ServiceDiscovered != nil {
				sleep(delay)
				if !w.active() {
					return
				}
				cb.ServiceDiscovered(info, serviceType)
			}
		}
		for name, info := range seen {
			if _, ok := current[name]; !ok && cb.ServiceLost != nil && w.active() {
				cb.ServiceLost(info, serviceType)
			}
		}
		seen = current
	})
	logger.Debug(wirePrefix, "%s discovering %s for %s", m.device.name, serviceType, serviceID)
	return nil
}

func (m *WifiLanMedium) StopDiscovery(serviceType string) error {
	m.mu.Lock()
	w, ok := m.discovering[serviceType]
	delete(m.discovering, serviceType)
	m.mu.Unlock()
	if !ok {
		return platform.ErrNotFound
	}
	w.halt()
	return nil
}

func (m *WifiLanMedium) ListenForService(port int) (platform.IPServerSocket, error) {
	return listenTCP(port)
}

func (m *WifiLanMedium) ConnectToService(ip string, port int, cancel *platform.CancellationFlag) (platform.Socket, error) {
	return m.device.air.dialTCP(ip, port, cancel)
}

func (m *WifiLanMedium) close() {
	m.mu.Lock()
	watchers := m.discovering
	m.discovering = make(map[string]*watcher)
	advertised := m.advertised
	m.advertised = make(map[lanKey]struct{})
	m.mu.Unlock()

	for _, w := range watchers {
		w.wait()
	}
	for k := range advertised {
		m.device.air.lan.Delete(k)
	}
	m.device.air.changed(topicLan)
}

// WifiHotspotMedium implements platform.WifiHotspotMedium. A started
// hotspot is registered by SSID; clients join by presenting the matching
// password.
type WifiHotspotMedium struct {
	device *Device

	mu      sync.Mutex
	ownSSID string
	joined  string
	noIface bool
}

func newWifiHotspotMedium(d *Device) *WifiHotspotMedium {
	return &WifiHotspotMedium{device: d}
}

func (m *WifiHotspotMedium) IsValid() bool { return true }

func (m *WifiHotspotMedium) IsInterfaceValid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.noIface
}

// SetInterfaceValid simulates a device without a usable Wi-Fi interface.
func (m *WifiHotspotMedium) SetInterfaceValid(valid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noIface = !valid
}

func (m *WifiHotspotMedium) StartWifiHotspot(creds *platform.HotspotCredentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ownSSID != "" {
		return fmt.Errorf("wire: hotspot %s already started", m.ownSSID)
	}

	pass := make([]byte, 8)
	if _, err := rand.Read(pass); err != nil {
		return err
	}
	creds.SSID = "DIRECT-" + util.ShortHash(m.device.mac)[:6]
	creds.Password = hex.EncodeToString(pass)
	creds.Frequency = 2437
	creds.Gateway = loopback
	creds.IPAddress = loopback

	m.ownSSID = creds.SSID
	m.device.air.hotspots.Store(creds.SSID, hotspotEntry{owner: m.device, creds: *creds})
	logger.Debug(wirePrefix, "%s started hotspot %s", m.device.name, creds.SSID)
	return nil
}

func (m *WifiHotspotMedium) StopWifiHotspot() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ownSSID == "" {
		return platform.ErrNotFound
	}
	m.device.air.hotspots.Delete(m.ownSSID)
	m.ownSSID = ""
	return nil
}

func (m *WifiHotspotMedium) ConnectWifiHotspot(creds platform.HotspotCredentials) error {
	e, ok := m.device.air.hotspots.Load(creds.SSID)
	if !ok {
		return fmt.Errorf("wire: no hotspot %q: %w", creds.SSID, platform.ErrNotFound)
	}
	if e.creds.Password != creds.Password {
		return fmt.Errorf("wire: wrong password for %s", creds.SSID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined = creds.SSID
	return nil
}

func (m *WifiHotspotMedium) DisconnectWifiHotspot() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.joined == "" {
		return platform.ErrNotFound
	}
	m.joined = ""
	return nil
}

func (m *WifiHotspotMedium) ListenForService(port int) (platform.IPServerSocket, error) {
	return listenTCP(port)
}

// ConnectToService only reaches the hotspot this device has joined, and
// fails once that hotspot goes away.
func (m *WifiHotspotMedium) ConnectToService(ip string, port int, cancel *platform.CancellationFlag) (platform.Socket, error) {
	m.mu.Lock()
	joined := m.joined
	m.mu.Unlock()
	if joined == "" {
		return nil, fmt.Errorf("wire: not joined to a hotspot: %w", platform.ErrUnavailable)
	}
	if _, ok := m.device.air.hotspots.Load(joined); !ok {
		return nil, fmt.Errorf("wire: hotspot %s is gone: %w", joined, platform.ErrUnavailable)
	}
	return m.device.air.dialTCP(ip, port, cancel)
}

func (m *WifiHotspotMedium) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ownSSID != "" {
		m.device.air.hotspots.Delete(m.ownSSID)
		m.ownSSID = ""
	}
	m.joined = ""
}
