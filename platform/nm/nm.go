// Package nm is the host WifiHotspot backend on NetworkManager. The
// hotspot is an AP-mode connection with a shared IPv4 network; clients join
// it as an ordinary infrastructure connection.
package nm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Wifx/gonetworkmanager"

	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/platform"
	"github.com/user/nearby-connections/platform/lan"
)

const (
	nmPrefix = "hotspot"

	ssidPrefix        = "DIRECT-"
	connectionID      = "nearby-hotspot"
	clientID          = "nearby-hotspot-client"
	activationTimeout = 30 * time.Second
	activationPoll    = 250 * time.Millisecond
)

type Options struct {
	// Interface selects the Wi-Fi device. Empty picks the first one.
	Interface string
}

// Medium implements platform.WifiHotspotMedium.
type Medium struct {
	nm   gonetworkmanager.NetworkManager
	opts Options

	mu      sync.Mutex
	hotspot gonetworkmanager.ActiveConnection
	joined  gonetworkmanager.ActiveConnection
	// address is the hotspot's own IPv4 while hosting, the gateway while
	// joined.
	address string
}

func New(opts Options) (*Medium, error) {
	nm, err := gonetworkmanager.NewNetworkManager()
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("Cannot reach NetworkManager"))
	}
	return &Medium{nm: nm, opts: opts}, nil
}

func (m *Medium) IsValid() bool {
	on, err := m.nm.GetPropertyWirelessEnabled()
	return err == nil && on
}

func (m *Medium) IsInterfaceValid() bool {
	_, err := m.wifiDevice()
	return err == nil
}

func (m *Medium) wifiDevice() (gonetworkmanager.Device, error) {
	devices, err := m.nm.GetDevices()
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("Cannot list network devices"))
	}
	for _, d := range devices {
		t, err := d.GetPropertyDeviceType()
		if err != nil || t != gonetworkmanager.NmDeviceTypeWifi {
			continue
		}
		if m.opts.Interface != "" {
			iface, err := d.GetPropertyInterface()
			if err != nil || iface != m.opts.Interface {
				continue
			}
		}
		return d, nil
	}
	return nil, fault.Wrap(platform.ErrUnavailable,
		fctx.With(context.Background(), "interface", m.opts.Interface),
		fmsg.With("No Wi-Fi device"),
	)
}

// StartWifiHotspot brings up an AP and fills in creds. A caller-provided
// SSID or password is kept.
func (m *Medium) StartWifiHotspot(creds *platform.HotspotCredentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hotspot != nil {
		return fmt.Errorf("nm: hotspot already running")
	}
	if m.joined != nil {
		return fmt.Errorf("nm: connected to a hotspot, cannot host one")
	}

	if creds.SSID == "" {
		suffix, err := randomHex(3)
		if err != nil {
			return err
		}
		creds.SSID = ssidPrefix + strings.ToUpper(suffix)
	}
	if creds.Password == "" {
		pass, err := randomHex(8)
		if err != nil {
			return err
		}
		creds.Password = pass
	}

	ac, err := m.activate(hotspotSettings(creds.SSID, creds.Password))
	if err != nil {
		return err
	}
	addr, _, err := addresses(ac)
	if err != nil {
		m.nm.DeactivateConnection(ac)
		return err
	}

	m.hotspot = ac
	m.address = addr
	creds.IPAddress = addr
	creds.Gateway = addr
	logger.Info(nmPrefix, "hotspot %s up at %s", creds.SSID, addr)
	return nil
}

func (m *Medium) StopWifiHotspot() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hotspot == nil {
		return platform.ErrNotFound
	}
	err := m.nm.DeactivateConnection(m.hotspot)
	m.hotspot = nil
	m.address = ""
	if err != nil {
		return fault.Wrap(err, fmsg.With("Cannot stop hotspot"))
	}
	return nil
}

func (m *Medium) ConnectWifiHotspot(creds platform.HotspotCredentials) error {
	if creds.SSID == "" {
		return fmt.Errorf("nm: missing SSID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hotspot != nil {
		return fmt.Errorf("nm: hosting a hotspot, cannot join one")
	}
	if m.joined != nil {
		return fmt.Errorf("nm: already connected to a hotspot")
	}

	ac, err := m.activate(clientSettings(creds.SSID, creds.Password))
	if err != nil {
		return err
	}
	_, gateway, err := addresses(ac)
	if err != nil {
		m.nm.DeactivateConnection(ac)
		return err
	}
	if gateway == "" {
		gateway = creds.Gateway
	}
	m.joined = ac
	m.address = gateway
	logger.Info(nmPrefix, "joined %s, gateway %s", creds.SSID, gateway)
	return nil
}

func (m *Medium) DisconnectWifiHotspot() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.joined == nil {
		return platform.ErrNotFound
	}
	err := m.nm.DeactivateConnection(m.joined)
	m.joined = nil
	m.address = ""
	if err != nil {
		return fault.Wrap(err, fmsg.With("Cannot leave hotspot"))
	}
	return nil
}

// ListenForService binds on the hotspot address, or the host address when
// no hotspot is up.
func (m *Medium) ListenForService(port int) (platform.IPServerSocket, error) {
	m.mu.Lock()
	addr := ""
	if m.hotspot != nil {
		addr = m.address
	}
	m.mu.Unlock()

	if addr == "" {
		ip, _, err := lan.HostIPv4(m.opts.Interface)
		if err != nil {
			return nil, err
		}
		addr = ip.String()
	}
	s, err := lan.Listen(addr, port, platform.PortRange{})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ConnectToService dials ip, or the joined hotspot's gateway when ip is
// empty.
func (m *Medium) ConnectToService(ip string, port int, cancel *platform.CancellationFlag) (platform.Socket, error) {
	if ip == "" {
		m.mu.Lock()
		if m.joined != nil {
			ip = m.address
		}
		m.mu.Unlock()
	}
	if ip == "" {
		return nil, fmt.Errorf("nm: no address to connect to: %w", platform.ErrNotFound)
	}
	s, err := lan.Dial(ip, port, cancel)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Medium) activate(settings map[string]map[string]interface{}) (gonetworkmanager.ActiveConnection, error) {
	device, err := m.wifiDevice()
	if err != nil {
		return nil, err
	}
	ac, err := m.nm.AddAndActivateConnection(settings, device)
	if err != nil {
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "connection", settings["connection"]["id"].(string)),
			fmsg.With("Cannot activate Wi-Fi connection"),
		)
	}

	deadline := time.Now().Add(activationTimeout)
	for {
		state, err := ac.GetPropertyState()
		if err == nil && state == gonetworkmanager.NmActiveConnectionStateActivated {
			return ac, nil
		}
		if err == nil && state >= gonetworkmanager.NmActiveConnectionStateDeactivating {
			return nil, fmt.Errorf("nm: connection failed in state %v: %w", state, platform.ErrUnavailable)
		}
		if time.Now().After(deadline) {
			m.nm.DeactivateConnection(ac)
			return nil, fmt.Errorf("nm: activation timed out: %w", platform.ErrUnavailable)
		}
		time.Sleep(activationPoll)
	}
}

// addresses returns the connection's first IPv4 address and its gateway.
func addresses(ac gonetworkmanager.ActiveConnection) (string, string, error) {
	cfg, err := ac.GetPropertyIP4Config()
	if err != nil {
		return "", "", fault.Wrap(err, fmsg.With("Cannot read IPv4 configuration"))
	}
	data, err := cfg.GetPropertyAddressData()
	if err != nil || len(data) == 0 {
		return "", "", fmt.Errorf("nm: connection has no IPv4 address: %w", platform.ErrUnavailable)
	}
	gateway, _ := cfg.GetPropertyGateway()
	return data[0].Address, gateway, nil
}

func hotspotSettings(ssid, password string) map[string]map[string]interface{} {
	return map[string]map[string]interface{}{
		"connection": {
			"id":          connectionID,
			"type":        "802-11-wireless",
			"autoconnect": false,
		},
		"802-11-wireless": {
			"ssid": []byte(ssid),
			"mode": "ap",
			"band": "bg",
		},
		"802-11-wireless-security": wpaSettings(password),
		"ipv4":                     {"method": "shared"},
		"ipv6":                     {"method": "ignore"},
	}
}

func clientSettings(ssid, password string) map[string]map[string]interface{} {
	s := map[string]map[string]interface{}{
		"connection": {
			"id":          clientID,
			"type":        "802-11-wireless",
			"autoconnect": false,
		},
		"802-11-wireless": {
			"ssid": []byte(ssid),
			"mode": "infrastructure",
		},
		"ipv4": {"method": "auto"},
		"ipv6": {"method": "ignore"},
	}
	if password != "" {
		s["802-11-wireless-security"] = wpaSettings(password)
	}
	return s
}

func wpaSettings(password string) map[string]interface{} {
	return map[string]interface{}{
		"key-mgmt": "wpa-psk",
		"psk":      password,
		"proto":    []string{"rsn"},
		"pairwise": []string{"ccmp"},
		"group":    []string{"ccmp"},
	}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fault.Wrap(err, fmsg.With("Cannot generate hotspot credentials"))
	}
	return hex.EncodeToString(b), nil
}
