// Package wire is an in-process radio for the platform interfaces. Devices
// created on one Air can see each other's WifiLan services, hotspots,
// Bluetooth adapters and BLE advertisements, and connect over loopback TCP
// or unix domain sockets.
package wire

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/cskr/pubsub/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/mediums/ble"
	"github.com/user/nearby-connections/metrics"
	"github.com/user/nearby-connections/platform"
	"github.com/user/nearby-connections/util"
)

const (
	wirePrefix = "wire"
	loopback   = "127.0.0.1"

	topicLan       = "lan"
	topicBluetooth = "bluetooth"
	topicBle       = "ble"
)

var errSimulatedFailure = errors.New("wire: simulated connection failure")

type lanKey struct {
	serviceType string
	serviceName string
}

type lanEntry struct {
	owner *Device
	info  platform.NsdServiceInfo
}

type hotspotEntry struct {
	owner *Device
	creds platform.HotspotCredentials
}

// Air is the shared medium. Registries are keyed by what a remote scanner
// or dialer knows: service type and name, SSID, MAC address.
type Air struct {
	sim       *Simulator
	socketDir string
	metrics   *metrics.Metrics
	backoff   ble.BackoffPolicy
	bus       *pubsub.PubSub[string, struct{}]
	devices   atomic.Uint32

	lan        *xsync.MapOf[lanKey, lanEntry]
	hotspots   *xsync.MapOf[string, hotspotEntry]
	bluetooth  *xsync.MapOf[string, *Device]
	btServers  *xsync.MapOf[string, string]
	ble        *xsync.MapOf[string, *Device]
	bleServers *xsync.MapOf[string, string]
}

type AirOptions struct {
	// SocketDir holds the unix sockets for Bluetooth and BLE connections.
	// Defaults to util.GetSocketDir().
	SocketDir string
	Sim       *SimulationConfig
	Metrics   *metrics.Metrics
	// Backoff spaces the GATT re-reads of every device's BLE tracker.
	Backoff ble.BackoffPolicy
}

func NewAir(opts AirOptions) *Air {
	dir := opts.SocketDir
	if dir == "" {
		dir = util.GetSocketDir()
	}
	return &Air{
		sim:        NewSimulator(opts.Sim),
		socketDir:  dir,
		metrics:    opts.Metrics,
		backoff:    opts.Backoff,
		bus:        pubsub.New[string, struct{}](4),
		lan:        xsync.NewMapOf[lanKey, lanEntry](),
		hotspots:   xsync.NewMapOf[string, hotspotEntry](),
		bluetooth:  xsync.NewMapOf[string, *Device](),
		btServers:  xsync.NewMapOf[string, string](),
		ble:        xsync.NewMapOf[string, *Device](),
		bleServers: xsync.NewMapOf[string, string](),
	}
}

func (a *Air) Simulator() *Simulator { return a.sim }

// NewDevice puts a new host on the air. Its MAC doubles as BLE peripheral
// id.
func (a *Air) NewDevice(name string) *Device {
	n := a.devices.Add(1)
	mac := fmt.Sprintf("02:00:00:00:%02X:%02X", byte(n>>8), byte(n))
	d := newDevice(a, name, mac)
	a.bluetooth.Store(mac, d)
	a.ble.Store(mac, d)
	logger.Debug(wirePrefix, "device %s on air as %s", name, mac)
	return d
}

// Close ends every watch. Devices should be closed first.
func (a *Air) Close() {
	a.bus.Shutdown()
}

// changed wakes whoever watches topic. Watchers re-read the registries, so
// a dropped wake-up only delays them until the next one or their ticker.
func (a *Air) changed(topic string) {
	a.bus.TryPub(struct{}{}, topic)
}

func (a *Air) watch(topic string) (<-chan struct{}, func()) {
	ch := a.bus.Sub(topic)
	return ch, func() {
		go a.bus.Unsub(ch, topic)
	}
}

func (a *Air) socketPath(kind, key string) string {
	return filepath.Join(a.socketDir, kind+"-"+util.ShortHash(key)+".sock")
}

func serverKey(addr, service string) string {
	return addr + "|" + service
}
