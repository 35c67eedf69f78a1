package bluez

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/platform"
)

// Classic implements platform.BluetoothClassicMedium: inquiry through
// Adapter1 discovery, RFCOMM through Profile1 registrations.
type Classic struct {
	adapter *Adapter

	mu        sync.Mutex
	discovery *discovery
	servers   map[uuid.UUID]*ServerSocket
	clients   map[uuid.UUID]*profile
}

func NewClassic(adapter *Adapter) *Classic {
	return &Classic{
		adapter: adapter,
		servers: make(map[uuid.UUID]*ServerSocket),
		clients: make(map[uuid.UUID]*profile),
	}
}

func (c *Classic) IsValid() bool { return c.adapter.IsValid() }

type discovery struct {
	sigs chan *dbus.Signal
	stop chan struct{}
}

var discoveryMatches = [][]dbus.MatchOption{
	{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
	{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesRemoved")},
	{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged")},
}

func (c *Classic) StartDiscovery(cb platform.BluetoothDiscoveryCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discovery != nil {
		return fmt.Errorf("bluez: discovery already running")
	}
	bus := c.adapter.bus

	for _, m := range discoveryMatches {
		if err := bus.AddMatchSignal(m...); err != nil {
			return fault.Wrap(err, fmsg.With("Cannot subscribe to BlueZ signals"))
		}
	}
	d := &discovery{
		sigs: make(chan *dbus.Signal, 64),
		stop: make(chan struct{}),
	}
	bus.Signal(d.sigs)

	filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant("bredr")}
	if call := c.adapter.obj.Call(adapterIface+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		logger.Debug(bluezPrefix, "SetDiscoveryFilter: %v", call.Err)
	}
	if call := c.adapter.obj.Call(adapterIface+".StartDiscovery", 0); call.Err != nil {
		c.dropSignals(d)
		return fault.Wrap(call.Err,
			fctx.With(context.Background(), "adapter", string(c.adapter.path)),
			fmsg.With("Cannot start Bluetooth discovery"),
		)
	}

	c.discovery = d
	go c.watch(d, cb)
	return nil
}

func (c *Classic) dropSignals(d *discovery) {
	bus := c.adapter.bus
	bus.RemoveSignal(d.sigs)
	for _, m := range discoveryMatches {
		bus.RemoveMatchSignal(m...)
	}
}

// watch turns BlueZ object signals into discovery callbacks. A device is
// found when it first appears (or first reports RSSI, for cached entries),
// renamed on Name or Alias changes and lost when its object is removed.
func (c *Classic) watch(d *discovery, cb platform.BluetoothDiscoveryCallback) {
	prefix := string(c.adapter.path) + "/dev_"
	seen := make(map[dbus.ObjectPath]platform.BluetoothDevice)

	for {
		var sig *dbus.Signal
		select {
		case <-d.stop:
			return
		case sig = <-d.sigs:
		}
		if sig == nil {
			continue
		}

		switch sig.Name {
		case objManagerIface + ".InterfacesAdded":
			if len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			props, ok := ifaces[deviceIface]
			if !ok || !strings.HasPrefix(string(path), prefix) {
				continue
			}
			if _, known := seen[path]; known {
				continue
			}
			dev := deviceFromProps(path, props)
			seen[path] = dev
			if cb.DeviceDiscovered != nil {
				cb.DeviceDiscovered(dev)
			}

		case objManagerIface + ".InterfacesRemoved":
			if len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			removed, _ := sig.Body[1].([]string)
			dev, known := seen[path]
			if !known || !contains(removed, deviceIface) {
				continue
			}
			delete(seen, path)
			if cb.DeviceLost != nil {
				cb.DeviceLost(dev)
			}

		case propsIface + ".PropertiesChanged":
			if len(sig.Body) < 2 || !strings.HasPrefix(string(sig.Path), prefix) {
				continue
			}
			if iface, _ := sig.Body[0].(string); iface != deviceIface {
				continue
			}
			changed, _ := sig.Body[1].(map[string]dbus.Variant)
			dev, known := seen[sig.Path]
			switch {
			case !known:
				if _, ok := changed["RSSI"]; !ok {
					continue
				}
				dev = c.device(sig.Path)
				seen[sig.Path] = dev
				if cb.DeviceDiscovered != nil {
					cb.DeviceDiscovered(dev)
				}
			case hasName(changed):
				renamed := deviceFromProps(sig.Path, changed)
				if renamed.Name == "" || renamed.Name == dev.Name {
					continue
				}
				dev.Name = renamed.Name
				seen[sig.Path] = dev
				if cb.DeviceNameChanged != nil {
					cb.DeviceNameChanged(dev)
				}
			}
		}
	}
}

func hasName(props map[string]dbus.Variant) bool {
	_, name := props["Name"]
	_, alias := props["Alias"]
	return name || alias
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (c *Classic) StopDiscovery() error {
	c.mu.Lock()
	d := c.discovery
	c.discovery = nil
	c.mu.Unlock()
	if d == nil {
		return platform.ErrNotFound
	}

	// Callbacks may stop discovery themselves, so this does not wait for
	// the watcher to exit.
	close(d.stop)
	c.dropSignals(d)
	if call := c.adapter.obj.Call(adapterIface+".StopDiscovery", 0); call.Err != nil {
		return fault.Wrap(call.Err, fmsg.With("Cannot stop Bluetooth discovery"))
	}
	return nil
}

func (c *Classic) ListenForService(serviceName string, serviceUUID uuid.UUID) (platform.BluetoothServerSocket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.servers[serviceUUID]; ok {
		return nil, fmt.Errorf("bluez: already listening on %s", serviceUUID)
	}

	path := profilePath("server", serviceUUID)
	p := &profile{medium: c, accept: make(chan *socket, acceptBacklog)}
	opts := map[string]dbus.Variant{
		"Name":                  dbus.MakeVariant(serviceName),
		"Role":                  dbus.MakeVariant("server"),
		"RequireAuthentication": dbus.MakeVariant(false),
		"RequireAuthorization":  dbus.MakeVariant(false),
	}
	if err := registerProfile(c.adapter.bus, path, p, serviceUUID, opts); err != nil {
		return nil, err
	}
	s := &ServerSocket{medium: c, service: serviceUUID, path: path, profile: p, closed: make(chan struct{})}
	c.servers[serviceUUID] = s
	logger.Debug(bluezPrefix, "listening for %s (%s)", serviceName, serviceUUID)
	return s, nil
}

func (c *Classic) forgetServer(service uuid.UUID, s *ServerSocket) {
	c.mu.Lock()
	if c.servers[service] == s {
		delete(c.servers, service)
	}
	c.mu.Unlock()
}

// clientProfile registers the client-role profile for service once.
func (c *Classic) clientProfile(service uuid.UUID) (*profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.clients[service]; ok {
		return p, nil
	}
	p := &profile{medium: c, pending: make(map[dbus.ObjectPath]chan *socket)}
	opts := map[string]dbus.Variant{"Role": dbus.MakeVariant("client")}
	if err := registerProfile(c.adapter.bus, profilePath("client", service), p, service, opts); err != nil {
		return nil, err
	}
	c.clients[service] = p
	return p, nil
}

func (c *Classic) ConnectToService(device platform.BluetoothDevice, serviceUUID uuid.UUID, cancel *platform.CancellationFlag) (platform.BluetoothSocket, error) {
	if cancel.Cancelled() {
		return nil, platform.ErrCancelled
	}
	p, err := c.clientProfile(serviceUUID)
	if err != nil {
		return nil, err
	}

	path := devicePath(c.adapter.path, device.MacAddress)
	ch, withdraw := p.await(path)
	defer withdraw()

	ctx, stop := cancel.Context(context.Background())
	defer stop()
	obj := c.adapter.bus.Object(bluezService, path)
	if call := obj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, serviceUUID.String()); call.Err != nil {
		if cancel.Cancelled() {
			return nil, platform.ErrCancelled
		}
		return nil, fault.Wrap(call.Err,
			fctx.With(context.Background(), "device", device.MacAddress, "service", serviceUUID.String()),
			fmsg.With("Cannot connect RFCOMM profile"),
		)
	}

	// BlueZ calls NewConnection before ConnectProfile returns.
	select {
	case s := <-ch:
		return s, nil
	case <-cancel.Done():
		return nil, platform.ErrCancelled
	default:
		return nil, fmt.Errorf("bluez: %s connected without handing over a socket: %w", device.MacAddress, platform.ErrUnavailable)
	}
}

func (c *Classic) GetRemoteDevice(macAddress string) (platform.BluetoothDevice, bool) {
	path := devicePath(c.adapter.path, macAddress)
	var props map[string]dbus.Variant
	obj := c.adapter.bus.Object(bluezService, path)
	if err := obj.Call(propsIface+".GetAll", 0, deviceIface).Store(&props); err != nil {
		return platform.BluetoothDevice{}, false
	}
	return deviceFromProps(path, props), true
}

// device looks path up, falling back to the address encoded in the path.
func (c *Classic) device(path dbus.ObjectPath) platform.BluetoothDevice {
	if d, ok := c.GetRemoteDevice(macFromPath(path)); ok {
		return d
	}
	return platform.BluetoothDevice{MacAddress: macFromPath(path)}
}

// Close stops discovery and drops every profile registration.
func (c *Classic) Close() error {
	if err := c.StopDiscovery(); err != nil && err != platform.ErrNotFound {
		logger.Warn(bluezPrefix, "stop discovery: %v", err)
	}

	c.mu.Lock()
	servers := make([]*ServerSocket, 0, len(c.servers))
	for _, s := range c.servers {
		servers = append(servers, s)
	}
	clients := c.clients
	c.clients = make(map[uuid.UUID]*profile)
	c.mu.Unlock()

	for _, s := range servers {
		s.Close()
	}
	for service := range clients {
		unregisterProfile(c.adapter.bus, profilePath("client", service))
	}
	return nil
}
