// Package bluez is the host Bluetooth Classic backend, talking to BlueZ over
// the D-Bus system bus.
package bluez

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/godbus/dbus/v5"

	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/platform"
)

const (
	bluezService        = "org.bluez"
	adapterIface        = "org.bluez.Adapter1"
	deviceIface         = "org.bluez.Device1"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"

	bluezPrefix = "bluez"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Adapter implements platform.BluetoothAdapter on one BlueZ controller.
type Adapter struct {
	bus  *dbus.Conn
	path dbus.ObjectPath
	obj  dbus.BusObject
}

// OpenAdapter connects to the system bus and picks the controller named
// name ("hci0"), or the first one when name is empty.
func OpenAdapter(name string) (*Adapter, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("Cannot connect to the system bus"))
	}
	objs, err := getManagedObjects(bus)
	if err != nil {
		return nil, err
	}

	var paths []string
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			paths = append(paths, string(path))
		}
	}
	sort.Strings(paths)
	for _, p := range paths {
		if name == "" || strings.HasSuffix(p, "/"+name) {
			path := dbus.ObjectPath(p)
			logger.Debug(bluezPrefix, "using adapter %s", path)
			return &Adapter{bus: bus, path: path, obj: bus.Object(bluezService, path)}, nil
		}
	}
	return nil, fault.Wrap(platform.ErrUnavailable,
		fctx.With(context.Background(), "adapter", name),
		fmsg.With("No Bluetooth adapter found"),
	)
}

func (a *Adapter) Path() dbus.ObjectPath { return a.path }

func (a *Adapter) IsValid() bool { return a != nil && a.obj != nil }

func (a *Adapter) IsEnabled() bool {
	on, err := getProperty[bool](a.obj, adapterIface, "Powered")
	return err == nil && on
}

func (a *Adapter) SetStatus(enabled bool) error {
	return setProperty(a.obj, adapterIface, "Powered", enabled)
}

// Name is the adapter alias, which is what remote inquiries see.
func (a *Adapter) Name() string {
	alias, err := getProperty[string](a.obj, adapterIface, "Alias")
	if err != nil {
		return ""
	}
	return alias
}

func (a *Adapter) SetName(name string) error {
	return setProperty(a.obj, adapterIface, "Alias", name)
}

func (a *Adapter) ScanMode() platform.ScanMode {
	powered, err := getProperty[bool](a.obj, adapterIface, "Powered")
	if err != nil {
		return platform.ScanModeUnknown
	}
	discoverable, _ := getProperty[bool](a.obj, adapterIface, "Discoverable")
	// Connectable is missing on older BlueZ; a powered controller pages then.
	connectable, err := getProperty[bool](a.obj, adapterIface, "Connectable")
	if err != nil {
		connectable = true
	}
	return scanMode(powered, connectable, discoverable)
}

func scanMode(powered, connectable, discoverable bool) platform.ScanMode {
	switch {
	case !powered:
		return platform.ScanModeNone
	case discoverable:
		return platform.ScanModeConnectableDiscoverable
	case connectable:
		return platform.ScanModeConnectable
	default:
		return platform.ScanModeNone
	}
}

func (a *Adapter) SetScanMode(mode platform.ScanMode) error {
	switch mode {
	case platform.ScanModeConnectableDiscoverable:
		if err := setProperty(a.obj, adapterIface, "DiscoverableTimeout", uint32(0)); err != nil {
			return err
		}
		return setProperty(a.obj, adapterIface, "Discoverable", true)
	case platform.ScanModeConnectable, platform.ScanModeNone:
		if err := setProperty(a.obj, adapterIface, "Discoverable", false); err != nil {
			return err
		}
		if err := setProperty(a.obj, adapterIface, "Connectable", mode == platform.ScanModeConnectable); err != nil {
			logger.Debug(bluezPrefix, "cannot set Connectable: %v", err)
		}
		return nil
	default:
		return fmt.Errorf("bluez: unsupported scan mode %s", mode)
	}
}

func (a *Adapter) MacAddress() string {
	addr, err := getProperty[string](a.obj, adapterIface, "Address")
	if err != nil {
		return ""
	}
	return addr
}

func getProperty[T any](obj dbus.BusObject, iface, property string) (T, error) {
	var zero T
	v, err := obj.GetProperty(iface + "." + property)
	if err != nil {
		return zero, fault.Wrap(err,
			fctx.With(context.Background(), "property", iface+"."+property),
			fmsg.With("Cannot read BlueZ property"),
		)
	}
	val, ok := v.Value().(T)
	if !ok {
		return zero, fmt.Errorf("bluez: property %s.%s has unexpected type %T", iface, property, v.Value())
	}
	return val, nil
}

func setProperty(obj dbus.BusObject, iface, property string, value any) error {
	if call := obj.Call(propsIface+".Set", 0, iface, property, dbus.MakeVariant(value)); call.Err != nil {
		return fault.Wrap(call.Err,
			fctx.With(context.Background(), "property", iface+"."+property),
			fmsg.With("Cannot write BlueZ property"),
		)
	}
	return nil
}

func getManagedObjects(bus *dbus.Conn) (managedObjects, error) {
	var objs managedObjects
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	if err := obj.Call(objManagerIface+".GetManagedObjects", 0).Store(&objs); err != nil {
		return nil, fault.Wrap(err, fmsg.With("Cannot list BlueZ objects"))
	}
	return objs, nil
}

// devicePath is where BlueZ keeps mac under adapter:
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func devicePath(adapter dbus.ObjectPath, mac string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_"))
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

// deviceFromProps builds the platform view of a Device1 property map. The
// alias falls back to the address when a device never sent its name.
func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) platform.BluetoothDevice {
	d := platform.BluetoothDevice{MacAddress: macFromPath(path)}
	if v, ok := props["Address"]; ok {
		if addr, ok := v.Value().(string); ok && addr != "" {
			d.MacAddress = addr
		}
	}
	if v, ok := props["Alias"]; ok {
		d.Name, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		if name, ok := v.Value().(string); ok && name != "" {
			d.Name = name
		}
	}
	return d
}
