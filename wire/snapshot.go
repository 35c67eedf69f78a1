package wire

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/ugorji/go/codec"
)

const snapshotFile = "air.json"

// AirSnapshot is what Snapshot writes: everything a remote device could
// observe about the air right now.
type AirSnapshot struct {
	Devices  []DeviceSnapshot `json:"devices"`
	Services []LanSnapshot    `json:"lan_services,omitempty"`
	Hotspots []string         `json:"hotspots,omitempty"`
}

type DeviceSnapshot struct {
	Name         string   `json:"name"`
	MacAddress   string   `json:"mac_address"`
	AdapterOn    bool     `json:"adapter_on"`
	ScanMode     string   `json:"scan_mode"`
	BleServices  []string `json:"ble_services,omitempty"`
	BleAccepting []string `json:"ble_accepting,omitempty"`
}

type LanSnapshot struct {
	ServiceType string `json:"service_type"`
	ServiceName string `json:"service_name"`
	Owner       string `json:"owner"`
	IPAddress   string `json:"ip_address"`
	Port        int    `json:"port"`
}

func (a *Air) snapshot() AirSnapshot {
	var s AirSnapshot
	a.ble.Range(func(mac string, d *Device) bool {
		ds := DeviceSnapshot{
			Name:       d.name,
			MacAddress: mac,
			AdapterOn:  d.adapter.IsEnabled(),
			ScanMode:   d.adapter.ScanMode().String(),
		}
		d.ble.advMu.Lock()
		for id := range d.ble.adverts {
			ds.BleServices = append(ds.BleServices, id)
		}
		d.ble.advMu.Unlock()
		d.ble.mu.Lock()
		for id := range d.ble.accepting {
			ds.BleAccepting = append(ds.BleAccepting, id)
		}
		d.ble.mu.Unlock()
		sort.Strings(ds.BleServices)
		sort.Strings(ds.BleAccepting)
		s.Devices = append(s.Devices, ds)
		return true
	})
	a.lan.Range(func(k lanKey, e lanEntry) bool {
		s.Services = append(s.Services, LanSnapshot{
			ServiceType: k.serviceType,
			ServiceName: k.serviceName,
			Owner:       e.owner.name,
			IPAddress:   e.info.IPAddress,
			Port:        e.info.Port,
		})
		return true
	})
	a.hotspots.Range(func(ssid string, _ hotspotEntry) bool {
		s.Hotspots = append(s.Hotspots, ssid)
		return true
	})

	sort.Slice(s.Devices, func(i, j int) bool { return s.Devices[i].MacAddress < s.Devices[j].MacAddress })
	sort.Slice(s.Services, func(i, j int) bool {
		if s.Services[i].ServiceType != s.Services[j].ServiceType {
			return s.Services[i].ServiceType < s.Services[j].ServiceType
		}
		return s.Services[i].ServiceName < s.Services[j].ServiceName
	})
	sort.Strings(s.Hotspots)
	return s
}

// Snapshot writes the air's current state to dir/air.json and returns the
// file's path.
func (a *Air) Snapshot(dir string) (string, error) {
	h := codec.JsonHandle{}
	h.TypeInfos = codec.NewTypeInfos([]string{"json"})
	h.Indent = 2

	var data []byte
	if err := codec.NewEncoderBytes(&data, &h).Encode(a.snapshot()); err != nil {
		return "", fault.Wrap(err, fmsg.With("Cannot encode air snapshot"))
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fault.Wrap(err, fmsg.With("Cannot create snapshot directory"))
	}
	path := filepath.Join(dir, snapshotFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fault.Wrap(err, fmsg.With("Cannot write air snapshot"))
	}
	return path, nil
}

// ReadSnapshot loads a file written by Snapshot.
func ReadSnapshot(path string) (AirSnapshot, error) {
	var s AirSnapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fault.Wrap(err, fmsg.With("Cannot read air snapshot"))
	}
	h := codec.JsonHandle{}
	h.TypeInfos = codec.NewTypeInfos([]string{"json"})
	if err := codec.NewDecoderBytes(data, &h).Decode(&s); err != nil {
		return s, fault.Wrap(err, fmsg.With("Cannot decode air snapshot"))
	}
	return s, nil
}
