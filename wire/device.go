package wire

import (
	"sync"
	"time"

	"github.com/user/nearby-connections/mediums"
	"github.com/user/nearby-connections/platform"
)

// Device is one simulated host. Its media implement the platform
// interfaces and can be handed straight to the medium managers.
type Device struct {
	air  *Air
	name string
	mac  string

	adapter   *Adapter
	radio     *mediums.BluetoothRadio
	wifiLan   *WifiLanMedium
	hotspot   *WifiHotspotMedium
	bluetooth *BluetoothClassicMedium
	ble       *BleMedium
}

func newDevice(air *Air, name, mac string) *Device {
	d := &Device{air: air, name: name, mac: mac}
	d.adapter = &Adapter{device: d, enabled: true, name: name, mode: platform.ScanModeConnectable}
	d.radio = mediums.NewBluetoothRadio(d.adapter)
	d.wifiLan = newWifiLanMedium(d)
	d.hotspot = newWifiHotspotMedium(d)
	d.bluetooth = newBluetoothClassicMedium(d)
	d.ble = newBleMedium(d)
	return d
}

func (d *Device) Name() string       { return d.name }
func (d *Device) MacAddress() string { return d.mac }

func (d *Device) BluetoothAdapter() *Adapter                { return d.adapter }
func (d *Device) Radio() *mediums.BluetoothRadio            { return d.radio }
func (d *Device) WifiLan() *WifiLanMedium                   { return d.wifiLan }
func (d *Device) WifiHotspot() *WifiHotspotMedium           { return d.hotspot }
func (d *Device) BluetoothClassic() *BluetoothClassicMedium { return d.bluetooth }
func (d *Device) Ble() *BleMedium                           { return d.ble }

// Close takes the device off the air: scans and discoveries stop, servers
// close and advertisements disappear.
func (d *Device) Close() {
	d.ble.close()
	d.bluetooth.close()
	d.wifiLan.close()
	d.hotspot.close()
	d.air.bluetooth.Delete(d.mac)
	d.air.ble.Delete(d.mac)
	d.air.changed(topicBluetooth)
	d.air.changed(topicBle)
}

// Adapter is the device's Bluetooth adapter. It is visible to classic
// discovery only while enabled and in ScanModeConnectableDiscoverable.
type Adapter struct {
	device *Device

	mu      sync.Mutex
	enabled bool
	name    string
	mode    platform.ScanMode
	// failScanMode makes SetScanMode fail, for exercising rollback paths.
	failScanMode bool
}

func (a *Adapter) IsValid() bool { return true }

func (a *Adapter) IsEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *Adapter) SetStatus(enabled bool) error {
	a.mu.Lock()
	a.enabled = enabled
	a.mu.Unlock()
	a.device.air.changed(topicBluetooth)
	return nil
}

func (a *Adapter) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name
}

func (a *Adapter) SetName(name string) error {
	a.mu.Lock()
	a.name = name
	a.mu.Unlock()
	a.device.air.changed(topicBluetooth)
	return nil
}

func (a *Adapter) ScanMode() platform.ScanMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *Adapter) SetScanMode(mode platform.ScanMode) error {
	a.mu.Lock()
	if a.failScanMode {
		a.mu.Unlock()
		return platform.ErrUnavailable
	}
	a.mode = mode
	a.mu.Unlock()
	a.device.air.changed(topicBluetooth)
	return nil
}

// FailScanMode makes later SetScanMode calls fail.
func (a *Adapter) FailScanMode(fail bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failScanMode = fail
}

func (a *Adapter) MacAddress() string { return a.device.mac }

func (a *Adapter) discoverable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled && a.mode == platform.ScanModeConnectableDiscoverable
}

// watcher runs fn once at start, then on every change to topic and every
// interval (if non-zero), until halted. fn should check active before each
// callback it delivers.
type watcher struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (a *Air) startWatcher(topic string, interval time.Duration, fn func(w *watcher)) *watcher {
	w := &watcher{stop: make(chan struct{}), done: make(chan struct{})}
	wake, unsub := a.watch(topic)
	go func() {
		defer close(w.done)
		defer unsub()

		var tick <-chan time.Time
		if interval > 0 {
			t := time.NewTicker(interval)
			defer t.Stop()
			tick = t.C
		}
		fn(w)
		for {
			select {
			case <-w.stop:
				return
			case _, ok := <-wake:
				if !ok {
					wake = nil
					continue
				}
			case <-tick:
			}
			if !w.active() {
				return
			}
			fn(w)
		}
	}()
	return w
}

func (w *watcher) active() bool {
	select {
	case <-w.stop:
		return false
	default:
		return true
	}
}

// halt stops the watcher without waiting for it, so it is safe to call
// while a callback it is delivering blocks on the caller. Safe on nil.
func (w *watcher) halt() {
	if w == nil {
		return
	}
	w.stopOnce.Do(func() { close(w.stop) })
}

// wait halts the watcher and blocks until its goroutine exits. Must not be
// called from fn.
func (w *watcher) wait() {
	if w == nil {
		return
	}
	w.halt()
	<-w.done
}
