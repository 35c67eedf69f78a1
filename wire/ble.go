package wire

import (
	"bytes"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/mediums/ble"
	"github.com/user/nearby-connections/platform"
	"github.com/user/nearby-connections/wire/advertising"
	"github.com/user/nearby-connections/wire/att"
	"github.com/user/nearby-connections/wire/gatt"
)

const (
	topicBleSweep = "ble-sweep"
	gattMTU       = 185
)

type bleAdvert struct {
	raw      []byte
	fastUUID uuid.UUID
}

func (a bleAdvert) legacy() bool {
	return bytes.Equal(a.raw, ble.LegacyDummyAdvertisement)
}

// BleMedium implements platform.BleMedium. Regular advertisements sit in
// GATT slots behind a header; fast advertisements ride inline under their
// service UUID. Every packet is encoded to AD structures and decoded again
// before a scanner sees it, so what is advertised must fit on the air.
type BleMedium struct {
	device  *Device
	tracker *ble.DiscoveredPeripheralTracker

	// advMu is taken by remote scanners from inside their tracker, so it
	// is never held while calling into this medium's own tracker.
	advMu   sync.Mutex
	adverts map[string]bleAdvert

	mu        sync.Mutex
	scanning  map[string]struct{}
	scan      *watcher
	sweep     *watcher
	accepting map[string]*unixServer
}

func newBleMedium(d *Device) *BleMedium {
	return &BleMedium{
		device:    d,
		tracker:   ble.NewDiscoveredPeripheralTracker(ble.TrackerOptions{Backoff: d.air.backoff, Metrics: d.air.metrics}),
		adverts:   make(map[string]bleAdvert),
		scanning:  make(map[string]struct{}),
		accepting: make(map[string]*unixServer),
	}
}

func (m *BleMedium) IsValid() bool { return true }

func (m *BleMedium) StartAdvertising(serviceID string, advertisement []byte, fastUUID uuid.UUID) error {
	m.advMu.Lock()
	defer m.advMu.Unlock()
	if _, ok := m.adverts[serviceID]; ok {
		return fmt.Errorf("wire: %s already advertising %s", m.device.name, serviceID)
	}
	m.adverts[serviceID] = bleAdvert{raw: append([]byte(nil), advertisement...), fastUUID: fastUUID}
	if _, err := m.packetsLocked(); err != nil {
		delete(m.adverts, serviceID)
		return err
	}
	m.device.air.changed(topicBle)
	logger.Debug(wirePrefix, "%s advertises %s over BLE (%d bytes)", m.device.name, serviceID, len(advertisement))
	return nil
}

func (m *BleMedium) StopAdvertising(serviceID string) error {
	m.advMu.Lock()
	_, ok := m.adverts[serviceID]
	delete(m.adverts, serviceID)
	m.advMu.Unlock()
	if !ok {
		return platform.ErrNotFound
	}
	m.device.air.changed(topicBle)
	return nil
}

// slotsLocked returns the regular advertisements in slot order, along with
// the service ids they belong to.
func (m *BleMedium) slotsLocked() ([]string, [][]byte) {
	var ids []string
	for id, a := range m.adverts {
		if !a.legacy() && a.fastUUID == uuid.Nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	slots := make([][]byte, len(ids))
	for i, id := range ids {
		slots[i] = m.adverts[id].raw
	}
	return ids, slots
}

// packetsLocked builds the scan results this medium puts on the air, each
// one round-tripped through the AD encoding.
func (m *BleMedium) packetsLocked() ([]platform.BleAdvertisementData, error) {
	name := m.device.adapter.Name()
	var out []platform.BleAdvertisementData
	if ids, slots := m.slotsLocked(); len(ids) > 0 {
		header := ble.NewAdvertisementHeader(ids, slots)
		out = append(out, platform.BleAdvertisementData{
			LocalName:   name,
			ServiceData: map[uuid.UUID][]byte{ble.CopresenceServiceUUID: header.Bytes()},
		})
	}
	legacy := false
	for _, a := range m.adverts {
		switch {
		case a.legacy():
			legacy = true
		case a.fastUUID != uuid.Nil:
			out = append(out, platform.BleAdvertisementData{
				LocalName:   name,
				ServiceData: map[uuid.UUID][]byte{a.fastUUID: a.raw},
			})
		}
	}
	if legacy {
		out = append(out, platform.BleAdvertisementData{
			LocalName:   name,
			ServiceData: map[uuid.UUID][]byte{ble.CopresenceServiceUUID: ble.LegacyDummyAdvertisement},
		})
	}

	for i, p := range out {
		b, err := advertising.Encode(p)
		if err != nil {
			return nil, err
		}
		if out[i], err = advertising.Decode(b); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (m *BleMedium) packets() []platform.BleAdvertisementData {
	m.advMu.Lock()
	defer m.advMu.Unlock()
	pkts, err := m.packetsLocked()
	if err != nil {
		logger.Warn(wirePrefix, "%s has unencodable BLE advertisements: %v", m.device.name, err)
		return nil
	}
	return pkts
}

// gattServer snapshots the advertisement slots into the attribute table a
// remote scanner reads from.
func (m *BleMedium) gattServer() (*gatt.Database, int) {
	m.advMu.Lock()
	defer m.advMu.Unlock()
	_, slots := m.slotsLocked()
	return gatt.NewAdvertisementDatabase(ble.CopresenceServiceUUID, slots), len(slots)
}

// fetch is the tracker's AdvertisementFetcher. It runs with the tracker
// locked, so it only touches the remote medium.
func (m *BleMedium) fetch(peripheral platform.BlePeripheral, numSlots int, serviceIDs []string, result *ble.AdvertisementReadResult) error {
	air := m.device.air
	remote, ok := air.ble.Load(peripheral.ID)
	if !ok {
		return fmt.Errorf("wire: peripheral %s is gone: %w", peripheral.ID, platform.ErrNotFound)
	}
	if !air.sim.ShouldConnectionSucceed() {
		return dialError(errSimulatedFailure, "gatt-connect", peripheral.ID)
	}

	db, hosted := remote.ble.gattServer()
	if hosted == 0 {
		return fmt.Errorf("wire: %s hosts no advertisement slots: %w", peripheral.ID, platform.ErrNotFound)
	}
	client := att.NewClient(func(req []byte) ([]byte, error) {
		return db.HandleRequest(req, gattMTU), nil
	}, gattMTU)

	logger.Trace(wirePrefix, "%s reads %d slots from %s for %v", m.device.name, numSlots, peripheral.ID, serviceIDs)
	for slot := 0; slot < numSlots; slot++ {
		if result.HasAdvertisement(slot) {
			continue
		}
		handle, ok := db.FindCharacteristic(gatt.AdvertisementUUID(slot))
		if !ok {
			continue
		}
		value, err := client.ReadLong(handle)
		if err != nil {
			return dialError(err, "gatt-read", peripheral.ID)
		}
		result.AddAdvertisement(slot, value)
	}
	return nil
}

// StartScanning adds serviceID to the scan. The first call starts the
// scanner and the lost sweep; both are shared by every scanned service.
func (m *BleMedium) StartScanning(serviceID string, fastUUID uuid.UUID, cb platform.BleDiscoveredPeripheralCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scanning[serviceID]; ok {
		return fmt.Errorf("wire: %s already scanning for %s", m.device.name, serviceID)
	}

	m.tracker.StartTracking(serviceID, ble.TrackerCallback{
		PeripheralDiscovered: func(p platform.BlePeripheral, id string, adv ble.Advertisement, fast bool) {
			if cb.PeripheralDiscovered != nil {
				cb.PeripheralDiscovered(p, id, adv.Bytes(), fast)
			}
		},
		PeripheralLost: func(p platform.BlePeripheral, id string, _ ble.Advertisement, _ bool) {
			if cb.PeripheralLost != nil {
				cb.PeripheralLost(p, id)
			}
		},
		LegacyDeviceDiscovered: func() {
			logger.Trace(wirePrefix, "%s saw a legacy advertiser while scanning for %s", m.device.name, serviceID)
		},
	}, fastUUID)
	m.scanning[serviceID] = struct{}{}

	if m.scan == nil {
		air := m.device.air
		m.scan = air.startWatcher(topicBle, air.sim.ScanInterval(), m.scanOnce)
		m.sweep = air.startWatcher(topicBleSweep, air.sim.LostSweepInterval(), func(w *watcher) {
			if w.active() {
				m.tracker.ProcessLostGattAdvertisements()
			}
		})
	}
	return nil
}

func (m *BleMedium) scanOnce(w *watcher) {
	m.device.air.ble.Range(func(mac string, d *Device) bool {
		if d == m.device || !d.adapter.IsEnabled() {
			return true
		}
		for _, pkt := range d.ble.packets() {
			if !w.active() {
				return false
			}
			p := platform.BlePeripheral{ID: mac, Name: pkt.LocalName}
			m.tracker.ProcessFoundBleAdvertisement(p, pkt, m.fetch)
		}
		return true
	})
}

// StopScanning ends the whole scan, not just serviceID's share of it.
func (m *BleMedium) StopScanning(serviceID string) error {
	m.mu.Lock()
	if _, ok := m.scanning[serviceID]; !ok {
		m.mu.Unlock()
		return platform.ErrNotFound
	}
	for id := range m.scanning {
		m.tracker.StopTracking(id)
	}
	clear(m.scanning)
	scan, sweep := m.scan, m.sweep
	m.scan, m.sweep = nil, nil
	m.mu.Unlock()

	scan.halt()
	sweep.halt()
	return nil
}

func (m *BleMedium) StartAcceptingConnections(serviceID string, cb platform.BleAcceptedConnectionCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accepting[serviceID]; ok {
		return fmt.Errorf("wire: %s already accepting BLE connections for %s", m.device.name, serviceID)
	}

	air := m.device.air
	key := serverKey(m.device.mac, serviceID)
	s, err := listenUnix(air.socketPath("ble", key), func() { air.bleServers.Delete(key) })
	if err != nil {
		return err
	}
	m.accepting[serviceID] = s
	air.bleServers.Store(key, s.path)

	go func() {
		for {
			conn, peer, err := s.accept()
			if err != nil {
				if err != platform.ErrServerClosed {
					logger.Warn(wirePrefix, "%s BLE accept for %s ended: %v", m.device.name, serviceID, err)
				}
				return
			}
			p := platform.BlePeripheral{ID: peer}
			if d, ok := air.ble.Load(peer); ok {
				p.Name = d.adapter.Name()
			}
			cb(&bleSocket{Conn: conn, remote: p}, serviceID)
		}
	}()
	return nil
}

func (m *BleMedium) StopAcceptingConnections(serviceID string) error {
	m.mu.Lock()
	s, ok := m.accepting[serviceID]
	delete(m.accepting, serviceID)
	m.mu.Unlock()
	if !ok {
		return platform.ErrNotFound
	}
	return s.Close()
}

func (m *BleMedium) Connect(peripheral platform.BlePeripheral, serviceID string, cancel *platform.CancellationFlag) (platform.BleSocket, error) {
	air := m.device.air
	path, ok := air.bleServers.Load(serverKey(peripheral.ID, serviceID))
	if !ok {
		return nil, fmt.Errorf("wire: %s is not accepting %s: %w", peripheral.ID, serviceID, platform.ErrNotFound)
	}
	conn, err := air.dialUnix(path, m.device.mac, cancel)
	if err != nil {
		return nil, err
	}
	return &bleSocket{Conn: conn, remote: peripheral}, nil
}

func (m *BleMedium) close() {
	m.mu.Lock()
	for id := range m.scanning {
		m.tracker.StopTracking(id)
	}
	clear(m.scanning)
	scan, sweep := m.scan, m.sweep
	m.scan, m.sweep = nil, nil
	servers := m.accepting
	m.accepting = make(map[string]*unixServer)
	m.mu.Unlock()

	scan.wait()
	sweep.wait()
	for _, s := range servers {
		s.Close()
	}

	m.advMu.Lock()
	clear(m.adverts)
	m.advMu.Unlock()
	m.device.air.changed(topicBle)
}

type bleSocket struct {
	net.Conn
	remote platform.BlePeripheral
}

func (s *bleSocket) RemotePeripheral() platform.BlePeripheral { return s.remote }
