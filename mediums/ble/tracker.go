package ble

import (
	"bytes"
	"sync"

	"github.com/google/uuid"

	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/metrics"
	"github.com/user/nearby-connections/platform"
)

const trackerPrefix = "tracker"

// TrackerCallback is what a scanning client hears from the tracker. Any of
// the funcs may be nil.
type TrackerCallback struct {
	PeripheralDiscovered   func(peripheral platform.BlePeripheral, serviceID string, adv Advertisement, fast bool)
	PeripheralLost         func(peripheral platform.BlePeripheral, serviceID string, adv Advertisement, fast bool)
	LegacyDeviceDiscovered func()
}

// AdvertisementFetcher reads up to numSlots GATT slots from peripheral into
// result. It runs with the tracker locked and must not call back into it.
type AdvertisementFetcher func(peripheral platform.BlePeripheral, numSlots int, serviceIDs []string, result *AdvertisementReadResult) error

type TrackerOptions struct {
	Backoff BackoffPolicy
	Metrics *metrics.Metrics
}

type serviceIDInfo struct {
	callback TrackerCallback
	lost     *LostEntityTracker[string]
	fastUUID uuid.UUID
}

type advertisementInfo struct {
	serviceID  string
	header     AdvertisementHeader
	peripheral platform.BlePeripheral
	adv        Advertisement
}

// trackerState is only touched with DiscoveredPeripheralTracker.mu held.
type trackerState struct {
	services map[string]*serviceIDInfo
	// Keyed by AdvertisementHeader.String().
	readResults map[string]*AdvertisementReadResult
	gatt        map[string]map[string]struct{}
	// Keyed by raw advertisement bytes.
	infos map[string]advertisementInfo
}

// DiscoveredPeripheralTracker turns BLE scan results into per-service
// discovered and lost events. Regular advertisers only put a header on the
// air, so the tracker decides when a GATT read is worth doing and
// remembers what it read.
type DiscoveredPeripheralTracker struct {
	opts TrackerOptions
	mu   sync.Mutex
	st   trackerState
}

func NewDiscoveredPeripheralTracker(opts TrackerOptions) *DiscoveredPeripheralTracker {
	return &DiscoveredPeripheralTracker{
		opts: opts,
		st: trackerState{
			services:    make(map[string]*serviceIDInfo),
			readResults: make(map[string]*AdvertisementReadResult),
			gatt:        make(map[string]map[string]struct{}),
			infos:       make(map[string]advertisementInfo),
		},
	}
}

// lock returns the state and a release that runs the callbacks queued with
// defer in order, after the mutex is dropped.
func (t *DiscoveredPeripheralTracker) lock() (*trackerState, *[]func(), func()) {
	t.mu.Lock()
	var pending []func()
	return &t.st, &pending, func() {
		t.mu.Unlock()
		for _, fn := range pending {
			fn()
		}
	}
}

// StartTracking registers cb for serviceID. A zero fastUUID means the
// service does not use fast advertisements.
//
// Every cached read result is dropped, not just this service's, so a
// restarted scan re-reads GATT servers it may have read before.
func (t *DiscoveredPeripheralTracker) StartTracking(serviceID string, cb TrackerCallback, fastUUID uuid.UUID) {
	st, _, unlock := t.lock()
	defer unlock()

	st.services[serviceID] = &serviceIDInfo{
		callback: cb,
		lost:     NewLostEntityTracker[string](),
		fastUUID: fastUUID,
	}
	clear(st.readResults)
	t.clearDataForServiceID(st, serviceID)
	logger.Debug(trackerPrefix, "start tracking %s fast_uuid=%s", serviceID, fastUUID)
}

func (t *DiscoveredPeripheralTracker) StopTracking(serviceID string) {
	st, _, unlock := t.lock()
	defer unlock()
	delete(st.services, serviceID)
	logger.Debug(trackerPrefix, "stop tracking %s", serviceID)
}

func (t *DiscoveredPeripheralTracker) IsTracking(serviceID string) bool {
	st, _, unlock := t.lock()
	defer unlock()
	_, ok := st.services[serviceID]
	return ok
}

// ProcessFoundBleAdvertisement handles one scan result.
func (t *DiscoveredPeripheralTracker) ProcessFoundBleAdvertisement(peripheral platform.BlePeripheral, data platform.BleAdvertisementData, fetcher AdvertisementFetcher) {
	st, pending, unlock := t.lock()
	defer unlock()

	if len(st.services) == 0 {
		return
	}
	if !peripheral.IsValid() || len(data.ServiceData) == 0 {
		logger.Trace(trackerPrefix, "ignoring scan result with no service data from %s", peripheral.ID)
		return
	}

	if isLegacyDevice(data) {
		for _, info := range st.services {
			if cb := info.callback.LegacyDeviceDiscovered; cb != nil {
				*pending = append(*pending, cb)
			}
		}
		return
	}

	t.handleFastAdvertisement(st, pending, peripheral, data)
	t.handleAdvertisementHeader(st, pending, peripheral, data, fetcher)
}

func isLegacyDevice(data platform.BleAdvertisementData) bool {
	if len(data.ServiceData) != 1 {
		return false
	}
	b, ok := data.ServiceData[CopresenceServiceUUID]
	return ok && bytes.Equal(b, LegacyDummyAdvertisement)
}

func (t *DiscoveredPeripheralTracker) handleFastAdvertisement(st *trackerState, pending *[]func(), peripheral platform.BlePeripheral, data platform.BleAdvertisementData) {
	var (
		raw         []byte
		serviceUUID uuid.UUID
	)
	for _, info := range st.services {
		if info.fastUUID == uuid.Nil {
			continue
		}
		if b, ok := data.ServiceData[info.fastUUID]; ok && len(b) > 0 {
			raw, serviceUUID = b, info.fastUUID
			break
		}
	}
	if raw == nil {
		return
	}

	// Fast advertisements carry no header, so synthesize one keyed by the
	// payload hash for the shared bookkeeping.
	header := AdvertisementHeader{
		Version:           V2,
		NumSlots:          1,
		AdvertisementHash: AdvertisementHash(raw),
	}
	key := header.String()
	if _, ok := st.readResults[key]; !ok {
		st.readResults[key] = NewAdvertisementReadResult(t.opts.Backoff)
	}
	t.handleRawGattAdvertisements(st, pending, peripheral, header, [][]byte{raw}, serviceUUID)
	t.updateCommonState(st, header)
}

func (t *DiscoveredPeripheralTracker) handleAdvertisementHeader(st *trackerState, pending *[]func(), peripheral platform.BlePeripheral, data platform.BleAdvertisementData, fetcher AdvertisementFetcher) {
	b, ok := data.ServiceData[CopresenceServiceUUID]
	if !ok {
		return
	}
	header, err := ParseAdvertisementHeader(b)
	if err != nil {
		logger.Trace(trackerPrefix, "bad header from %s: %v", peripheral.ID, err)
		return
	}

	var serviceIDs []string
	for id := range st.services {
		if header.ServiceIDBloom.PossiblyContains(id) {
			serviceIDs = append(serviceIDs, id)
		}
	}
	if len(serviceIDs) == 0 {
		return
	}

	key := header.String()
	if t.shouldRead(st, key) && fetcher != nil {
		result, ok := st.readResults[key]
		if !ok {
			result = NewAdvertisementReadResult(t.opts.Backoff)
			st.readResults[key] = result
		}
		err := fetcher(peripheral, header.NumSlots, serviceIDs, result)
		if err != nil {
			logger.Debug(trackerPrefix, "gatt read from %s failed: %v", peripheral.ID, err)
		}
		result.RecordLastReadStatus(err == nil)
		t.opts.Metrics.GattRead(err == nil)
	}

	if result, ok := st.readResults[key]; ok {
		if advs := result.Advertisements(); len(advs) > 0 {
			t.handleRawGattAdvertisements(st, pending, peripheral, header, advs, uuid.Nil)
		}
	}
	t.updateCommonState(st, header)
}

func (t *DiscoveredPeripheralTracker) shouldRead(st *trackerState, key string) bool {
	result, ok := st.readResults[key]
	if !ok {
		return true
	}
	switch status := result.EvaluateRetryStatus(); status {
	case RetryStatusPreviouslySucceeded, RetryStatusTooSoon:
		logger.Trace(trackerPrefix, "skip gatt read for %s: %s", key, status)
		return false
	default:
		return true
	}
}

type matchedAdvertisement struct {
	serviceID string
	raw       string
	adv       Advertisement
}

func (t *DiscoveredPeripheralTracker) handleRawGattAdvertisements(st *trackerState, pending *[]func(), peripheral platform.BlePeripheral, header AdvertisementHeader, raws [][]byte, serviceUUID uuid.UUID) {
	var matched []matchedAdvertisement
	for _, raw := range raws {
		adv, err := ParseAdvertisement(raw)
		if err != nil {
			logger.Trace(trackerPrefix, "dropping unparsable advertisement from %s: %v", peripheral.ID, err)
			continue
		}
		for id, info := range st.services {
			if old, ok := st.infos[string(raw)]; ok && old.adv.Version > adv.Version {
				continue
			}
			var hit bool
			if adv.Fast && serviceUUID != uuid.Nil {
				hit = info.fastUUID == serviceUUID
			} else {
				hit = bytes.Equal(ServiceIDHash(id), adv.ServiceIDHash)
			}
			if hit {
				matched = append(matched, matchedAdvertisement{serviceID: id, raw: string(raw), adv: adv})
				break
			}
		}
	}

	headerKey := header.String()
	set := make(map[string]struct{}, len(matched))
	for _, m := range matched {
		set[m.raw] = struct{}{}
		old, seen := st.infos[m.raw]
		switch {
		case !seen:
			if info, ok := st.services[m.serviceID]; ok && info.callback.PeripheralDiscovered != nil {
				cb, id, adv := info.callback.PeripheralDiscovered, m.serviceID, m.adv
				*pending = append(*pending, func() { cb(peripheral, id, adv, adv.Fast) })
			}
		case old.header.String() != headerKey:
			// Same advertisement under a newer header: the old header's read
			// is stale.
			oldKey := old.header.String()
			delete(st.readResults, oldKey)
			delete(st.gatt, oldKey)
		}
		st.infos[m.raw] = advertisementInfo{
			serviceID:  m.serviceID,
			header:     header,
			peripheral: peripheral,
			adv:        m.adv,
		}
	}
	if _, ok := st.gatt[headerKey]; !ok {
		st.gatt[headerKey] = set
	}
}

// updateCommonState marks every advertisement behind header as seen this
// sweep period.
func (t *DiscoveredPeripheralTracker) updateCommonState(st *trackerState, header AdvertisementHeader) {
	for raw := range st.gatt[header.String()] {
		info, ok := st.infos[raw]
		if !ok {
			continue
		}
		if svc, ok := st.services[info.serviceID]; ok {
			svc.lost.RecordFoundEntity(raw)
		}
	}
}

// ProcessLostGattAdvertisements reports every advertisement not seen since
// the previous call, then forgets it.
func (t *DiscoveredPeripheralTracker) ProcessLostGattAdvertisements() {
	st, pending, unlock := t.lock()
	defer unlock()

	for id, svc := range st.services {
		for _, raw := range svc.lost.ComputeLostEntities() {
			info, ok := st.infos[raw]
			if ok && info.peripheral.IsValid() && svc.callback.PeripheralLost != nil {
				cb, id := svc.callback.PeripheralLost, id
				*pending = append(*pending, func() { cb(info.peripheral, id, info.adv, info.adv.Fast) })
			}
			t.clearGattAdvertisement(st, raw)
		}
	}
}

func (t *DiscoveredPeripheralTracker) clearGattAdvertisement(st *trackerState, raw string) {
	info, ok := st.infos[raw]
	if !ok {
		return
	}
	delete(st.infos, raw)
	key := info.header.String()
	delete(st.readResults, key)
	if set, ok := st.gatt[key]; ok {
		delete(set, raw)
		if len(set) == 0 {
			delete(st.gatt, key)
		}
	}
}

func (t *DiscoveredPeripheralTracker) clearDataForServiceID(st *trackerState, serviceID string) {
	for raw, info := range st.infos {
		if info.serviceID == serviceID {
			t.clearGattAdvertisement(st, raw)
		}
	}
}

// MacAddress returns the peripheral address an advertisement was last seen
// from, or "" if the advertisement is not tracked.
func (t *DiscoveredPeripheralTracker) MacAddress(adv Advertisement) string {
	st, _, unlock := t.lock()
	defer unlock()
	if info, ok := st.infos[string(adv.Bytes())]; ok {
		return info.peripheral.ID
	}
	return ""
}
