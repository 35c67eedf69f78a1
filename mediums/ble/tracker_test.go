package ble

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/user/nearby-connections/platform"
)

var testPeripheral = platform.BlePeripheral{ID: "AA:BB:CC:DD:EE:01", Name: "phone"}

type trackerEvents struct {
	discovered []string
	lost       []string
	legacy     int
}

func (e *trackerEvents) callback() TrackerCallback {
	return TrackerCallback{
		PeripheralDiscovered: func(p platform.BlePeripheral, serviceID string, adv Advertisement, fast bool) {
			e.discovered = append(e.discovered, serviceID+":"+string(adv.Data))
		},
		PeripheralLost: func(p platform.BlePeripheral, serviceID string, adv Advertisement, fast bool) {
			e.lost = append(e.lost, serviceID+":"+string(adv.Data))
		},
		LegacyDeviceDiscovered: func() { e.legacy++ },
	}
}

// headerScan builds the scan result of a regular advertiser publishing data
// for serviceID, plus the raw slot a GATT read would return.
func headerScan(t *testing.T, serviceID, data string) (platform.BleAdvertisementData, []byte) {
	t.Helper()
	adv, err := NewAdvertisement(ServiceIDHash(serviceID), []byte(data), []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("Failed to build advertisement: %v", err)
	}
	raw := adv.Bytes()
	header := NewAdvertisementHeader([]string{serviceID}, [][]byte{raw})
	return platform.BleAdvertisementData{
		ServiceData: map[uuid.UUID][]byte{CopresenceServiceUUID: header.Bytes()},
	}, raw
}

type countingFetcher struct {
	calls int
	slots [][]byte
	err   error
}

func (f *countingFetcher) fetch(p platform.BlePeripheral, numSlots int, serviceIDs []string, result *AdvertisementReadResult) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	for i, s := range f.slots {
		if i < numSlots {
			result.AddAdvertisement(i, s)
		}
	}
	return nil
}

func TestTrackerDiscoversThroughGattRead(t *testing.T) {
	tracker := NewDiscoveredPeripheralTracker(TrackerOptions{})
	events := &trackerEvents{}
	tracker.StartTracking("svc", events.callback(), uuid.Nil)

	data, raw := headerScan(t, "svc", "endpoint-1")
	fetcher := &countingFetcher{slots: [][]byte{raw}}

	tracker.ProcessFoundBleAdvertisement(testPeripheral, data, fetcher.fetch)
	tracker.ProcessFoundBleAdvertisement(testPeripheral, data, fetcher.fetch)

	if fetcher.calls != 1 {
		t.Errorf("Expected 1 GATT read, got %d", fetcher.calls)
	}
	if len(events.discovered) != 1 || events.discovered[0] != "svc:endpoint-1" {
		t.Errorf("Expected one discovery of svc:endpoint-1, got %v", events.discovered)
	}

	adv, _ := ParseAdvertisement(raw)
	if got := tracker.MacAddress(adv); got != testPeripheral.ID {
		t.Errorf("Expected mac %s, got %q", testPeripheral.ID, got)
	}
}

func TestTrackerIgnoresUntrackedServices(t *testing.T) {
	tracker := NewDiscoveredPeripheralTracker(TrackerOptions{})
	events := &trackerEvents{}
	tracker.StartTracking("mine", events.callback(), uuid.Nil)

	data, raw := headerScan(t, "theirs", "x")
	fetcher := &countingFetcher{slots: [][]byte{raw}}
	tracker.ProcessFoundBleAdvertisement(testPeripheral, data, fetcher.fetch)

	if fetcher.calls != 0 {
		t.Errorf("Expected no GATT read for a header without tracked services, got %d", fetcher.calls)
	}
	if len(events.discovered) != 0 {
		t.Errorf("Expected no discoveries, got %v", events.discovered)
	}
}

func TestStartTrackingClearsReadResults(t *testing.T) {
	tracker := NewDiscoveredPeripheralTracker(TrackerOptions{})
	events := &trackerEvents{}
	tracker.StartTracking("s1", events.callback(), uuid.Nil)

	data, raw := headerScan(t, "s1", "endpoint-1")
	fetcher := &countingFetcher{slots: [][]byte{raw}}
	tracker.ProcessFoundBleAdvertisement(testPeripheral, data, fetcher.fetch)
	if fetcher.calls != 1 {
		t.Fatalf("Expected 1 GATT read, got %d", fetcher.calls)
	}

	// A second client starting to scan wipes the read cache even though
	// s1's read succeeded.
	tracker.StartTracking("s2", (&trackerEvents{}).callback(), uuid.Nil)
	tracker.ProcessFoundBleAdvertisement(testPeripheral, data, fetcher.fetch)
	if fetcher.calls != 2 {
		t.Errorf("Expected the read to be retried after StartTracking, got %d reads", fetcher.calls)
	}
	if len(events.discovered) != 1 {
		t.Errorf("Expected s1 to be discovered once, got %v", events.discovered)
	}

	tracker.ProcessFoundBleAdvertisement(testPeripheral, data, fetcher.fetch)
	if fetcher.calls != 2 {
		t.Errorf("Expected the cached read to be reused, got %d reads", fetcher.calls)
	}
}

func TestTrackerBacksOffFailedReads(t *testing.T) {
	clock := newFakeClock()
	tracker := NewDiscoveredPeripheralTracker(TrackerOptions{
		Backoff: BackoffPolicy{Initial: 30 * time.Second, Now: clock.Now},
	})
	events := &trackerEvents{}
	tracker.StartTracking("svc", events.callback(), uuid.Nil)

	data, raw := headerScan(t, "svc", "endpoint-1")
	fetcher := &countingFetcher{err: errors.New("gatt read failed")}

	tracker.ProcessFoundBleAdvertisement(testPeripheral, data, fetcher.fetch)
	tracker.ProcessFoundBleAdvertisement(testPeripheral, data, fetcher.fetch)
	if fetcher.calls != 1 {
		t.Errorf("Expected the second sighting to be too soon, got %d reads", fetcher.calls)
	}

	clock.Advance(30 * time.Second)
	fetcher.err = nil
	fetcher.slots = [][]byte{raw}
	tracker.ProcessFoundBleAdvertisement(testPeripheral, data, fetcher.fetch)
	if fetcher.calls != 2 {
		t.Errorf("Expected a retry after the backoff, got %d reads", fetcher.calls)
	}
	if len(events.discovered) != 1 {
		t.Errorf("Expected discovery after the successful retry, got %v", events.discovered)
	}
}

func TestTrackerReportsLost(t *testing.T) {
	tracker := NewDiscoveredPeripheralTracker(TrackerOptions{})
	events := &trackerEvents{}
	tracker.StartTracking("svc", events.callback(), uuid.Nil)

	data, raw := headerScan(t, "svc", "endpoint-1")
	fetcher := &countingFetcher{slots: [][]byte{raw}}
	tracker.ProcessFoundBleAdvertisement(testPeripheral, data, fetcher.fetch)

	tracker.ProcessLostGattAdvertisements()
	if len(events.lost) != 0 {
		t.Fatalf("Expected nothing lost right after discovery, got %v", events.lost)
	}

	tracker.ProcessLostGattAdvertisements()
	if len(events.lost) != 1 || events.lost[0] != "svc:endpoint-1" {
		t.Fatalf("Expected svc:endpoint-1 lost, got %v", events.lost)
	}

	adv, _ := ParseAdvertisement(raw)
	if got := tracker.MacAddress(adv); got != "" {
		t.Errorf("Expected lost advertisement to be forgotten, got mac %q", got)
	}

	// Seen again: a fresh read and a fresh discovery.
	tracker.ProcessFoundBleAdvertisement(testPeripheral, data, fetcher.fetch)
	if fetcher.calls != 2 {
		t.Errorf("Expected a new GATT read after loss, got %d", fetcher.calls)
	}
	if len(events.discovered) != 2 {
		t.Errorf("Expected rediscovery, got %v", events.discovered)
	}
}

func TestTrackerFastAdvertisement(t *testing.T) {
	fastUUID := uuid.MustParse("0000FE2C-0000-1000-8000-00805F9B34FB")
	tracker := NewDiscoveredPeripheralTracker(TrackerOptions{})
	events := &trackerEvents{}
	tracker.StartTracking("svc", events.callback(), fastUUID)

	adv, err := NewAdvertisement(nil, []byte("quick"), nil)
	if err != nil {
		t.Fatalf("Failed to build fast advertisement: %v", err)
	}
	data := platform.BleAdvertisementData{ServiceData: map[uuid.UUID][]byte{fastUUID: adv.Bytes()}}
	fetcher := &countingFetcher{}

	tracker.ProcessFoundBleAdvertisement(testPeripheral, data, fetcher.fetch)
	tracker.ProcessFoundBleAdvertisement(testPeripheral, data, fetcher.fetch)

	if fetcher.calls != 0 {
		t.Errorf("Expected no GATT read for a fast advertisement, got %d", fetcher.calls)
	}
	if len(events.discovered) != 1 || events.discovered[0] != "svc:quick" {
		t.Errorf("Expected one discovery of svc:quick, got %v", events.discovered)
	}
}

func TestTrackerLegacyDevice(t *testing.T) {
	tracker := NewDiscoveredPeripheralTracker(TrackerOptions{})
	a, b := &trackerEvents{}, &trackerEvents{}
	tracker.StartTracking("a", a.callback(), uuid.Nil)
	tracker.StartTracking("b", b.callback(), uuid.Nil)

	data := platform.BleAdvertisementData{ServiceData: map[uuid.UUID][]byte{CopresenceServiceUUID: LegacyDummyAdvertisement}}
	tracker.ProcessFoundBleAdvertisement(testPeripheral, data, nil)

	if a.legacy != 1 || b.legacy != 1 {
		t.Errorf("Expected every tracked service to hear about the legacy device, got %d and %d", a.legacy, b.legacy)
	}
}

func TestStopTracking(t *testing.T) {
	tracker := NewDiscoveredPeripheralTracker(TrackerOptions{})
	events := &trackerEvents{}
	tracker.StartTracking("svc", events.callback(), uuid.Nil)
	tracker.StopTracking("svc")
	if tracker.IsTracking("svc") {
		t.Error("Expected svc to be untracked")
	}

	data, raw := headerScan(t, "svc", "endpoint-1")
	fetcher := &countingFetcher{slots: [][]byte{raw}}
	tracker.ProcessFoundBleAdvertisement(testPeripheral, data, fetcher.fetch)
	if fetcher.calls != 0 || len(events.discovered) != 0 {
		t.Errorf("Expected no work after StopTracking, got %d reads and %v", fetcher.calls, events.discovered)
	}
}
