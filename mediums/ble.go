package mediums

import (
	"encoding/binary"
	"strconv"

	"github.com/google/uuid"

	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/mediums/ble"
	"github.com/user/nearby-connections/platform"
)

const (
	blePrefix           = "ble"
	legacyServiceSuffix = "-Legacy"
)

// BleAcceptedCallback receives every BLE socket accepted for serviceID.
type BleAcceptedCallback func(serviceID string, socket platform.BleSocket)

type bleState struct {
	advertising map[string]struct{}
	scanning    map[string]struct{}
	accepting   map[string]struct{}
}

func (s *bleState) isAdvertising(serviceID string) bool {
	_, ok := s.advertising[serviceID]
	return ok
}

func (s *bleState) isScanning(serviceID string) bool {
	_, ok := s.scanning[serviceID]
	return ok
}

func (s *bleState) isAccepting(serviceID string) bool {
	_, ok := s.accepting[serviceID]
	return ok
}

// Ble advertises service payloads over BLE, scans for other devices' and
// connects to them. Accepting is delegated to the platform medium, which
// runs its own GATT server.
type Ble struct {
	radio  *BluetoothRadio
	medium platform.BleMedium
	opts   Options
	state  guarded[bleState]
}

func NewBle(radio *BluetoothRadio, medium platform.BleMedium, opts Options) *Ble {
	m := &Ble{radio: radio, medium: medium, opts: opts}
	m.state.s = bleState{
		advertising: make(map[string]struct{}),
		scanning:    make(map[string]struct{}),
		accepting:   make(map[string]struct{}),
	}
	return m
}

func (m *Ble) isAvailable() bool {
	return m.medium != nil && m.medium.IsValid() && m.radio.IsAdapterValid() && m.radio.IsEnabled()
}

func (m *Ble) IsAvailable() bool {
	_, unlock := m.state.lock()
	defer unlock()
	return m.isAvailable()
}

// StartAdvertising puts data on the air for serviceID. A non-nil fastUUID
// selects the fast form, which drops the service id hash.
func (m *Ble) StartAdvertising(serviceID string, data []byte, fastUUID uuid.UUID) bool {
	st, unlock := m.state.lock()
	defer unlock()

	if len(data) == 0 {
		logger.Info(blePrefix, "refusing to turn on BLE advertising, empty advertisement data")
		return false
	}
	if len(data) > ble.MaxAdvertisementLength {
		logger.Info(blePrefix, "refusing to turn on BLE advertising, advertisement data too long (%d bytes, max %d)",
			len(data), ble.MaxAdvertisementLength)
		return false
	}
	if st.isAdvertising(serviceID) {
		logger.Info(blePrefix, "failed to BLE advertise %s, already advertising", serviceID)
		return false
	}
	if !m.radio.IsEnabled() {
		logger.Info(blePrefix, "can't start BLE advertising, bluetooth was never turned on")
		return false
	}
	if !m.isAvailable() {
		logger.Info(blePrefix, "can't turn on BLE advertising, BLE is not available")
		return false
	}

	var hash []byte
	if fastUUID == uuid.Nil {
		hash = ble.ServiceIDHash(serviceID)
	}
	adv, err := ble.NewAdvertisement(hash, data, deviceToken())
	if err != nil {
		logger.Info(blePrefix, "failed to BLE advertise %s: %v", serviceID, err)
		return false
	}
	if err := m.medium.StartAdvertising(serviceID, adv.Bytes(), fastUUID); err != nil {
		logger.Warn(blePrefix, "failed to BLE advertise %s: %v", serviceID, err)
		m.opts.Metrics.Advertising(platform.Ble.String(), false)
		return false
	}

	logger.Info(blePrefix, "turned BLE advertising on for %s fast=%v", serviceID, adv.Fast)
	m.opts.Metrics.Advertising(platform.Ble.String(), true)
	st.advertising[serviceID] = struct{}{}
	return true
}

func (m *Ble) StopAdvertising(serviceID string) bool {
	st, unlock := m.state.lock()
	defer unlock()
	return m.stopAdvertising(st, serviceID)
}

func (m *Ble) stopAdvertising(st *bleState, serviceID string) bool {
	if !st.isAdvertising(serviceID) {
		logger.Info(blePrefix, "can't turn off BLE advertising for %s, it is already off", serviceID)
		return false
	}
	delete(st.advertising, serviceID)
	if err := m.medium.StopAdvertising(serviceID); err != nil {
		logger.Info(blePrefix, "failed to turn off BLE advertising for %s: %v", serviceID, err)
		return false
	}
	logger.Info(blePrefix, "turned BLE advertising off for %s", serviceID)
	return true
}

func (m *Ble) IsAdvertising(serviceID string) bool {
	st, unlock := m.state.lock()
	defer unlock()
	return st.isAdvertising(serviceID)
}

// StartLegacyAdvertising advertises the fixed dummy payload that makes
// older scanners take notice. endpointID is only logged.
func (m *Ble) StartLegacyAdvertising(serviceID, endpointID string, fastUUID uuid.UUID) bool {
	st, unlock := m.state.lock()
	defer unlock()

	legacyID := serviceID + legacyServiceSuffix
	if st.isAdvertising(legacyID) {
		logger.Info(blePrefix, "failed to BLE legacy advertise %s, already advertising", serviceID)
		return false
	}
	if !m.radio.IsEnabled() {
		logger.Info(blePrefix, "can't start BLE legacy advertising, bluetooth was never turned on")
		return false
	}
	if !m.isAvailable() {
		logger.Info(blePrefix, "can't turn on BLE legacy advertising, BLE is not available")
		return false
	}
	if err := m.medium.StartAdvertising(legacyID, ble.LegacyDummyAdvertisement, fastUUID); err != nil {
		logger.Warn(blePrefix, "failed to BLE legacy advertise %s: %v", serviceID, err)
		return false
	}
	logger.Info(blePrefix, "turned BLE legacy advertising on for %s endpoint_id=%s", serviceID, endpointID)
	st.advertising[legacyID] = struct{}{}
	return true
}

func (m *Ble) StopLegacyAdvertising(serviceID string) bool {
	st, unlock := m.state.lock()
	defer unlock()
	return m.stopAdvertising(st, serviceID+legacyServiceSuffix)
}

// StartScanning looks for serviceID. cb sees the unwrapped advertisement
// data; an unparsable advertisement arrives as empty data.
func (m *Ble) StartScanning(serviceID string, fastUUID uuid.UUID, cb platform.BleDiscoveredPeripheralCallback) bool {
	st, unlock := m.state.lock()
	defer unlock()

	if serviceID == "" {
		logger.Info(blePrefix, "refusing to start BLE scanning with empty service id")
		return false
	}
	if st.isScanning(serviceID) {
		logger.Info(blePrefix, "refusing to start scan of BLE services for %s, scanning is already in progress", serviceID)
		return false
	}
	if !m.radio.IsEnabled() {
		logger.Info(blePrefix, "can't start BLE scanning, bluetooth was never turned on")
		return false
	}
	if !m.isAvailable() {
		logger.Info(blePrefix, "can't scan BLE services for %s, BLE is not available", serviceID)
		return false
	}

	wrapped := platform.BleDiscoveredPeripheralCallback{
		PeripheralDiscovered: func(peripheral platform.BlePeripheral, id string, raw []byte, fast bool) {
			if len(raw) == 0 {
				logger.Debug(blePrefix, "skipping zero-length advertisement from %s", peripheral.ID)
				return
			}
			var data []byte
			if adv, err := ble.ParseAdvertisement(raw); err == nil {
				data = adv.Data
			} else {
				logger.Debug(blePrefix, "unparsable advertisement from %s: %v", peripheral.ID, err)
			}
			m.opts.Metrics.Discovered(platform.Ble.String())
			if cb.PeripheralDiscovered != nil {
				cb.PeripheralDiscovered(peripheral, id, data, fast)
			}
		},
		PeripheralLost: cb.PeripheralLost,
	}
	if err := m.medium.StartScanning(serviceID, fastUUID, wrapped); err != nil {
		logger.Warn(blePrefix, "failed to start BLE scanning for %s: %v", serviceID, err)
		return false
	}
	logger.Info(blePrefix, "turned on BLE scanning for %s", serviceID)
	st.scanning[serviceID] = struct{}{}
	return true
}

// StopScanning stops scanning for serviceID. Every other service's scan
// bookkeeping is dropped as well, since the platform runs one scan.
func (m *Ble) StopScanning(serviceID string) bool {
	st, unlock := m.state.lock()
	defer unlock()
	return m.stopScanning(st, serviceID)
}

func (m *Ble) stopScanning(st *bleState, serviceID string) bool {
	if !st.isScanning(serviceID) {
		logger.Info(blePrefix, "can't turn off BLE scanning for %s, it is already off", serviceID)
		return false
	}
	clear(st.scanning)
	if err := m.medium.StopScanning(serviceID); err != nil {
		logger.Info(blePrefix, "failed to turn off BLE scanning for %s: %v", serviceID, err)
		return false
	}
	logger.Info(blePrefix, "turned off BLE scanning for %s", serviceID)
	return true
}

func (m *Ble) IsScanning(serviceID string) bool {
	st, unlock := m.state.lock()
	defer unlock()
	return st.isScanning(serviceID)
}

func (m *Ble) StartAcceptingConnections(serviceID string, cb BleAcceptedCallback) bool {
	st, unlock := m.state.lock()
	defer unlock()

	if serviceID == "" {
		logger.Info(blePrefix, "refusing to start accepting BLE connections with empty service id")
		return false
	}
	if st.isAccepting(serviceID) {
		logger.Info(blePrefix, "refusing to start accepting BLE connections for %s, already accepting", serviceID)
		return false
	}
	if !m.radio.IsEnabled() {
		logger.Info(blePrefix, "can't start accepting BLE connections for %s, bluetooth was never turned on", serviceID)
		return false
	}
	if !m.isAvailable() {
		logger.Info(blePrefix, "can't start accepting BLE connections for %s, BLE is not available", serviceID)
		return false
	}

	err := m.medium.StartAcceptingConnections(serviceID, func(socket platform.BleSocket, id string) {
		logger.Info(blePrefix, "accepted BLE connection for %s from %s", id, socket.RemotePeripheral().ID)
		m.opts.Metrics.Accepted(platform.Ble.String())
		if cb != nil {
			cb(id, socket)
		}
	})
	if err != nil {
		logger.Warn(blePrefix, "failed to start accepting BLE connections for %s: %v", serviceID, err)
		return false
	}
	logger.Info(blePrefix, "started accepting BLE connections for %s", serviceID)
	st.accepting[serviceID] = struct{}{}
	return true
}

func (m *Ble) StopAcceptingConnections(serviceID string) bool {
	st, unlock := m.state.lock()
	defer unlock()
	return m.stopAccepting(st, serviceID)
}

func (m *Ble) stopAccepting(st *bleState, serviceID string) bool {
	if !st.isAccepting(serviceID) {
		logger.Info(blePrefix, "can't stop accepting BLE connections for %s, it was never started", serviceID)
		return false
	}
	delete(st.accepting, serviceID)
	if err := m.medium.StopAcceptingConnections(serviceID); err != nil {
		logger.Info(blePrefix, "failed to stop accepting BLE connections for %s: %v", serviceID, err)
		return false
	}
	return true
}

func (m *Ble) IsAcceptingConnections(serviceID string) bool {
	st, unlock := m.state.lock()
	defer unlock()
	return st.isAccepting(serviceID)
}

// Connect opens a BLE socket to peripheral under the manager lock. Returns
// nil on failure.
func (m *Ble) Connect(serviceID string, peripheral platform.BlePeripheral, cancel *platform.CancellationFlag) platform.BleSocket {
	_, unlock := m.state.lock()
	defer unlock()

	if serviceID == "" {
		logger.Info(blePrefix, "refusing to create BLE socket with empty service id")
		return nil
	}
	if !m.radio.IsEnabled() {
		logger.Info(blePrefix, "can't create client BLE socket to %s, bluetooth is not enabled", peripheral.ID)
		return nil
	}
	if !m.isAvailable() {
		logger.Info(blePrefix, "can't create client BLE socket to %s, BLE isn't available", peripheral.ID)
		return nil
	}
	if cancel.Cancelled() {
		logger.Info(blePrefix, "can't create client BLE socket to %s due to cancel", peripheral.ID)
		return nil
	}
	socket, err := m.medium.Connect(peripheral, serviceID, cancel)
	if err != nil {
		logger.Info(blePrefix, "failed to connect to BLE peripheral %s for %s: %v", peripheral.ID, serviceID, err)
		m.opts.Metrics.ConnectAttempt(platform.Ble.String(), false)
		return nil
	}
	m.opts.Metrics.ConnectAttempt(platform.Ble.String(), true)
	return socket
}

// Close stops scanning, accepting and advertising for every service.
func (m *Ble) Close() {
	st, unlock := m.state.lock()
	defer unlock()
	for id := range st.scanning {
		m.stopScanning(st, id)
	}
	for id := range st.accepting {
		m.stopAccepting(st, id)
	}
	for id := range st.advertising {
		m.stopAdvertising(st, id)
	}
}

// deviceToken is two bytes of sha256 over a random number, fresh per
// advertisement.
func deviceToken() []byte {
	n := binary.BigEndian.Uint32(randomBytes(4))
	return Sha256Hash(strconv.FormatUint(uint64(n), 10), ble.DeviceTokenLength)
}
