package platform

import "github.com/google/uuid"

// BlePeripheral identifies a remote BLE device. ID is the platform address.
type BlePeripheral struct {
	ID   string
	Name string
}

func (p BlePeripheral) IsValid() bool {
	return p.ID != ""
}

// BleAdvertisementData is what a scanner sees over the air.
type BleAdvertisementData struct {
	LocalName   string
	ServiceData map[uuid.UUID][]byte
}

// BleDiscoveredPeripheralCallback receives scan results. advertisement is the
// raw slot payload the remote advertised for serviceID.
type BleDiscoveredPeripheralCallback struct {
	PeripheralDiscovered func(peripheral BlePeripheral, serviceID string, advertisement []byte, fast bool)
	PeripheralLost       func(peripheral BlePeripheral, serviceID string)
}

type BleSocket interface {
	Socket
	RemotePeripheral() BlePeripheral
}

type BleAcceptedConnectionCallback func(socket BleSocket, serviceID string)

type BleMedium interface {
	IsValid() bool
	// StartAdvertising publishes advertisement for serviceID. A non-nil
	// fastUUID requests the inline fast form under that service UUID.
	StartAdvertising(serviceID string, advertisement []byte, fastUUID uuid.UUID) error
	StopAdvertising(serviceID string) error
	StartScanning(serviceID string, fastUUID uuid.UUID, cb BleDiscoveredPeripheralCallback) error
	StopScanning(serviceID string) error
	StartAcceptingConnections(serviceID string, cb BleAcceptedConnectionCallback) error
	StopAcceptingConnections(serviceID string) error
	Connect(peripheral BlePeripheral, serviceID string, cancel *CancellationFlag) (BleSocket, error)
}
