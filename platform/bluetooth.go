package platform

import "github.com/google/uuid"

// ScanMode mirrors the classic Bluetooth inquiry/page scan modes.
type ScanMode int

const (
	ScanModeUnknown ScanMode = iota
	ScanModeNone
	ScanModeConnectable
	ScanModeConnectableDiscoverable
)

func (m ScanMode) String() string {
	switch m {
	case ScanModeNone:
		return "none"
	case ScanModeConnectable:
		return "connectable"
	case ScanModeConnectableDiscoverable:
		return "connectable_discoverable"
	default:
		return "unknown"
	}
}

type BluetoothDevice struct {
	Name       string
	MacAddress string
}

func (d BluetoothDevice) IsValid() bool {
	return d.MacAddress != ""
}

type BluetoothAdapter interface {
	IsValid() bool
	IsEnabled() bool
	SetStatus(enabled bool) error
	Name() string
	SetName(name string) error
	ScanMode() ScanMode
	SetScanMode(mode ScanMode) error
	MacAddress() string
}

// BluetoothDiscoveryCallback receives inquiry results. Fields may be nil.
type BluetoothDiscoveryCallback struct {
	DeviceDiscovered  func(device BluetoothDevice)
	DeviceNameChanged func(device BluetoothDevice)
	DeviceLost        func(device BluetoothDevice)
}

type BluetoothSocket interface {
	Socket
	RemoteDevice() BluetoothDevice
}

type BluetoothServerSocket interface {
	Accept() (BluetoothSocket, error)
	Close() error
}

type BluetoothClassicMedium interface {
	IsValid() bool
	StartDiscovery(cb BluetoothDiscoveryCallback) error
	StopDiscovery() error
	ListenForService(serviceName string, serviceUUID uuid.UUID) (BluetoothServerSocket, error)
	ConnectToService(device BluetoothDevice, serviceUUID uuid.UUID, cancel *CancellationFlag) (BluetoothSocket, error)
	GetRemoteDevice(macAddress string) (BluetoothDevice, bool)
}
