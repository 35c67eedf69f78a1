// Package platform declares the capability surface the medium managers run on.
// A backend (the in-process radio in wire/, or the host backends under
// platform/lan, platform/bluez, platform/nm) supplies implementations.
package platform

import (
	"errors"
	"io"
)

// Medium tags the physical transport a socket or channel rides on.
type Medium int

const (
	UnknownMedium Medium = iota
	Bluetooth
	Ble
	WifiLan
	WifiHotspot
)

func (m Medium) String() string {
	switch m {
	case Bluetooth:
		return "BLUETOOTH"
	case Ble:
		return "BLE"
	case WifiLan:
		return "WIFI_LAN"
	case WifiHotspot:
		return "WIFI_HOTSPOT"
	default:
		return "UNKNOWN_MEDIUM"
	}
}

var (
	// ErrServerClosed is returned by Accept once the server socket has been
	// closed. Accept loops treat it as their only clean exit.
	ErrServerClosed = errors.New("platform: server socket closed")

	ErrCancelled   = errors.New("platform: operation cancelled")
	ErrUnavailable = errors.New("platform: medium unavailable")
	ErrNotFound    = errors.New("platform: remote not found")
)

// Socket is a connected bidirectional byte stream.
type Socket interface {
	io.ReadWriteCloser
}

// AddressedSocket is implemented by sockets that know their peer address.
type AddressedSocket interface {
	Socket
	RemoteAddress() string
}

// IPServerSocket is a listening TCP-style socket bound to an address.
type IPServerSocket interface {
	Accept() (Socket, error)
	Close() error
	IPAddress() string
	Port() int
}
