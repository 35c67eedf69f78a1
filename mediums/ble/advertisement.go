// Package ble models what Nearby Connections puts on the air over BLE: the
// per-service advertisement, the header that points scanners at a GATT
// server, and the tracker that turns raw sightings into found/lost events.
package ble

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type Version int

const (
	VersionUndefined Version = 0
	V1               Version = 1
	V2               Version = 2
)

type SocketVersion int

const (
	SocketVersionUndefined SocketVersion = 0
	SocketV1               SocketVersion = 1
	SocketV2               SocketVersion = 2
)

const (
	ServiceIDHashLength        = 3
	DeviceTokenLength          = 2
	AdvertisementHashLength    = 4
	MaxAdvertisementLength     = 512
	MaxFastAdvertisementLength = 27

	versionLength      = 1
	dataSizeLength     = 4
	fastDataSizeLength = 1

	versionBitmask       = 0xE0
	socketVersionBitmask = 0x1C
	fastFlagBitmask      = 0x02
	secondProfileBitmask = 0x01

	extraFieldPsm = 0x01
)

// CopresenceServiceUUID carries advertisement headers (and the legacy dummy
// advertisement) in service data.
var CopresenceServiceUUID = uuid.MustParse("0000FEF3-0000-1000-8000-00805F9B34FB")

// LegacyDummyAdvertisement is advertised under "<service>-Legacy" so legacy
// scanners notice the device.
var LegacyDummyAdvertisement = []byte{
	0x51, 0x43, 0x41, 0x41, 0x41, 0x42, 0x41, 0x43, 0x41, 0x41, 0x41, 0x44,
	0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41,
}

var ErrInvalidAdvertisement = errors.New("ble: invalid advertisement")

// Advertisement is one service's payload. A fast advertisement has no
// service id hash and is small enough to ride inline in the scan response.
type Advertisement struct {
	Version       Version
	SocketVersion SocketVersion
	Fast          bool
	SecondProfile bool
	ServiceIDHash []byte
	Data          []byte
	DeviceToken   []byte
	// Psm is the L2CAP channel, 0 when not advertised.
	Psm int
}

// NewAdvertisement builds a V2 advertisement. An empty serviceIDHash makes
// it a fast advertisement.
func NewAdvertisement(serviceIDHash, data, deviceToken []byte) (Advertisement, error) {
	a := Advertisement{
		Version:       V2,
		SocketVersion: SocketV2,
		Fast:          len(serviceIDHash) == 0,
		ServiceIDHash: serviceIDHash,
		Data:          data,
		DeviceToken:   deviceToken,
	}
	if err := a.validate(); err != nil {
		return Advertisement{}, err
	}
	return a, nil
}

func (a Advertisement) validate() error {
	if !a.Fast && len(a.ServiceIDHash) != ServiceIDHashLength {
		return fmt.Errorf("%w: service id hash is %d bytes", ErrInvalidAdvertisement, len(a.ServiceIDHash))
	}
	if a.Version != V1 && a.Version != V2 {
		return fmt.Errorf("%w: version %d", ErrInvalidAdvertisement, a.Version)
	}
	if a.SocketVersion != SocketV1 && a.SocketVersion != SocketV2 {
		return fmt.Errorf("%w: socket version %d", ErrInvalidAdvertisement, a.SocketVersion)
	}
	if len(a.DeviceToken) != 0 && len(a.DeviceToken) != DeviceTokenLength {
		return fmt.Errorf("%w: device token is %d bytes", ErrInvalidAdvertisement, len(a.DeviceToken))
	}
	limit := MaxAdvertisementLength
	if a.Fast {
		limit = MaxFastAdvertisementLength
	}
	if n := a.length(); n > limit {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidAdvertisement, n, limit)
	}
	return nil
}

func (a Advertisement) length() int {
	n := versionLength + len(a.Data) + len(a.DeviceToken)
	if a.Fast {
		return n + fastDataSizeLength
	}
	return n + ServiceIDHashLength + dataSizeLength
}

// Bytes serializes a, or returns nil if a is not valid.
func (a Advertisement) Bytes() []byte {
	if a.validate() != nil {
		return nil
	}
	var b bytes.Buffer
	v := byte(a.Version<<5) & versionBitmask
	v |= byte(a.SocketVersion<<2) & socketVersionBitmask
	if a.Fast {
		v |= fastFlagBitmask
	}
	if a.SecondProfile {
		v |= secondProfileBitmask
	}
	b.WriteByte(v)
	if a.Fast {
		b.WriteByte(byte(len(a.Data)))
	} else {
		b.Write(a.ServiceIDHash)
		binary.Write(&b, binary.BigEndian, uint32(len(a.Data)))
	}
	b.Write(a.Data)
	b.Write(a.DeviceToken)
	if a.Psm != 0 {
		b.WriteByte(extraFieldPsm)
		binary.Write(&b, binary.BigEndian, uint16(a.Psm))
	}
	return b.Bytes()
}

// ParseAdvertisement decodes b. A trailing device token and extra-field
// block are optional.
func ParseAdvertisement(b []byte) (Advertisement, error) {
	if len(b) < versionLength {
		return Advertisement{}, fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalidAdvertisement, versionLength, len(b))
	}
	r := bytes.NewReader(b)
	v, _ := r.ReadByte()
	a := Advertisement{
		Version:       Version((v & versionBitmask) >> 5),
		SocketVersion: SocketVersion((v & socketVersionBitmask) >> 2),
		Fast:          v&fastFlagBitmask != 0,
		SecondProfile: v&secondProfileBitmask != 0,
	}
	if a.Version != V1 && a.Version != V2 {
		return Advertisement{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidAdvertisement, a.Version)
	}
	if a.SocketVersion != SocketV1 && a.SocketVersion != SocketV2 {
		return Advertisement{}, fmt.Errorf("%w: unsupported socket version %d", ErrInvalidAdvertisement, a.SocketVersion)
	}

	var size uint32
	if a.Fast {
		s, err := r.ReadByte()
		if err != nil {
			return Advertisement{}, fmt.Errorf("%w: fast data size", ErrInvalidAdvertisement)
		}
		size = uint32(s)
	} else {
		a.ServiceIDHash = make([]byte, ServiceIDHashLength)
		if _, err := r.Read(a.ServiceIDHash); err != nil || r.Len() < dataSizeLength {
			return Advertisement{}, fmt.Errorf("%w: service id hash", ErrInvalidAdvertisement)
		}
		binary.Read(r, binary.BigEndian, &size)
	}
	if uint32(r.Len()) < size {
		return Advertisement{}, fmt.Errorf("%w: data wants %d bytes, %d left", ErrInvalidAdvertisement, size, r.Len())
	}
	a.Data = make([]byte, size)
	r.Read(a.Data)

	if r.Len() >= DeviceTokenLength {
		a.DeviceToken = make([]byte, DeviceTokenLength)
		r.Read(a.DeviceToken)
	}
	if mask, err := r.ReadByte(); err == nil && mask&extraFieldPsm != 0 {
		var psm uint16
		if err := binary.Read(r, binary.BigEndian, &psm); err != nil {
			return Advertisement{}, fmt.Errorf("%w: psm", ErrInvalidAdvertisement)
		}
		a.Psm = int(psm)
	}
	return a, nil
}

// ServiceIDHash is the first three bytes of sha256(serviceID).
func ServiceIDHash(serviceID string) []byte {
	return hashPrefix([]byte(serviceID), ServiceIDHashLength)
}

// AdvertisementHash is the first four bytes of sha256(b).
func AdvertisementHash(b []byte) []byte {
	return hashPrefix(b, AdvertisementHashLength)
}

func hashPrefix(b []byte, n int) []byte {
	sum := sha256.Sum256(b)
	out := make([]byte, n)
	copy(out, sum[:n])
	return out
}
