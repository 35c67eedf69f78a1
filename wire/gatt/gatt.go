// Package gatt builds the attribute table an advertiser exposes for its
// advertisement slots and answers ATT reads against it.
package gatt

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/user/nearby-connections/wire/att"
)

// Well-known GATT UUIDs (16-bit, little-endian)
var (
	UUIDPrimaryService = []byte{0x00, 0x28} // 0x2800
	UUIDCharacteristic = []byte{0x03, 0x28} // 0x2803
)

// Characteristic Properties (bitmask)
const (
	PropRead = 0x02
)

// Attribute permissions (not transmitted over the air, server-side only)
const (
	PermReadable = 0x01
)

// advertisementUUIDBase is the characteristic UUID of slot 0; slot n sets
// the last byte to n.
var advertisementUUIDBase = uuid.MustParse("00000000-0000-3000-8000-000000000000")

// AdvertisementUUID is the characteristic holding slot's advertisement.
func AdvertisementUUID(slot int) uuid.UUID {
	u := advertisementUUIDBase
	u[15] = byte(slot)
	return u
}

// leUUID is the on-air (little-endian) form of u.
func leUUID(u uuid.UUID) []byte {
	b := slices.Clone(u[:])
	slices.Reverse(b)
	return b
}

// Attribute represents a single GATT attribute with a handle
type Attribute struct {
	Handle      uint16 // ATT handle (1-based, 0x0000 is reserved)
	Type        []byte // UUID (2 or 16 bytes)
	Value       []byte
	Permissions uint8
}

// Database is an immutable attribute table. Handles are assigned in order
// starting at 1.
type Database struct {
	attributes []Attribute
	// characteristic UUID -> value handle
	values map[uuid.UUID]uint16
}

// NewAdvertisementDatabase lays out one primary service, service, with a
// read-only characteristic per slot.
func NewAdvertisementDatabase(service uuid.UUID, slots [][]byte) *Database {
	db := &Database{values: make(map[uuid.UUID]uint16)}
	db.add(UUIDPrimaryService, leUUID(service), PermReadable)
	for i, slot := range slots {
		charUUID := AdvertisementUUID(i)
		valueHandle := uint16(len(db.attributes)) + 2

		decl := make([]byte, 3, 3+16)
		decl[0] = PropRead
		binary.LittleEndian.PutUint16(decl[1:3], valueHandle)
		decl = append(decl, leUUID(charUUID)...)
		db.add(UUIDCharacteristic, decl, PermReadable)

		db.add(leUUID(charUUID), slot, PermReadable)
		db.values[charUUID] = valueHandle
	}
	return db
}

func (db *Database) add(attrType, value []byte, perms uint8) {
	db.attributes = append(db.attributes, Attribute{
		Handle:      uint16(len(db.attributes)) + 1,
		Type:        attrType,
		Value:       slices.Clone(value),
		Permissions: perms,
	})
}

func (db *Database) Count() int { return len(db.attributes) }

// GetAttribute retrieves an attribute by handle
func (db *Database) GetAttribute(handle uint16) (*Attribute, error) {
	if handle == 0 || int(handle) > len(db.attributes) {
		return nil, fmt.Errorf("invalid handle: 0x%04X", handle)
	}
	return &db.attributes[handle-1], nil
}

// FindCharacteristic returns the value handle of characteristic charUUID.
func (db *Database) FindCharacteristic(charUUID uuid.UUID) (uint16, bool) {
	h, ok := db.values[charUUID]
	return h, ok
}

// HandleRequest answers one ATT request PDU. Errors come back as Error
// Response PDUs, never as Go errors.
func (db *Database) HandleRequest(req []byte, mtu int) []byte {
	if mtu < att.DefaultMTU {
		mtu = att.DefaultMTU
	}
	fail := func(op uint8, handle uint16, code uint8) []byte {
		b, _ := att.EncodePacket(&att.ErrorResponse{RequestOpcode: op, Handle: handle, ErrorCode: code})
		return b
	}

	pkt, err := att.DecodePacket(req)
	if err != nil {
		var op uint8
		if len(req) > 0 {
			op = req[0]
		}
		return fail(op, 0, att.ErrRequestNotSupported)
	}

	var (
		op     uint8
		handle uint16
		offset int
	)
	switch p := pkt.(type) {
	case *att.ReadRequest:
		op, handle = att.OpReadRequest, p.Handle
	case *att.ReadBlobRequest:
		op, handle, offset = att.OpReadBlobRequest, p.Handle, int(p.Offset)
	default:
		return fail(req[0], 0, att.ErrRequestNotSupported)
	}

	attr, err := db.GetAttribute(handle)
	if err != nil {
		return fail(op, handle, att.ErrInvalidHandle)
	}
	if attr.Permissions&PermReadable == 0 {
		return fail(op, handle, att.ErrReadNotPermitted)
	}
	if offset > len(attr.Value) {
		return fail(op, handle, att.ErrInvalidOffset)
	}
	if op == att.OpReadBlobRequest && len(attr.Value) <= mtu-1 {
		return fail(op, handle, att.ErrAttributeNotLong)
	}

	value := attr.Value[offset:]
	if len(value) > mtu-1 {
		value = value[:mtu-1]
	}
	var resp any = &att.ReadResponse{Value: value}
	if op == att.OpReadBlobRequest {
		resp = &att.ReadBlobResponse{Value: value}
	}
	b, _ := att.EncodePacket(resp)
	return b
}
