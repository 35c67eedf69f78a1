// Package advertising encodes what a simulated BLE peripheral puts on the
// air as EIR/AD structures: one TLV per local name or service data entry.
package advertising

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/user/nearby-connections/platform"
)

// AD Types (Advertising Data Types) - EIR/AD format
const (
	ADTypeFlags                      = 0x01 // Flags
	ADTypeComplete128BitServiceUUIDs = 0x07 // Complete List of 128-bit Service UUIDs
	ADTypeShortenedLocalName         = 0x08 // Shortened Local Name
	ADTypeCompleteLocalName          = 0x09 // Complete Local Name
	ADTypeServiceData16Bit           = 0x16 // Service Data - 16-bit UUID
	ADTypeServiceData128Bit          = 0x21 // Service Data - 128-bit UUID
	ADTypeManufacturerSpecificData   = 0xFF // Manufacturer Specific Data
)

// Advertising Flags (used in ADTypeFlags)
const (
	FlagLEGeneralDiscoverableMode = 0x02 // LE General Discoverable Mode
	FlagBREDRNotSupported         = 0x04 // BR/EDR Not Supported
)

const (
	MaxLegacyDataLen   = 31   // BLE 4.x advertising data limit
	MaxExtendedDataLen = 1650 // BLE 5 extended advertising data limit
	uuidLen            = 16
)

var ErrMalformed = errors.New("advertising: malformed AD structures")

// ADStructure represents a single TLV (Type-Length-Value) structure in advertising data
// Format: [Length: 1 byte] [Type: 1 byte] [Data: N bytes]
// Note: Length includes the Type byte but not itself
type ADStructure struct {
	Type byte   // AD Type (flags, service data, etc.)
	Data []byte // AD Data
}

// EncodeADStructures encodes structures into one advertising payload no
// longer than limit.
func EncodeADStructures(structures []ADStructure, limit int) ([]byte, error) {
	var buf []byte

	for _, s := range structures {
		// Length = 1 (type byte) + len(data)
		length := 1 + len(s.Data)
		if length > 255 {
			return nil, fmt.Errorf("AD structure too long: %d bytes (max 255)", length)
		}

		buf = append(buf, byte(length))
		buf = append(buf, s.Type)
		buf = append(buf, s.Data...)
	}

	if len(buf) > limit {
		return nil, fmt.Errorf("total advertising data exceeds %d bytes: %d", limit, len(buf))
	}

	return buf, nil
}

// DecodeADStructures parses advertising data into individual AD structures
func DecodeADStructures(data []byte) ([]ADStructure, error) {
	var structures []ADStructure
	offset := 0

	for offset < len(data) {
		length := int(data[offset])
		if length == 0 {
			// Padding or end of data
			break
		}

		offset++
		if offset+length > len(data) {
			return nil, fmt.Errorf("%w: length=%d, remaining=%d", ErrMalformed, length, len(data)-offset)
		}

		adType := data[offset]
		offset++
		adData := make([]byte, length-1)
		copy(adData, data[offset:offset+length-1])
		offset += length - 1

		structures = append(structures, ADStructure{
			Type: adType,
			Data: adData,
		})
	}

	return structures, nil
}

func NewFlagsAD(flags byte) ADStructure {
	return ADStructure{
		Type: ADTypeFlags,
		Data: []byte{flags},
	}
}

func NewCompleteLocalNameAD(name string) ADStructure {
	return ADStructure{
		Type: ADTypeCompleteLocalName,
		Data: []byte(name),
	}
}

// NewServiceData128BitAD carries data under id. UUIDs go on the air
// little-endian.
func NewServiceData128BitAD(id uuid.UUID, data []byte) ADStructure {
	payload := make([]byte, uuidLen+len(data))
	le := id
	slices.Reverse(le[:])
	copy(payload, le[:])
	copy(payload[uuidLen:], data)
	return ADStructure{
		Type: ADTypeServiceData128Bit,
		Data: payload,
	}
}

// GetLocalName extracts the local name from AD structures (complete or shortened)
func GetLocalName(structures []ADStructure) string {
	for _, s := range structures {
		if s.Type == ADTypeCompleteLocalName || s.Type == ADTypeShortenedLocalName {
			return string(s.Data)
		}
	}
	return ""
}

// GetServiceData128Bit collects every 128-bit service data entry. A later
// entry for the same UUID wins.
func GetServiceData128Bit(structures []ADStructure) map[uuid.UUID][]byte {
	out := make(map[uuid.UUID][]byte)
	for _, s := range structures {
		if s.Type != ADTypeServiceData128Bit || len(s.Data) < uuidLen {
			continue
		}
		var id uuid.UUID
		copy(id[:], s.Data[:uuidLen])
		slices.Reverse(id[:])
		out[id] = s.Data[uuidLen:]
	}
	return out
}

// Encode serializes data as flags, complete local name and one service data
// structure per UUID, in UUID order.
func Encode(data platform.BleAdvertisementData) ([]byte, error) {
	structures := []ADStructure{NewFlagsAD(FlagLEGeneralDiscoverableMode | FlagBREDRNotSupported)}
	if data.LocalName != "" {
		structures = append(structures, NewCompleteLocalNameAD(data.LocalName))
	}
	ids := make([]uuid.UUID, 0, len(data.ServiceData))
	for id := range data.ServiceData {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	for _, id := range ids {
		structures = append(structures, NewServiceData128BitAD(id, data.ServiceData[id]))
	}
	return EncodeADStructures(structures, MaxExtendedDataLen)
}

// Decode is the inverse of Encode. Unknown AD types are skipped.
func Decode(b []byte) (platform.BleAdvertisementData, error) {
	structures, err := DecodeADStructures(b)
	if err != nil {
		return platform.BleAdvertisementData{}, err
	}
	return platform.BleAdvertisementData{
		LocalName:   GetLocalName(structures),
		ServiceData: GetServiceData128Bit(structures),
	}, nil
}

// ADTypeName returns a human-readable name for an AD type
func ADTypeName(adType byte) string {
	switch adType {
	case ADTypeFlags:
		return "Flags"
	case ADTypeComplete128BitServiceUUIDs:
		return "Complete 128-bit Service UUIDs"
	case ADTypeShortenedLocalName:
		return "Shortened Local Name"
	case ADTypeCompleteLocalName:
		return "Complete Local Name"
	case ADTypeServiceData16Bit:
		return "Service Data - 16-bit UUID"
	case ADTypeServiceData128Bit:
		return "Service Data - 128-bit UUID"
	case ADTypeManufacturerSpecificData:
		return "Manufacturer Specific Data"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", adType)
	}
}
