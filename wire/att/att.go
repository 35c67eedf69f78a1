// Package att encodes the Attribute Protocol PDUs a scanner needs to read
// advertisement slots from a GATT server: Read, Read Blob and their
// responses, and Error Response.
package att

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ATT Opcodes (Bluetooth Core Spec v5.3 Vol 3, Part F, Section 3.4)
const (
	OpErrorResponse    = 0x01
	OpReadRequest      = 0x0A
	OpReadResponse     = 0x0B
	OpReadBlobRequest  = 0x0C
	OpReadBlobResponse = 0x0D
)

// ATT Error Codes (Bluetooth Core Spec v5.3 Vol 3, Part F, Section 3.4.1.1)
const (
	ErrInvalidHandle       = 0x01
	ErrReadNotPermitted    = 0x02
	ErrInvalidPDU          = 0x04
	ErrRequestNotSupported = 0x06
	ErrInvalidOffset       = 0x07
	ErrAttributeNotFound   = 0x0A
	ErrAttributeNotLong    = 0x0B
)

// DefaultMTU is the ATT_MTU before any exchange.
const DefaultMTU = 23

var ErrMalformed = errors.New("att: malformed PDU")

// Error is an Error Response turned into a Go error.
type Error struct {
	RequestOpcode uint8
	Handle        uint16
	Code          uint8
}

func (e *Error) Error() string {
	return fmt.Sprintf("att: %s for opcode 0x%02X on handle 0x%04X", ErrorName(e.Code), e.RequestOpcode, e.Handle)
}

func ErrorName(code uint8) string {
	switch code {
	case ErrInvalidHandle:
		return "Invalid Handle"
	case ErrReadNotPermitted:
		return "Read Not Permitted"
	case ErrInvalidPDU:
		return "Invalid PDU"
	case ErrRequestNotSupported:
		return "Request Not Supported"
	case ErrInvalidOffset:
		return "Invalid Offset"
	case ErrAttributeNotFound:
		return "Attribute Not Found"
	case ErrAttributeNotLong:
		return "Attribute Not Long"
	default:
		return fmt.Sprintf("Unknown Error (0x%02X)", code)
	}
}

// Read Request (Opcode 0x0A)
type ReadRequest struct {
	Handle uint16
}

// Read Response (Opcode 0x0B)
type ReadResponse struct {
	Value []byte
}

// Read Blob Request (Opcode 0x0C)
type ReadBlobRequest struct {
	Handle uint16
	Offset uint16
}

// Read Blob Response (Opcode 0x0D)
type ReadBlobResponse struct {
	Value []byte
}

// Error Response (Opcode 0x01)
type ErrorResponse struct {
	RequestOpcode uint8
	Handle        uint16
	ErrorCode     uint8
}

// EncodePacket encodes an ATT packet to binary format
func EncodePacket(pkt any) ([]byte, error) {
	switch p := pkt.(type) {
	case *ErrorResponse:
		buf := make([]byte, 5)
		buf[0] = OpErrorResponse
		buf[1] = p.RequestOpcode
		binary.LittleEndian.PutUint16(buf[2:4], p.Handle)
		buf[4] = p.ErrorCode
		return buf, nil

	case *ReadRequest:
		buf := make([]byte, 3)
		buf[0] = OpReadRequest
		binary.LittleEndian.PutUint16(buf[1:3], p.Handle)
		return buf, nil

	case *ReadResponse:
		return append([]byte{OpReadResponse}, p.Value...), nil

	case *ReadBlobRequest:
		buf := make([]byte, 5)
		buf[0] = OpReadBlobRequest
		binary.LittleEndian.PutUint16(buf[1:3], p.Handle)
		binary.LittleEndian.PutUint16(buf[3:5], p.Offset)
		return buf, nil

	case *ReadBlobResponse:
		return append([]byte{OpReadBlobResponse}, p.Value...), nil

	default:
		return nil, fmt.Errorf("att: cannot encode %T", pkt)
	}
}

// DecodePacket decodes binary data to an ATT packet
func DecodePacket(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}
	body := data[1:]
	switch data[0] {
	case OpErrorResponse:
		if len(body) != 4 {
			return nil, fmt.Errorf("%w: error response is %d bytes", ErrMalformed, len(data))
		}
		return &ErrorResponse{
			RequestOpcode: body[0],
			Handle:        binary.LittleEndian.Uint16(body[1:3]),
			ErrorCode:     body[3],
		}, nil

	case OpReadRequest:
		if len(body) != 2 {
			return nil, fmt.Errorf("%w: read request is %d bytes", ErrMalformed, len(data))
		}
		return &ReadRequest{Handle: binary.LittleEndian.Uint16(body)}, nil

	case OpReadResponse:
		return &ReadResponse{Value: append([]byte(nil), body...)}, nil

	case OpReadBlobRequest:
		if len(body) != 4 {
			return nil, fmt.Errorf("%w: read blob request is %d bytes", ErrMalformed, len(data))
		}
		return &ReadBlobRequest{
			Handle: binary.LittleEndian.Uint16(body[0:2]),
			Offset: binary.LittleEndian.Uint16(body[2:4]),
		}, nil

	case OpReadBlobResponse:
		return &ReadBlobResponse{Value: append([]byte(nil), body...)}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported opcode 0x%02X", ErrMalformed, data[0])
	}
}
