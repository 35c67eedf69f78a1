package multiplex

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// FakeSalt is carried by the receiving side's first virtual socket before it
// has learned the sender's salt.
const FakeSalt = "RECEIVER_CONDIMENT"

const saltedHashLength = sha256.Size

type FrameType int32

const (
	UnknownFrameType FrameType = iota
	ControlFrame
	DataFrame
)

type ControlFrameType int32

const (
	UnknownControlFrameType ControlFrameType = iota
	ConnectionRequest
	ConnectionResponse
	Disconnection
)

func (c ControlFrameType) String() string {
	switch c {
	case ConnectionRequest:
		return "CONNECTION_REQUEST"
	case ConnectionResponse:
		return "CONNECTION_RESPONSE"
	case Disconnection:
		return "DISCONNECTION"
	default:
		return "UNKNOWN"
	}
}

type ResponseCode int32

const (
	UnknownResponseCode ResponseCode = iota
	ConnectionAccepted
	NotListening
)

func (r ResponseCode) String() string {
	switch r {
	case ConnectionAccepted:
		return "CONNECTION_ACCEPTED"
	case NotListening:
		return "NOT_LISTENING"
	default:
		return "UNKNOWN_RESPONSE_CODE"
	}
}

// Frame is one multiplex frame. On the wire it is a protobuf message:
//
//	1: header { 1: bytes salted_service_id_hash, 2: string service_id_hash_salt }
//	2: frame_type
//	3: control_frame { 1: control_frame_type, 2: connection_response { 1: code } }
//	4: data_frame { 1: bytes data }
type Frame struct {
	SaltedHash []byte
	Salt       string
	HasSalt    bool
	Type       FrameType
	Control    ControlFrameType
	Response   ResponseCode
	Data       []byte
}

var errNotMultiplex = errors.New("multiplex: not a multiplex frame")

func (f *Frame) Marshal() []byte {
	var header []byte
	header = protowire.AppendTag(header, 1, protowire.BytesType)
	header = protowire.AppendBytes(header, f.SaltedHash)
	if f.HasSalt {
		header = protowire.AppendTag(header, 2, protowire.BytesType)
		header = protowire.AppendString(header, f.Salt)
	}

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, header)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))

	switch f.Type {
	case ControlFrame:
		var ctrl []byte
		ctrl = protowire.AppendTag(ctrl, 1, protowire.VarintType)
		ctrl = protowire.AppendVarint(ctrl, uint64(f.Control))
		if f.Control == ConnectionResponse {
			var resp []byte
			resp = protowire.AppendTag(resp, 1, protowire.VarintType)
			resp = protowire.AppendVarint(resp, uint64(f.Response))
			ctrl = protowire.AppendTag(ctrl, 2, protowire.BytesType)
			ctrl = protowire.AppendBytes(ctrl, resp)
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, ctrl)
	case DataFrame:
		var data []byte
		data = protowire.AppendTag(data, 1, protowire.BytesType)
		data = protowire.AppendBytes(data, f.Data)
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, data)
	}
	return b
}

// fieldFunc handles one field; it returns the bytes consumed or an error.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walk is strict: unknown fields or mismatched wire types reject the whole
// message, which keeps arbitrary channel payloads from parsing as frames.
func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errNotMultiplex
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errNotMultiplex
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// UnmarshalFrame parses b. Anything that is not a well-formed frame with a
// salted hash header and a known type returns an error.
func UnmarshalFrame(b []byte) (*Frame, error) {
	f := &Frame{}
	hasHeader := false
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			header, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			hasHeader = true
			return n, walk(header, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				v, n, err := consumeBytes(typ, b)
				if err != nil {
					return 0, err
				}
				switch num {
				case 1:
					f.SaltedHash = append([]byte(nil), v...)
				case 2:
					f.Salt = string(v)
					f.HasSalt = true
				default:
					return 0, errNotMultiplex
				}
				return n, nil
			})
		case 2:
			v, n, err := consumeVarint(typ, b)
			f.Type = FrameType(v)
			return n, err
		case 3:
			ctrl, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			return n, walk(ctrl, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					v, n, err := consumeVarint(typ, b)
					f.Control = ControlFrameType(v)
					return n, err
				case 2:
					resp, n, err := consumeBytes(typ, b)
					if err != nil {
						return 0, err
					}
					return n, walk(resp, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
						if num != 1 {
							return 0, errNotMultiplex
						}
						v, n, err := consumeVarint(typ, b)
						f.Response = ResponseCode(v)
						return n, err
					})
				default:
					return 0, errNotMultiplex
				}
			})
		case 4:
			data, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			return n, walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num != 1 {
					return 0, errNotMultiplex
				}
				v, n, err := consumeBytes(typ, b)
				f.Data = append([]byte(nil), v...)
				return n, err
			})
		default:
			return 0, errNotMultiplex
		}
	})
	if err != nil {
		return nil, err
	}
	if !hasHeader || len(f.SaltedHash) != saltedHashLength {
		return nil, errNotMultiplex
	}
	switch f.Type {
	case ControlFrame:
		if f.Control < ConnectionRequest || f.Control > Disconnection {
			return nil, fmt.Errorf("multiplex: bad control frame type %d", f.Control)
		}
	case DataFrame:
	default:
		return nil, errNotMultiplex
	}
	return f, nil
}

// SaltedHash is sha256(serviceID + salt).
func SaltedHash(serviceID, salt string) []byte {
	sum := sha256.Sum256([]byte(serviceID + salt))
	return sum[:]
}

// HashKey is the map key for a salted hash.
func HashKey(saltedHash []byte) string {
	return hex.EncodeToString(saltedHash)
}

func keyFor(serviceID, salt string) string {
	return HashKey(SaltedHash(serviceID, salt))
}

// GenerateSalt returns a fresh per-attempt salt.
func GenerateSalt() string {
	return uuid.NewString()
}

func newControlFrame(serviceID, salt string, ctrl ControlFrameType) *Frame {
	return &Frame{
		SaltedHash: SaltedHash(serviceID, salt),
		Salt:       salt,
		HasSalt:    true,
		Type:       ControlFrame,
		Control:    ctrl,
	}
}
