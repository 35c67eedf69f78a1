package att

import (
	"errors"
	"fmt"
)

// Transport carries one request PDU to the server and returns its
// response PDU.
type Transport func(request []byte) ([]byte, error)

// Client reads attributes over a Transport.
type Client struct {
	transport Transport
	mtu       int
}

func NewClient(t Transport, mtu int) *Client {
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	return &Client{transport: t, mtu: mtu}
}

func (c *Client) roundTrip(req any) (any, error) {
	b, err := EncodePacket(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.transport(b)
	if err != nil {
		return nil, err
	}
	pkt, err := DecodePacket(resp)
	if err != nil {
		return nil, err
	}
	if e, ok := pkt.(*ErrorResponse); ok {
		return nil, &Error{RequestOpcode: e.RequestOpcode, Handle: e.Handle, Code: e.ErrorCode}
	}
	return pkt, nil
}

// ReadLong reads the whole value at handle: one Read Request, then Read
// Blob Requests while the server keeps filling the PDU.
func (c *Client) ReadLong(handle uint16) ([]byte, error) {
	pkt, err := c.roundTrip(&ReadRequest{Handle: handle})
	if err != nil {
		return nil, err
	}
	first, ok := pkt.(*ReadResponse)
	if !ok {
		return nil, fmt.Errorf("%w: expected read response, got %T", ErrMalformed, pkt)
	}

	value := first.Value
	chunk := c.mtu - 1
	for last := len(first.Value); last == chunk; {
		pkt, err := c.roundTrip(&ReadBlobRequest{Handle: handle, Offset: uint16(len(value))})
		if err != nil {
			var attErr *Error
			if errors.As(err, &attErr) && (attErr.Code == ErrAttributeNotLong || attErr.Code == ErrInvalidOffset) {
				break
			}
			return nil, err
		}
		blob, ok := pkt.(*ReadBlobResponse)
		if !ok {
			return nil, fmt.Errorf("%w: expected read blob response, got %T", ErrMalformed, pkt)
		}
		value = append(value, blob.Value...)
		last = len(blob.Value)
	}
	return value, nil
}
