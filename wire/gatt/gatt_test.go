package gatt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/user/nearby-connections/wire/att"
)

var testService = uuid.MustParse("0000FEF3-0000-1000-8000-00805F9B34FB")

func TestAdvertisementDatabaseLayout(t *testing.T) {
	db := NewAdvertisementDatabase(testService, [][]byte{[]byte("zero"), []byte("one")})

	// Service declaration plus a declaration and value per slot.
	if db.Count() != 5 {
		t.Fatalf("Expected 5 attributes, got %d", db.Count())
	}
	h, ok := db.FindCharacteristic(AdvertisementUUID(1))
	if !ok || h != 5 {
		t.Fatalf("Expected slot 1 value at handle 5, got %d (%v)", h, ok)
	}
	attr, err := db.GetAttribute(h)
	if err != nil {
		t.Fatalf("Failed to get attribute: %v", err)
	}
	if string(attr.Value) != "one" {
		t.Errorf("Expected one, got %q", attr.Value)
	}

	decl, _ := db.GetAttribute(h - 1)
	if !bytes.Equal(decl.Type, UUIDCharacteristic) || decl.Value[0] != PropRead || decl.Value[1] != 5 {
		t.Errorf("Unexpected characteristic declaration % X", decl.Value)
	}
	if _, ok := db.FindCharacteristic(AdvertisementUUID(2)); ok {
		t.Error("Expected no characteristic for slot 2")
	}
}

func TestAdvertisementUUIDPerSlot(t *testing.T) {
	if AdvertisementUUID(0) == AdvertisementUUID(1) {
		t.Error("Expected distinct UUIDs per slot")
	}
	if AdvertisementUUID(3)[15] != 3 {
		t.Errorf("Expected slot in the last byte, got %s", AdvertisementUUID(3))
	}
}

func TestReadLongOverDefaultMTU(t *testing.T) {
	long := make([]byte, 50)
	for i := range long {
		long[i] = byte(i)
	}
	exact := bytes.Repeat([]byte{0xAB}, att.DefaultMTU-1)
	db := NewAdvertisementDatabase(testService, [][]byte{long, exact})

	requests := 0
	client := att.NewClient(func(req []byte) ([]byte, error) {
		requests++
		return db.HandleRequest(req, att.DefaultMTU), nil
	}, att.DefaultMTU)

	h, _ := db.FindCharacteristic(AdvertisementUUID(0))
	got, err := client.ReadLong(h)
	if err != nil {
		t.Fatalf("Failed to read long value: %v", err)
	}
	if !bytes.Equal(got, long) {
		t.Errorf("Expected % X, got % X", long, got)
	}
	if requests != 3 {
		t.Errorf("Expected a read and two blob reads, got %d requests", requests)
	}

	h, _ = db.FindCharacteristic(AdvertisementUUID(1))
	got, err = client.ReadLong(h)
	if err != nil {
		t.Fatalf("Failed to read value of exactly one PDU: %v", err)
	}
	if !bytes.Equal(got, exact) {
		t.Errorf("Expected %d bytes, got %d", len(exact), len(got))
	}
}

func TestReadInvalidHandle(t *testing.T) {
	db := NewAdvertisementDatabase(testService, nil)
	client := att.NewClient(func(req []byte) ([]byte, error) {
		return db.HandleRequest(req, att.DefaultMTU), nil
	}, att.DefaultMTU)

	_, err := client.ReadLong(0x0042)
	var attErr *att.Error
	if !errors.As(err, &attErr) {
		t.Fatalf("Expected an ATT error, got %v", err)
	}
	if attErr.Code != att.ErrInvalidHandle || attErr.Handle != 0x0042 {
		t.Errorf("Expected Invalid Handle on 0x0042, got %v", attErr)
	}
}

func TestUnsupportedRequest(t *testing.T) {
	db := NewAdvertisementDatabase(testService, nil)
	resp := db.HandleRequest([]byte{0x12, 0x01, 0x00, 0xFF}, att.DefaultMTU)

	pkt, err := att.DecodePacket(resp)
	if err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	e, ok := pkt.(*att.ErrorResponse)
	if !ok {
		t.Fatalf("Expected error response, got %T", pkt)
	}
	if e.RequestOpcode != 0x12 || e.ErrorCode != att.ErrRequestNotSupported {
		t.Errorf("Expected Request Not Supported for 0x12, got %+v", e)
	}
}
