package ble

import (
	"bytes"
	"errors"
	"testing"
)

func TestAdvertisementLayout(t *testing.T) {
	hash := ServiceIDHash("com.example.chat")
	adv, err := NewAdvertisement(hash, []byte("hello"), []byte{0xAB, 0xCD})
	if err != nil {
		t.Fatalf("Failed to build advertisement: %v", err)
	}
	b := adv.Bytes()

	// version byte, hash, uint32 size, data, token
	if len(b) != 1+3+4+5+2 {
		t.Fatalf("Expected 15 bytes, got %d", len(b))
	}
	if b[0] != 0x48 {
		t.Errorf("Expected version byte 0x48, got %#x", b[0])
	}
	if !bytes.Equal(b[1:4], hash) {
		t.Errorf("Expected service id hash %x, got %x", hash, b[1:4])
	}
	if !bytes.Equal(b[4:8], []byte{0, 0, 0, 5}) {
		t.Errorf("Expected big-endian size 5, got %x", b[4:8])
	}

	parsed, err := ParseAdvertisement(b)
	if err != nil {
		t.Fatalf("Failed to parse advertisement: %v", err)
	}
	if parsed.Fast || !bytes.Equal(parsed.Data, []byte("hello")) || !bytes.Equal(parsed.DeviceToken, []byte{0xAB, 0xCD}) {
		t.Errorf("Expected parsed advertisement to match, got %+v", parsed)
	}
}

func TestFastAdvertisement(t *testing.T) {
	adv, err := NewAdvertisement(nil, []byte("hi"), nil)
	if err != nil {
		t.Fatalf("Failed to build fast advertisement: %v", err)
	}
	b := adv.Bytes()
	if len(b) != 1+1+2 {
		t.Fatalf("Expected 4 bytes, got %d", len(b))
	}
	if b[0]&0x02 == 0 {
		t.Error("Expected fast flag to be set")
	}

	parsed, err := ParseAdvertisement(b)
	if err != nil {
		t.Fatalf("Failed to parse fast advertisement: %v", err)
	}
	if !parsed.Fast || len(parsed.ServiceIDHash) != 0 || string(parsed.Data) != "hi" {
		t.Errorf("Expected fast advertisement with data hi, got %+v", parsed)
	}

	if _, err := NewAdvertisement(nil, make([]byte, 30), nil); !errors.Is(err, ErrInvalidAdvertisement) {
		t.Errorf("Expected oversized fast advertisement to be rejected, got %v", err)
	}
}

func TestAdvertisementPsmExtraField(t *testing.T) {
	adv, err := NewAdvertisement(ServiceIDHash("svc"), []byte{1}, []byte{2, 3})
	if err != nil {
		t.Fatalf("Failed to build advertisement: %v", err)
	}
	adv.Psm = 0x1001
	parsed, err := ParseAdvertisement(adv.Bytes())
	if err != nil {
		t.Fatalf("Failed to parse advertisement: %v", err)
	}
	if parsed.Psm != 0x1001 {
		t.Errorf("Expected psm 0x1001, got %#x", parsed.Psm)
	}
}

func TestParseAdvertisementRejects(t *testing.T) {
	cases := map[string][]byte{
		"empty":       nil,
		"version 3":   {0x68, 1, 2, 3, 0, 0, 0, 0},
		"short hash":  {0x48, 1},
		"short data":  {0x48, 1, 2, 3, 0, 0, 0, 9, 1},
		"socket zero": {0x40, 1, 2, 3, 0, 0, 0, 0},
	}
	for name, b := range cases {
		if _, err := ParseAdvertisement(b); !errors.Is(err, ErrInvalidAdvertisement) {
			t.Errorf("%s: expected ErrInvalidAdvertisement, got %v", name, err)
		}
	}
}

func TestAdvertisementHeader(t *testing.T) {
	header := NewAdvertisementHeader([]string{"svc-a", "svc-b"}, [][]byte{{1, 2}, {3}})
	b := header.Bytes()
	if len(b) != AdvertisementHeaderLength {
		t.Fatalf("Expected %d header bytes, got %d", AdvertisementHeaderLength, len(b))
	}
	if b[0] != 0x42 {
		t.Errorf("Expected version/slots byte 0x42, got %#x", b[0])
	}

	parsed, err := ParseAdvertisementHeader(b)
	if err != nil {
		t.Fatalf("Failed to parse header: %v", err)
	}
	if parsed.String() != header.String() {
		t.Errorf("Expected header %s, got %s", header, parsed)
	}
	if !parsed.ServiceIDBloom.PossiblyContains("svc-a") || !parsed.ServiceIDBloom.PossiblyContains("svc-b") {
		t.Error("Expected bloom filter to contain both service ids")
	}
	if !bytes.Equal(parsed.AdvertisementHash, AdvertisementHash([]byte{1, 2, 3})) {
		t.Errorf("Expected hash over concatenated slots, got %x", parsed.AdvertisementHash)
	}

	if _, err := ParseAdvertisementHeader(b[:10]); err == nil {
		t.Error("Expected short header to be rejected")
	}
}

func TestBloomFilterEmpty(t *testing.T) {
	var f BloomFilter
	if f.PossiblyContains("anything") {
		t.Error("Expected empty filter to contain nothing")
	}
	f.Add("anything")
	if !NewBloomFilter(f.Bytes()).PossiblyContains("anything") {
		t.Error("Expected filter rebuilt from bytes to keep its contents")
	}
}
