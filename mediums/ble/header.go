package ble

import (
	"encoding/base64"
	"fmt"
)

const (
	AdvertisementHeaderLength = 1 + BloomFilterLength + AdvertisementHashLength
	maxSlots                  = 0x1F
)

// AdvertisementHeader is what a regular (non-fast) advertiser puts on the
// air: enough for a scanner to decide whether to read the GATT slots.
type AdvertisementHeader struct {
	Version           Version
	NumSlots          int
	ServiceIDBloom    BloomFilter
	AdvertisementHash []byte
}

func (h AdvertisementHeader) IsValid() bool {
	return (h.Version == V1 || h.Version == V2) &&
		h.NumSlots >= 0 && h.NumSlots <= maxSlots &&
		len(h.AdvertisementHash) == AdvertisementHashLength
}

func (h AdvertisementHeader) Bytes() []byte {
	if !h.IsValid() {
		return nil
	}
	out := make([]byte, 0, AdvertisementHeaderLength)
	out = append(out, byte(h.Version<<5)&versionBitmask|byte(h.NumSlots)&maxSlots)
	out = append(out, h.ServiceIDBloom.Bytes()...)
	return append(out, h.AdvertisementHash...)
}

// String is the base64 encoding of Bytes, used as a map key.
func (h AdvertisementHeader) String() string {
	return base64.StdEncoding.EncodeToString(h.Bytes())
}

func ParseAdvertisementHeader(b []byte) (AdvertisementHeader, error) {
	if len(b) != AdvertisementHeaderLength {
		return AdvertisementHeader{}, fmt.Errorf("%w: header is %d bytes, want %d", ErrInvalidAdvertisement, len(b), AdvertisementHeaderLength)
	}
	h := AdvertisementHeader{
		Version:           Version((b[0] & versionBitmask) >> 5),
		NumSlots:          int(b[0] & maxSlots),
		ServiceIDBloom:    NewBloomFilter(b[1 : 1+BloomFilterLength]),
		AdvertisementHash: append([]byte(nil), b[1+BloomFilterLength:]...),
	}
	if !h.IsValid() {
		return AdvertisementHeader{}, fmt.Errorf("%w: header version %d", ErrInvalidAdvertisement, h.Version)
	}
	return h, nil
}

// NewAdvertisementHeader builds the V2 header advertising serviceIDs and
// the given slot payloads.
func NewAdvertisementHeader(serviceIDs []string, slots [][]byte) AdvertisementHeader {
	var bloom BloomFilter
	for _, id := range serviceIDs {
		bloom.Add(id)
	}
	var all []byte
	for _, s := range slots {
		all = append(all, s...)
	}
	return AdvertisementHeader{
		Version:           V2,
		NumSlots:          len(slots),
		ServiceIDBloom:    bloom,
		AdvertisementHash: AdvertisementHash(all),
	}
}
