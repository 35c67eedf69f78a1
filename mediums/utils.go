// Package mediums holds one manager per radio medium. Each manager owns the
// advertise, discover and accept state for its medium, keyed by service id.
package mediums

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/user/nearby-connections/platform"
)

const (
	// MaxConcurrentAcceptLoops bounds the accept-loop workers of one manager.
	MaxConcurrentAcceptLoops = 5

	// typeFromServiceIDHashLength is how many sha256 bytes go into an mDNS
	// service type.
	typeFromServiceIDHashLength = 6
	nsdTypeFormat               = "_%s._tcp."
)

// Sha256Hash returns the first n bytes of sha256(s).
func Sha256Hash(s string, n int) []byte {
	sum := sha256.Sum256([]byte(s))
	if n > len(sum) {
		n = len(sum)
	}
	out := make([]byte, n)
	copy(out, sum[:n])
	return out
}

// GenerateServiceType derives the mDNS service type for serviceID, e.g.
// "_0A1B2C3D4E5F._tcp.".
func GenerateServiceType(serviceID string) string {
	return fmt.Sprintf(nsdTypeFormat, fmt.Sprintf("%X", Sha256Hash(serviceID, typeFromServiceIDHashLength)))
}

// GeneratePort derives a deterministic port in [r.First, r.Second) from the
// service id so peers advertising the same service land on the same port.
func GeneratePort(serviceID string, r platform.PortRange) int {
	span := r.Second - r.First
	if span <= 0 {
		return r.First
	}
	h := binary.BigEndian.Uint32(Sha256Hash(serviceID, 4))
	return r.First + int(h%uint32(span))
}

// GenerateUUIDFromString returns the version 3 UUID of md5(s), with no
// namespace prefix, used as the Bluetooth service record for a service id.
func GenerateUUIDFromString(s string) uuid.UUID {
	sum := md5.Sum([]byte(s))
	sum[6] = (sum[6] & 0x0f) | 0x30
	sum[8] = (sum[8] & 0x3f) | 0x80
	u, _ := uuid.FromBytes(sum[:])
	return u
}

// randomBytes fills n bytes from crypto/rand.
func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}
