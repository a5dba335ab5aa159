package dht

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"math/big"
	"net"
)

// IDLength is the width of an Id in bytes: 160 bits, as used by both
// BitTorrent infohashes and Mainline DHT node ids.
const IDLength = 20

// Id is an opaque 160-bit node or target identifier.
type Id [IDLength]byte

// ZeroID is the all-zero id, used as a sentinel in places that need an
// explicitly invalid target.
var ZeroID = Id{}

// RandomID reads a uniformly random Id from r.
func RandomID(r io.Reader) (Id, error) {
	var id Id
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return id, fmt.Errorf("dht: generating random id: %w", err)
	}
	return id, nil
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// FromIPv4 derives a "secure" Id bound to ip using the BEP-42 rule: the
// leading 21 bits are taken from the CRC32C of a masked IPv4 address
// mixed with 3 random bits, the 22nd bit and the remaining interior bits
// are random, and the trailing byte is the random byte used in the mix
// (so a verifier can recompute the same CRC).
func FromIPv4(ip net.IP, r io.Reader) (Id, error) {
	v4 := ip.To4()
	if v4 == nil {
		return Id{}, fmt.Errorf("dht: %v is not an IPv4 address", ip)
	}

	var rb [1]byte
	if _, err := io.ReadFull(r, rb[:]); err != nil {
		return Id{}, fmt.Errorf("dht: generating secure id: %w", err)
	}

	var randBits [IDLength]byte
	if _, err := io.ReadFull(r, randBits[:]); err != nil {
		return Id{}, fmt.Errorf("dht: generating secure id: %w", err)
	}

	ipNum := binary.BigEndian.Uint32(v4)
	masked := (ipNum & 0x030f3fff) | (uint32(rb[0]&7) << 29)

	var maskedBytes [4]byte
	binary.BigEndian.PutUint32(maskedBytes[:], masked)
	c := crc32.Checksum(maskedBytes[:], castagnoliTable)

	var id Id
	copy(id[:], randBits[:])

	// First 21 bits come from c, bit 22 and the rest stay random.
	id[0] = byte(c >> 24)
	id[1] = byte(c >> 16)
	id[2] = (byte(c>>8) & 0xF8) | (id[2] & 0x07)
	id[IDLength-1] = rb[0]

	return id, nil
}

// IsSecureFor reports whether id satisfies the secure-id rule for ip.
func (id Id) IsSecureFor(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}

	ipNum := binary.BigEndian.Uint32(v4)
	r := id[IDLength-1]
	masked := (ipNum & 0x030f3fff) | (uint32(r&7) << 29)

	var maskedBytes [4]byte
	binary.BigEndian.PutUint32(maskedBytes[:], masked)
	c := crc32.Checksum(maskedBytes[:], castagnoliTable)

	if id[0] != byte(c>>24) || id[1] != byte(c>>16) {
		return false
	}
	return (id[2] & 0xF8) == (byte(c>>8) & 0xF8)
}

// Bytes returns the id as a byte slice.
func (id Id) Bytes() []byte { return id[:] }

// String renders the id as lowercase hex.
func (id Id) String() string { return hex.EncodeToString(id[:]) }

// HexID parses a 40-character hex string into an Id.
func HexID(s string) (Id, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Id{}, fmt.Errorf("dht: invalid id %q: %w", s, err)
	}
	if len(b) != IDLength {
		return Id{}, fmt.Errorf("dht: invalid id length %d, want %d", len(b), IDLength)
	}
	var id Id
	copy(id[:], b)
	return id, nil
}

// Distance returns the XOR distance between id and other as a big-endian
// byte array. "Closer" means numerically smaller.
func Distance(a, b Id) Id {
	var d Id
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether a is closer to target than b, breaking exact ties
// by lexical id order as required by spec.md's tie-break rule.
func Less(target, a, b Id) bool {
	c := distcmp(target, a, b)
	if c != 0 {
		return c < 0
	}
	return bytesLess(a[:], b[:])
}

// distcmp compares the XOR distance a^target and b^target, returning a
// negative number if a is closer, a positive number if b is closer, and
// zero if they're equidistant. This mirrors go-ethereum's distcmp, but
// over a raw 160-bit XOR metric instead of a Keccak-derived hash.
func distcmp(target, a, b Id) int {
	for i := range target {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}

func bytesLess(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// logdist returns the logarithmic distance between a and b, i.e. the
// number of bits in the XOR metric's most significant set bit + 1 (the
// length of the common-prefix-complement). logdist(a, a) == 0.
func logdist(a, b Id) int {
	lz := 0
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			lz += 8
			continue
		}
		lz += leadingZeros8(x)
		break
	}
	return len(a)*8 - lz
}

func leadingZeros8(x byte) int {
	n := 0
	for i := 7; i >= 0; i-- {
		if x&(1<<uint(i)) != 0 {
			break
		}
		n++
	}
	return n
}

// asBig interprets id as a big-endian unsigned integer, used by the DHT
// size estimator's order-statistic math (closest.go).
func (id Id) asBig() *big.Int {
	return new(big.Int).SetBytes(id[:])
}
