package dht

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/crypto/ed25519"
)

// Mutable record errors (spec.md §7).
var (
	ErrInvalidMutableSignature = errors.New("dht: invalid mutable item signature")
	ErrInvalidMutableTarget    = errors.New("dht: mutable item target does not match its public key and salt")
	ErrInvalidImmutable        = errors.New("dht: immutable value does not hash to its target")
)

// MutableItem is a BEP-44 mutable record: an Ed25519-signed, optionally
// salted, sequence-numbered value.
type MutableItem struct {
	Target    Id
	PublicKey [ed25519.PublicKeySize]byte
	Seq       int64
	Value     []byte
	Signature [ed25519.SignatureSize]byte
	Salt      []byte
	Cas       *int64 // compare-and-swap guard; never part of the signed payload
}

// TargetFromKey computes the storage target for a public key and
// optional salt: SHA1(public_key || salt?), independent of value, seq
// and signature (spec.md invariant 9).
func TargetFromKey(publicKey []byte, salt []byte) Id {
	h := sha1.New()
	h.Write(publicKey)
	h.Write(salt)
	var id Id
	copy(id[:], h.Sum(nil))
	return id
}

// EncodeSignable produces the canonical byte string a mutable item's
// signature covers (spec.md §6):
//
//	( "4:salt" <len> ":" <salt> )? "3:seqi" <seq> "e1:v" <len> ":" <value>
func EncodeSignable(seq int64, value []byte, salt []byte) []byte {
	var buf bytes.Buffer
	if len(salt) > 0 {
		buf.WriteString("4:salt")
		buf.WriteString(strconv.Itoa(len(salt)))
		buf.WriteByte(':')
		buf.Write(salt)
	}
	buf.WriteString("3:seqi")
	buf.WriteString(strconv.FormatInt(seq, 10))
	buf.WriteString("e1:v")
	buf.WriteString(strconv.Itoa(len(value)))
	buf.WriteByte(':')
	buf.Write(value)
	return buf.Bytes()
}

// NewMutableItem signs value at sequence seq under priv, optionally
// salted, producing a MutableItem ready to be stored.
func NewMutableItem(priv ed25519.PrivateKey, seq int64, value []byte, salt []byte, cas *int64) (*MutableItem, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("dht: signing key has no ed25519 public key")
	}

	signable := EncodeSignable(seq, value, salt)
	sig := ed25519.Sign(priv, signable)

	item := &MutableItem{
		Target: TargetFromKey(pub, salt),
		Seq:    seq,
		Value:  append([]byte(nil), value...),
		Salt:   append([]byte(nil), salt...),
		Cas:    cas,
	}
	copy(item.PublicKey[:], pub)
	copy(item.Signature[:], sig)
	return item, nil
}

// Verify checks that item's signature is valid under its own public key
// and that its target matches its key and salt, returning the specific
// failure per spec.md §4.4.
func (item *MutableItem) Verify() error {
	signable := EncodeSignable(item.Seq, item.Value, item.Salt)
	if !ed25519.Verify(item.PublicKey[:], signable, item.Signature[:]) {
		return ErrInvalidMutableSignature
	}
	want := TargetFromKey(item.PublicKey[:], item.Salt)
	if want != item.Target {
		return ErrInvalidMutableTarget
	}
	return nil
}

// ImmutableItem is an opaque BEP-44 immutable record: its target is the
// content hash of its value.
type ImmutableItem struct {
	Target Id
	Value  []byte
}

// NewImmutableItem wraps value and computes its target.
func NewImmutableItem(value []byte) *ImmutableItem {
	h := sha1.Sum(value)
	var id Id
	copy(id[:], h[:])
	return &ImmutableItem{Target: id, Value: append([]byte(nil), value...)}
}

// Verify checks that the item's value actually hashes to its claimed
// target (spec.md invariant 2).
func (item *ImmutableItem) Verify() error {
	h := sha1.Sum(item.Value)
	var id Id
	copy(id[:], h[:])
	if id != item.Target {
		return ErrInvalidImmutable
	}
	return nil
}
