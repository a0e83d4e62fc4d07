// Package beacon derives the broadcast identity of an offline finding tag:
// the random-static device address and the manufacturer-data advertisement
// that scanners relay to the backend.
//
// Everything in this package is pure. Layout is protocol-locked and must not
// be made configurable.
package beacon

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyLen is the length of an advertisement key.
const KeyLen = 28

// Key is an advertisement key in its final, already-encoded form.
type Key [KeyLen]byte

// ParseKey copies b into a Key. b must be exactly KeyLen bytes.
func ParseKey(b []byte) (Key, error) {
	var k Key
	if len(b) != KeyLen {
		return k, fmt.Errorf("beacon: key must be %d bytes, got %d", KeyLen, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// ParseKeyHex parses a hex-encoded key. Whitespace is ignored.
func ParseKeyHex(s string) (Key, error) {
	raw, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return Key{}, fmt.Errorf("beacon: decode hex key: %w", err)
	}
	return ParseKey(raw)
}

// ParseKeyBase64 parses a standard base64 key as found in .keys files.
func ParseKeyBase64(s string) (Key, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return Key{}, fmt.Errorf("beacon: decode base64 key: %w", err)
	}
	return ParseKey(raw)
}

// String returns the key as lowercase hex.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// AddrLen is the length of a BLE device address.
const AddrLen = 6

// randomStaticBits marks an address as random static.
const randomStaticBits = 0b1100_0000

// Address is a BLE device address, least significant byte first as the
// radio stack expects it.
type Address [AddrLen]byte

// IsRandomStatic reports whether the two most significant bits are set.
func (a Address) IsRandomStatic() bool {
	return a[AddrLen-1]&randomStaticBits == randomStaticBits
}

// String formats the address most significant byte first, e.g. "C1:22:33:44:55:66".
func (a Address) String() string {
	var sb strings.Builder
	for i := AddrLen - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%02X", a[i])
		if i > 0 {
			sb.WriteByte(':')
		}
	}
	return sb.String()
}

// DeriveAddress builds the device address from the first six key bytes in
// reverse order, forcing the random-static marker bits.
func DeriveAddress(k Key) Address {
	var a Address
	for i := 0; i < AddrLen; i++ {
		a[AddrLen-1-i] = k[i]
	}
	a[AddrLen-1] |= randomStaticBits
	return a
}

// Derive fills the key-derived fields of p and returns the device address.
// The status byte of p is left untouched.
func Derive(k Key, p *Payload) Address {
	p.Fill(k)
	return DeriveAddress(k)
}
