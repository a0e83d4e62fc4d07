// Package keys generates offline-finding key pairs on NIST P-224 and reads
// and writes the key files exchanged with the provisioning tools.
package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"

	"golang.org/x/crypto/hkdf"

	"github.com/chaz8081/heystack-tag/internal/beacon"
)

// PrivateLen is the size of a P-224 private scalar.
const PrivateLen = 28

// ErrInvalidPrivate is returned for a scalar outside [1, N-1].
var ErrInvalidPrivate = errors.New("keys: invalid private key")

// Pair is one offline-finding identity. Advertisement is the x coordinate of
// the public key, the 28 bytes a tag broadcasts. Hashed is its SHA-256, the
// lookup id used when fetching reports.
type Pair struct {
	Private       [PrivateLen]byte
	Advertisement beacon.Key
	Hashed        [sha256.Size]byte
}

// Generate creates a random key pair.
func Generate() (Pair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P224(), rand.Reader)
	if err != nil {
		return Pair{}, fmt.Errorf("keys: generate: %w", err)
	}
	var d [PrivateLen]byte
	priv.D.FillBytes(d[:])
	return FromPrivate(d[:])
}

// FromPrivate rebuilds a pair from a big-endian private scalar.
func FromPrivate(d []byte) (Pair, error) {
	if len(d) != PrivateLen {
		return Pair{}, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPrivate, PrivateLen, len(d))
	}
	curve := elliptic.P224()
	k := new(big.Int).SetBytes(d)
	if k.Sign() == 0 || k.Cmp(curve.Params().N) >= 0 {
		return Pair{}, ErrInvalidPrivate
	}

	x, _ := curve.ScalarBaseMult(d)

	var p Pair
	copy(p.Private[:], d)
	x.FillBytes(p.Advertisement[:])
	p.Hashed = sha256.Sum256(p.Advertisement[:])
	return p, nil
}

// Derive returns the index-th pair of the batch defined by seed. The scalar
// is HKDF-SHA256(seed, info="heystack key <index>") reduced into [1, N-1].
func Derive(seed []byte, index int) (Pair, error) {
	if len(seed) == 0 {
		return Pair{}, errors.New("keys: empty seed")
	}
	r := hkdf.New(sha256.New, seed, nil, []byte("heystack key "+strconv.Itoa(index)))

	// Eight extra bytes keep the modular bias negligible.
	buf := make([]byte, PrivateLen+8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Pair{}, fmt.Errorf("keys: HKDF: %w", err)
	}

	nMinus1 := new(big.Int).Sub(elliptic.P224().Params().N, big.NewInt(1))
	k := new(big.Int).SetBytes(buf)
	k.Mod(k, nMinus1)
	k.Add(k, big.NewInt(1))

	var d [PrivateLen]byte
	k.FillBytes(d[:])
	return FromPrivate(d[:])
}

// Batch returns n pairs, derived from seed when one is given and random
// otherwise.
func Batch(n int, seed []byte) ([]Pair, error) {
	if n <= 0 {
		return nil, fmt.Errorf("keys: batch size must be positive, got %d", n)
	}
	out := make([]Pair, 0, n)
	for i := 0; i < n; i++ {
		var (
			p   Pair
			err error
		)
		if len(seed) > 0 {
			p, err = Derive(seed, i)
		} else {
			p, err = Generate()
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
