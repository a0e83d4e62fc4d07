package keys

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chaz8081/heystack-tag/internal/beacon"
)

// Labels used in .keys files.
const (
	labelPrivate       = "Private key"
	labelAdvertisement = "Advertisement key"
	labelHashed        = "Hashed adv key"
)

// ErrNoAdvertisementKey is returned when a .keys file has no
// "Advertisement key:" line.
var ErrNoAdvertisementKey = errors.New("keys: advertisement key not found")

// WriteKeysFile writes p in the .keys text format, one base64 field per line.
func WriteKeysFile(w io.Writer, p Pair) error {
	enc := base64.StdEncoding
	_, err := fmt.Fprintf(w, "%s: %s\n%s: %s\n%s: %s\n",
		labelPrivate, enc.EncodeToString(p.Private[:]),
		labelAdvertisement, enc.EncodeToString(p.Advertisement[:]),
		labelHashed, enc.EncodeToString(p.Hashed[:]),
	)
	return err
}

// ReadKeysFile returns the advertisement key of a .keys file. Other lines
// are ignored.
func ReadKeysFile(r io.Reader) (beacon.Key, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		label, value, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(label) != labelAdvertisement {
			continue
		}
		k, err := beacon.ParseKeyBase64(strings.TrimSpace(value))
		if err != nil {
			return beacon.Key{}, fmt.Errorf("keys: %s: %w", labelAdvertisement, err)
		}
		return k, nil
	}
	if err := sc.Err(); err != nil {
		return beacon.Key{}, fmt.Errorf("keys: read: %w", err)
	}
	return beacon.Key{}, ErrNoAdvertisementKey
}

// WriteBatch writes the advertisement keys of pairs back to back, the .bin
// format the provisioner uploads.
func WriteBatch(w io.Writer, pairs []Pair) error {
	for i, p := range pairs {
		if _, err := w.Write(p.Advertisement[:]); err != nil {
			return fmt.Errorf("keys: write key %d: %w", i, err)
		}
	}
	return nil
}
