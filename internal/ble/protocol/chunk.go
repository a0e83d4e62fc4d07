package protocol

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Placeholder keys left in firmware images and key batches. They are never
// written to a tag.
var placeholderKeys = [][]byte{
	[]byte("OFFLINEFINDINGPUBLICKEYHERE!"),
	[]byte("ENDOFKEYSENDOFKEYSENDOFKEYS!"),
}

// IsPlaceholder reports whether key is one of the well-known placeholders.
func IsPlaceholder(key []byte) bool {
	for _, p := range placeholderKeys {
		if bytes.Equal(key, p) {
			return true
		}
	}
	return false
}

// SplitKeys cuts a binary key batch into KeyLen-sized keys. A trailing
// partial key is dropped with a warning and placeholders are skipped.
// Returns nil for an empty batch.
func SplitKeys(blob []byte) [][]byte {
	if len(blob) == 0 {
		return nil
	}
	if rem := len(blob) % KeyLen; rem != 0 {
		slog.Warn("[PROTO] key batch is not a multiple of the key length",
			"size", len(blob), "key_len", KeyLen, "trailing", rem)
	}

	var keys [][]byte
	for off := 0; off+KeyLen <= len(blob); off += KeyLen {
		key := blob[off : off+KeyLen]
		if IsPlaceholder(key) {
			continue
		}
		cp := make([]byte, KeyLen)
		copy(cp, key)
		keys = append(keys, cp)
	}
	return keys
}

// ReadHexKeys parses one hex key per line. Blank lines and lines starting
// with '#' are ignored; lines that are not valid keys are logged and skipped.
func ReadHexKeys(r io.Reader) ([][]byte, error) {
	var keys [][]byte
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, err := hex.DecodeString(text)
		if err != nil {
			slog.Warn("[PROTO] skipping line: not valid hex", "line", line, "error", err)
			continue
		}
		if len(key) != KeyLen {
			slog.Warn("[PROTO] skipping line: wrong key length", "line", line, "len", len(key))
			continue
		}
		keys = append(keys, key)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("protocol: reading hex keys: %w", err)
	}
	return keys, nil
}
