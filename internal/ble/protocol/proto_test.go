package protocol

import (
	"bytes"
	"testing"
)

func TestUUIDStrings(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{ServiceUUID, "0000ff00-0000-1000-8000-00805f9b34fb"},
		{KeyWriteUUID, "0000ff01-0000-1000-8000-00805f9b34fb"},
		{KeyCountUUID, "0000ff02-0000-1000-8000-00805f9b34fb"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("UUID = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestEncodeKeyCount(t *testing.T) {
	got := EncodeKeyCount(0x0102)
	want := []byte{0x02, 0x01}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeKeyCount(0x0102) = %x, want %x", got, want)
	}
}

func TestDecodeKeyCount(t *testing.T) {
	n, err := DecodeKeyCount([]byte{0x2A, 0x00})
	if err != nil {
		t.Fatalf("DecodeKeyCount() error = %v", err)
	}
	if n != 42 {
		t.Errorf("DecodeKeyCount() = %d, want 42", n)
	}

	if _, err := DecodeKeyCount([]byte{0x01}); err == nil {
		t.Error("expected error for 1-byte key count")
	}
	if _, err := DecodeKeyCount(nil); err == nil {
		t.Error("expected error for nil key count")
	}
}
