// Package protocol holds the wire details of the HeyStack provisioning
// service shared by the tag and the companion tool: UUIDs, the fixed key
// length and the Key-Count encoding.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// 16-bit identifiers relative to UUIDBase.
const (
	ServiceID  uint16 = 0xFF00
	KeyWriteID uint16 = 0xFF01
	KeyCountID uint16 = 0xFF02
)

// UUIDBase is 0000xxxx-0000-1000-8000-00805F9B34FB, most significant byte
// first, with the 16-bit slot zeroed.
var UUIDBase = [16]byte{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00,
	0x80, 0x00, 0x00, 0x80, 0x5F, 0x9B, 0x34, 0xFB,
}

// Full UUID strings, as companion-side BLE libraries want them.
var (
	ServiceUUID  = UUIDString(ServiceID)
	KeyWriteUUID = UUIDString(KeyWriteID)
	KeyCountUUID = UUIDString(KeyCountID)
)

// DeviceName is the name advertised while the provisioning window is open.
const DeviceName = "HeyStack-Config"

// KeyLen is the only accepted Key-Write length.
const KeyLen = 28

// KeyCountLen is the size of the Key-Count value.
const KeyCountLen = 2

// UUIDString expands a 16-bit identifier against UUIDBase.
func UUIDString(id uint16) string {
	b := UUIDBase
	b[2] = byte(id >> 8)
	b[3] = byte(id)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// EncodeKeyCount returns the little-endian Key-Count value.
func EncodeKeyCount(n uint16) []byte {
	buf := make([]byte, KeyCountLen)
	binary.LittleEndian.PutUint16(buf, n)
	return buf
}

// DecodeKeyCount parses a Key-Count value read from a tag.
func DecodeKeyCount(data []byte) (uint16, error) {
	if len(data) != KeyCountLen {
		return 0, fmt.Errorf("protocol: key count must be %d bytes, got %d", KeyCountLen, len(data))
	}
	return binary.LittleEndian.Uint16(data), nil
}
