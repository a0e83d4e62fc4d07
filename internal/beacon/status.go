package beacon

import "log/slog"

// Status byte masks. Scanning clients read the battery bits directly.
const (
	StatusBatteryMask = 0b1100_0000
	StatusBitsMask    = 0b0011_1111
)

// BatteryTier is the two-bit battery indication carried in the status byte.
type BatteryTier uint8

const (
	BatteryFull          BatteryTier = 0b00
	BatteryMedium        BatteryTier = 0b01
	BatteryLow           BatteryTier = 0b10
	BatteryCriticallyLow BatteryTier = 0b11
)

func (t BatteryTier) String() string {
	switch t {
	case BatteryFull:
		return "full"
	case BatteryMedium:
		return "medium"
	case BatteryLow:
		return "low"
	default:
		return "critical"
	}
}

// TierForLevel maps a 0-100 battery level onto a tier. Lower bounds are
// exclusive: 80 is medium, 50 is low, 30 is critical.
func TierForLevel(level uint8) BatteryTier {
	switch {
	case level > 80:
		return BatteryFull
	case level > 50:
		return BatteryMedium
	case level > 30:
		return BatteryLow
	default:
		return BatteryCriticallyLow
	}
}

// Status owns the status byte and mirrors every change into the payload.
type Status struct {
	flags   byte
	payload *Payload
}

// NewStatus binds a status encoder to p. The encoder starts from whatever
// status p already holds.
func NewStatus(p *Payload) *Status {
	return &Status{flags: p[OffStatus], payload: p}
}

// Byte returns the current status byte.
func (s *Status) Byte() byte {
	return s.flags
}

// Tier returns the battery tier currently encoded.
func (s *Status) Tier() BatteryTier {
	return BatteryTier(s.flags >> 6)
}

// SetBattery replaces the battery tier, leaving the low six bits alone.
func (s *Status) SetBattery(level uint8) {
	tier := TierForLevel(level)
	s.flags = s.flags&^StatusBatteryMask | byte(tier)<<6
	slog.Debug("[BEACON] battery level", "level", level, "tier", tier.String())
	s.flush()
}

// SetBits replaces the low six bits, leaving the battery tier alone. Bits
// above the sixth are discarded.
func (s *Status) SetBits(bits uint8) {
	s.flags = s.flags&^StatusBitsMask | bits&StatusBitsMask
	s.flush()
}

// SetRaw overwrites the whole status byte.
func (s *Status) SetRaw(raw uint8) {
	s.flags = raw
	s.flush()
}

func (s *Status) flush() {
	s.payload[OffStatus] = s.flags
}
