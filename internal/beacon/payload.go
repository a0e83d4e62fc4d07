package beacon

// Offline finding advertisement layout.
const (
	// PayloadLen is the size of the advertising buffer: the AD length octet
	// plus the 30 octets it covers.
	PayloadLen = 31

	offLength    = 0
	offADType    = 1
	offCompanyID = 2
	offSubType   = 4
	offSubLen    = 5
	// OffStatus is the status byte owned by Status.
	OffStatus = 6
	// OffKeyData is the first of the 22 key-derived bytes.
	OffKeyData = 7
	// KeyDataLen is the number of key bytes carried verbatim.
	KeyDataLen = 22
	// OffTopBits holds the two high bits of key byte 0.
	OffTopBits = OffKeyData + KeyDataLen
	// OffHint is the trailing hint byte, always zero.
	OffHint = OffTopBits + 1
)

// Fixed header values.
const (
	adLength          = PayloadLen - 1 // 0x1E
	adTypeManufacture = 0xFF
	// CompanyID is the vendor identifier scanners filter on, little endian on air.
	CompanyID       = 0x004C
	offlineFinding  = 0x12
	offlineFindLen  = 0x19
	keyPrefixOffset = AddrLen
)

// Payload is the raw advertising data broadcast in Broadcasting mode.
type Payload [PayloadLen]byte

// NewPayload returns a payload with the fixed header set and all variable
// fields zeroed.
func NewPayload() Payload {
	var p Payload
	p[offLength] = adLength
	p[offADType] = adTypeManufacture
	p[offCompanyID] = byte(CompanyID)
	p[offCompanyID+1] = byte(CompanyID >> 8)
	p[offSubType] = offlineFinding
	p[offSubLen] = offlineFindLen
	return p
}

// Fill copies the key-derived fields into p. The status byte is not touched.
func (p *Payload) Fill(k Key) {
	copy(p[OffKeyData:OffKeyData+KeyDataLen], k[keyPrefixOffset:])
	p[OffTopBits] = k[0] >> 6
	p[OffHint] = 0x00
}

// Status returns the current status byte.
func (p *Payload) Status() byte {
	return p[OffStatus]
}

// KeyData returns the 22 key-derived bytes.
func (p *Payload) KeyData() []byte {
	return p[OffKeyData : OffKeyData+KeyDataLen]
}

// ManufacturerData returns the bytes following the company identifier, as
// radio APIs that build the AD structure themselves expect them.
func (p *Payload) ManufacturerData() []byte {
	return p[offSubType:]
}

// Bytes returns the payload as a slice sharing p's storage.
func (p *Payload) Bytes() []byte {
	return p[:]
}
