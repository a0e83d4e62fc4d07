package radio

import "fmt"

// AD structure types used by the tag.
const (
	ADTypeFlags            = 0x01
	ADTypeShortenedName    = 0x08
	ADTypeCompleteName     = 0x09
	ADTypeManufacturerData = 0xFF

	flagsLEGeneralDiscNo = 0x06 // LE general discoverable, BR/EDR not supported

	maxADLen = 31
)

// NameData returns a complete-local-name AD structure, shortened when it
// does not fit next to room bytes of other data.
func NameData(name string, room int) []byte {
	avail := maxADLen - room - 2
	typ := byte(ADTypeCompleteName)
	if avail < 0 {
		avail = 0
	}
	if len(name) > avail {
		name = name[:avail]
		typ = ADTypeShortenedName
	}
	out := make([]byte, 0, len(name)+2)
	out = append(out, byte(len(name)+1), typ)
	return append(out, name...)
}

// DiscoverableData returns flags followed by the device name, the
// advertising data used while provisioning is open.
func DiscoverableData(name string) []byte {
	out := []byte{0x02, ADTypeFlags, flagsLEGeneralDiscNo}
	return append(out, NameData(name, len(out))...)
}

// ADStructure is one length-type-value element of advertising data.
type ADStructure struct {
	Type byte
	Data []byte
}

// ParseAD splits advertising data into its AD structures. A zero length
// octet ends the data.
func ParseAD(data []byte) ([]ADStructure, error) {
	var out []ADStructure
	for i := 0; i < len(data); {
		n := int(data[i])
		if n == 0 {
			break
		}
		if i+1+n > len(data) {
			return nil, fmt.Errorf("radio: AD structure at %d overruns data (len %d)", i, n)
		}
		out = append(out, ADStructure{Type: data[i+1], Data: data[i+2 : i+1+n]})
		i += 1 + n
	}
	return out, nil
}
