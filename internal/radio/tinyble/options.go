// Package tinyble runs the tag on a host controller through
// tinygo.org/x/bluetooth in the peripheral role.
//
// The library manages the device address and transmit power itself; the
// corresponding requests are accepted and logged.
package tinyble

import (
	"encoding/binary"
	"fmt"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/heystack-tag/internal/radio"
)

// sigUUIDType is the UUID type of the Bluetooth SIG base.
const sigUUIDType radio.UUIDType = 1

// advOptions translates raw advertising and scan response data into the
// library's structured options. Flags are dropped; the host stack sets them.
func advOptions(params radio.AdvParams, data, scanRsp []byte, deviceName string) (bluetooth.AdvertisementOptions, error) {
	opts := bluetooth.AdvertisementOptions{
		AdvertisementType: bluetooth.AdvertisingTypeNonConnInd,
		Interval:          bluetooth.NewDuration(params.Interval),
	}
	if params.Type == radio.AdvConnectable {
		opts.AdvertisementType = bluetooth.AdvertisingTypeInd
	}

	for _, raw := range [][]byte{data, scanRsp} {
		ads, err := radio.ParseAD(raw)
		if err != nil {
			return opts, err
		}
		for _, ad := range ads {
			switch ad.Type {
			case radio.ADTypeCompleteName, radio.ADTypeShortenedName:
				opts.LocalName = string(ad.Data)
			case radio.ADTypeManufacturerData:
				if len(ad.Data) < 2 {
					return opts, fmt.Errorf("tinyble: manufacturer data too short (%d bytes)", len(ad.Data))
				}
				opts.ManufacturerData = append(opts.ManufacturerData, bluetooth.ManufacturerDataElement{
					CompanyID: binary.LittleEndian.Uint16(ad.Data[:2]),
					Data:      append([]byte(nil), ad.Data[2:]...),
				})
			}
		}
	}

	// Connectable advertising without a name in the packets still needs to
	// be found by the provisioning tool.
	if opts.LocalName == "" && params.Type == radio.AdvConnectable {
		opts.LocalName = deviceName
	}
	return opts, nil
}

// fullUUID expands a 16-bit UUID against its registered base.
func fullUUID(bases []radio.UUID128, u radio.UUID) (bluetooth.UUID, error) {
	if u.Type == sigUUIDType {
		return bluetooth.New16BitUUID(u.Value), nil
	}
	i := int(u.Type) - 2
	if i < 0 || i >= len(bases) {
		return bluetooth.UUID{}, fmt.Errorf("tinyble: unknown UUID type %d", u.Type)
	}
	b := [16]byte(bases[i])
	binary.BigEndian.PutUint16(b[2:4], u.Value)
	return bluetooth.NewUUID(b), nil
}

// charFlags maps characteristic properties onto library permissions.
func charFlags(p radio.CharProps) bluetooth.CharacteristicPermissions {
	var f bluetooth.CharacteristicPermissions
	if p&radio.PropRead != 0 {
		f |= bluetooth.CharacteristicReadPermission
	}
	if p&radio.PropWrite != 0 {
		f |= bluetooth.CharacteristicWritePermission
	}
	if p&radio.PropWriteNoResponse != 0 {
		f |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	return f
}
