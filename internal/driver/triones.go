package driver

import "fmt"

// Triones controllers expose a single write characteristic for commands.
const (
	TrionesServiceUUID     = "0000ffd5-0000-1000-8000-00805f9b34fb"
	TrionesWriteCharUUID   = "0000ffd9-0000-1000-8000-00805f9b34fb"
	TrionesNotifyCharUUID  = "0000ffd4-0000-1000-8000-00805f9b34fb"
	trionesCmdPower        = 0xCC
	trionesPowerOn         = 0x23
	trionesPowerOff        = 0x24
	trionesPowerTrailer    = 0x33
	trionesCmdRGB          = 0x56
	trionesRGBModeColor    = 0xF0
	trionesRGBTrailer      = 0xAA
	trionesRGBWhiteUnused  = 0x00
	trionesCmdStatus       = 0xEF
	trionesStatusSubcmd    = 0x01
	trionesStatusTrailer   = 0x77
	trionesStatusRespStart = 0x66
	trionesStatusRespEnd   = 0x99
)

// EncodePower returns the power on/off frame.
func EncodePower(on bool) []byte {
	state := byte(trionesPowerOff)
	if on {
		state = trionesPowerOn
	}
	return []byte{trionesCmdPower, state, trionesPowerTrailer}
}

// EncodeRGB returns the static color frame: 56 RR GG BB 00 F0 AA.
func EncodeRGB(r, g, b uint8) []byte {
	return []byte{trionesCmdRGB, r, g, b, trionesRGBWhiteUnused, trionesRGBModeColor, trionesRGBTrailer}
}

// EncodeStatusRequest returns the frame that asks the controller to report
// its state on the notify characteristic.
func EncodeStatusRequest() []byte {
	return []byte{trionesCmdStatus, trionesStatusSubcmd, trionesStatusTrailer}
}

// Status is a decoded controller state notification.
type Status struct {
	On      bool
	Mode    uint8
	Speed   uint8
	R, G, B uint8
}

// DecodeStatus parses the 12-byte state notification
// (66 .. on .. mode .. speed r g b .. .. 99).
func DecodeStatus(b []byte) (Status, error) {
	if len(b) != 12 {
		return Status{}, fmt.Errorf("triones status: want 12 bytes, got %d", len(b))
	}
	if b[0] != trionesStatusRespStart || b[11] != trionesStatusRespEnd {
		return Status{}, fmt.Errorf("triones status: bad framing %02X..%02X", b[0], b[11])
	}
	return Status{
		On:    b[2] == trionesPowerOn,
		Mode:  b[3],
		Speed: b[5],
		R:     b[6],
		G:     b[7],
		B:     b[8],
	}, nil
}
