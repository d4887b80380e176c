package ble

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ADType is an advertising data structure type.
type ADType uint8

const (
	ADFlags        ADType = 0x01
	ADUUID16Some   ADType = 0x02
	ADUUID16All    ADType = 0x03
	ADUUID128Some  ADType = 0x06
	ADUUID128All   ADType = 0x07
	ADNameShort    ADType = 0x08
	ADNameComplete ADType = 0x09
	ADManufacturer ADType = 0xff
)

// Flags AD values.
const (
	FlagLEGeneralDiscoverable byte = 0x02
	FlagBREDRNotSupported     byte = 0x04
)

// MaxADLen is the legacy advertising payload limit.
const MaxADLen = 31

// ErrADTooLong is returned when an encoded payload exceeds MaxADLen.
var ErrADTooLong = errors.New("ble: advertising data too long")

// ADStructure is one length-type-value element of an advertising payload.
type ADStructure struct {
	Type ADType
	Data []byte
}

// EncodeAD serializes structures as length-type-value elements.
func EncodeAD(structs []ADStructure) ([]byte, error) {
	var buf []byte
	for _, s := range structs {
		if len(s.Data) > MaxADLen-2 {
			return nil, fmt.Errorf("%w: type 0x%02x carries %d bytes", ErrADTooLong, uint8(s.Type), len(s.Data))
		}
		buf = append(buf, byte(len(s.Data)+1), byte(s.Type))
		buf = append(buf, s.Data...)
	}
	if len(buf) > MaxADLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrADTooLong, len(buf))
	}
	return buf, nil
}

// ParseAD splits a payload into structures. A zero length byte ends the
// significant part (the rest is padding).
func ParseAD(data []byte) ([]ADStructure, error) {
	var structs []ADStructure
	for i := 0; i < len(data); {
		n := int(data[i])
		if n == 0 {
			break
		}
		if i+1+n > len(data) {
			return structs, fmt.Errorf("ble: truncated AD structure at offset %d", i)
		}
		structs = append(structs, ADStructure{
			Type: ADType(data[i+1]),
			Data: data[i+2 : i+1+n],
		})
		i += 1 + n
	}
	return structs, nil
}

// HasUUID128 reports whether u is listed in a complete or incomplete
// 128-bit service UUID structure. Structures whose length is not a
// multiple of 16 are skipped.
func HasUUID128(structs []ADStructure, u uuid.UUID) bool {
	for _, s := range structs {
		if s.Type != ADUUID128All && s.Type != ADUUID128Some {
			continue
		}
		if len(s.Data)%16 != 0 {
			continue
		}
		for i := 0; i < len(s.Data); i += 16 {
			if UUIDFromLE(s.Data[i:i+16]) == u {
				return true
			}
		}
	}
	return false
}

// UUID128s returns every 128-bit service UUID listed in structs.
func UUID128s(structs []ADStructure) []uuid.UUID {
	var out []uuid.UUID
	for _, s := range structs {
		if (s.Type != ADUUID128All && s.Type != ADUUID128Some) || len(s.Data)%16 != 0 {
			continue
		}
		for i := 0; i < len(s.Data); i += 16 {
			out = append(out, UUIDFromLE(s.Data[i:i+16]))
		}
	}
	return out
}

// LocalName returns the complete or shortened name, preferring complete.
func LocalName(structs []ADStructure) string {
	short := ""
	for _, s := range structs {
		switch s.Type {
		case ADNameComplete:
			return string(s.Data)
		case ADNameShort:
			short = string(s.Data)
		}
	}
	return short
}

// UUID128Structure builds a complete 128-bit service UUID list.
func UUID128Structure(uuids ...uuid.UUID) ADStructure {
	data := make([]byte, 0, 16*len(uuids))
	for _, u := range uuids {
		data = append(data, UUIDToLE(u)...)
	}
	return ADStructure{Type: ADUUID128All, Data: data}
}

// UUIDToLE returns u in the little-endian byte order used on air.
func UUIDToLE(u uuid.UUID) []byte {
	b := make([]byte, 16)
	for i := 0; i < 16; i++ {
		b[i] = u[15-i]
	}
	return b
}

// UUIDFromLE decodes a 16-byte little-endian UUID.
func UUIDFromLE(b []byte) uuid.UUID {
	var u uuid.UUID
	for i := 0; i < 16 && i < len(b); i++ {
		u[15-i] = b[i]
	}
	return u
}

// bluetoothBase is the Bluetooth base UUID 00000000-0000-1000-8000-00805f9b34fb.
var bluetoothBase = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// UUID16 expands a 16-bit assigned number to its 128-bit form.
func UUID16(v uint16) uuid.UUID {
	u := bluetoothBase
	u[2] = byte(v >> 8)
	u[3] = byte(v)
	return u
}
