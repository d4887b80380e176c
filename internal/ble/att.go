package ble

import (
	"errors"
	"fmt"
)

// ATT error codes.
const (
	ATTInvalidHandle          uint8 = 0x01
	ATTReadNotPermitted       uint8 = 0x02
	ATTWriteNotPermitted      uint8 = 0x03
	ATTInvalidPDU             uint8 = 0x04
	ATTRequestNotSupported    uint8 = 0x06
	ATTInvalidOffset          uint8 = 0x07
	ATTAttributeNotFound      uint8 = 0x0a
	ATTInvalidAttributeLength uint8 = 0x0d
	ATTUnlikely               uint8 = 0x0e
	ATTInsufficientResources  uint8 = 0x11
	ATTValueNotAllowed        uint8 = 0x13
)

var attErrorNames = map[uint8]string{
	ATTInvalidHandle:          "invalid handle",
	ATTReadNotPermitted:       "read not permitted",
	ATTWriteNotPermitted:      "write not permitted",
	ATTInvalidPDU:             "invalid PDU",
	ATTRequestNotSupported:    "request not supported",
	ATTInvalidOffset:          "invalid offset",
	ATTAttributeNotFound:      "attribute not found",
	ATTInvalidAttributeLength: "invalid attribute length",
	ATTUnlikely:               "unlikely error",
	ATTInsufficientResources:  "insufficient resources",
	ATTValueNotAllowed:        "value not allowed",
}

// ATTError is a protocol-level error returned by the attribute server.
type ATTError struct {
	Code   uint8
	Handle uint16
}

// NewATTError creates an ATTError for handle.
func NewATTError(code uint8, handle uint16) *ATTError {
	return &ATTError{Code: code, Handle: handle}
}

func (e *ATTError) Error() string {
	name, ok := attErrorNames[e.Code]
	if !ok {
		switch {
		case e.Code >= 0x80 && e.Code <= 0x9f:
			name = "application error"
		case e.Code >= 0xe0:
			name = "common profile error"
		default:
			name = "unknown error"
		}
	}
	return fmt.Sprintf("ble: att error 0x%02x (%s) on handle 0x%04x", e.Code, name, e.Handle)
}

// Is matches any *ATTError with the same code, ignoring the handle.
func (e *ATTError) Is(target error) bool {
	var other *ATTError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// ATTCode extracts the ATT error code from err.
func ATTCode(err error) (uint8, bool) {
	var attErr *ATTError
	if errors.As(err, &attErr) {
		return attErr.Code, true
	}
	return 0, false
}
