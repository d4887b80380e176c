// Package ble defines the radio/link-layer collaborator used by the central
// and peripheral controllers: scanning, advertising, connection events,
// attribute discovery and attribute writes. Every call returns immediately;
// results arrive later through callbacks on a goroutine owned by the
// implementation.
package ble

import (
	"errors"

	"github.com/google/uuid"
)

// ON/OFF service UUIDs, shared by both roles.
const (
	ServiceUUIDString    = "8e7f1a23-4b2c-11ee-be56-0242ac120002"
	ActionCharUUIDString = "8e7f1a24-4b2c-11ee-be56-0242ac120002"
	ReadCharUUIDString   = "8e7f1a25-4b2c-11ee-be56-0242ac120003"
)

var (
	ServiceUUID    = uuid.MustParse(ServiceUUIDString)
	ActionCharUUID = uuid.MustParse(ActionCharUUIDString)
	ReadCharUUID   = uuid.MustParse(ReadCharUUIDString)
)

// Attribute handle range.
const (
	FirstHandle uint16 = 0x0001
	LastHandle  uint16 = 0xffff
)

// HCI disconnect reasons.
const (
	ReasonConnTimeout           uint8 = 0x08
	ReasonRemoteUserTerminated  uint8 = 0x13
	ReasonLocalHostTerminated   uint8 = 0x16
	ReasonConnFailedToEstablish uint8 = 0x3e
)

var (
	// ErrAlreadyScanning is returned by StartScan when a scan is running.
	ErrAlreadyScanning = errors.New("ble: already scanning")
	// ErrAlreadyAdvertising is returned by StartAdvertising when advertising.
	ErrAlreadyAdvertising = errors.New("ble: already advertising")
	// ErrNotConnected is returned for operations on a closed connection.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrNotEnabled is returned when the stack has not been enabled.
	ErrNotEnabled = errors.New("ble: stack not enabled")
	// ErrBusy is returned when the stack cannot accept the request now.
	ErrBusy = errors.New("ble: resource busy")
	// ErrScanEnded is reported to onStop when the stack ends a scan on its
	// own without an error.
	ErrScanEnded = errors.New("ble: scan ended")
)

// ReportType is the advertising report PDU type.
type ReportType uint8

const (
	ReportAdvInd        ReportType = 0x00
	ReportAdvDirectInd  ReportType = 0x01
	ReportAdvScanInd    ReportType = 0x02
	ReportAdvNonconnInd ReportType = 0x03
	ReportScanRsp       ReportType = 0x04
)

func (t ReportType) String() string {
	switch t {
	case ReportAdvInd:
		return "ADV_IND"
	case ReportAdvDirectInd:
		return "ADV_DIRECT_IND"
	case ReportAdvScanInd:
		return "ADV_SCAN_IND"
	case ReportAdvNonconnInd:
		return "ADV_NONCONN_IND"
	case ReportScanRsp:
		return "SCAN_RSP"
	default:
		return "UNKNOWN"
	}
}

// Advertisement is one observed advertising or scan response report.
type Advertisement struct {
	Address string
	Type    ReportType
	RSSI    int
	Data    []byte // raw AD structures
}

// Structures parses the report payload.
func (a Advertisement) Structures() ([]ADStructure, error) {
	return ParseAD(a.Data)
}

// DiscoverType selects the GATT discovery procedure.
type DiscoverType int

const (
	DiscoverPrimary DiscoverType = iota
	DiscoverCharacteristic
)

func (t DiscoverType) String() string {
	switch t {
	case DiscoverPrimary:
		return "primary"
	case DiscoverCharacteristic:
		return "characteristic"
	default:
		return "unknown"
	}
}

// IterAction tells the link layer whether to keep delivering attributes.
type IterAction int

const (
	IterStop IterAction = iota
	IterContinue
)

// Attribute is one discovered service or characteristic declaration.
type Attribute struct {
	Handle      uint16    // declaration handle
	UUID        uuid.UUID // service or characteristic UUID
	EndHandle   uint16    // primary service: last handle of the group
	ValueHandle uint16    // characteristic: handle used for reads/writes
	Properties  Property  // characteristic properties
}

// DiscoverParams describes one discovery procedure.
type DiscoverParams struct {
	Type        DiscoverType
	UUID        *uuid.UUID // nil matches every attribute
	StartHandle uint16
	EndHandle   uint16

	// Func is called for each matching attribute, then once with a nil
	// attribute when the procedure completes. Returning IterStop ends the
	// procedure early without the completion call.
	Func func(conn Conn, attr *Attribute, params *DiscoverParams) IterAction
}

// Conn is a link-layer connection handle.
type Conn interface {
	// Address returns the peer address.
	Address() string
	// Discover starts a discovery procedure.
	Discover(params *DiscoverParams) error
	// Write starts a write-with-response; done receives the ATT result.
	Write(handle uint16, data []byte, done func(err error)) error
	// Disconnect requests link teardown; Disconnected follows.
	Disconnect(reason uint8) error
}

// ConnCallbacks receive connection events for every link.
type ConnCallbacks struct {
	// Connected reports the outcome of link establishment. err is non-nil
	// when the link could not be established.
	Connected func(conn Conn, err error)
	// Disconnected reports link loss with the HCI reason.
	Disconnected func(conn Conn, reason uint8)
}

// Central is the scanning/initiating side of the radio.
type Central interface {
	// Enable powers on the stack. Failure is fatal for the caller.
	Enable() error
	// SetConnCallbacks registers connection event handlers.
	SetConnCallbacks(cb ConnCallbacks)
	// StartScan starts active scanning. onReport is called for every report.
	// onStop, if non-nil, is called once when the scan ends without a
	// StopScan call, with the reason.
	StartScan(onReport func(Advertisement), onStop func(err error)) error
	// StopScan stops a running scan. A new scan may start right after it
	// returns.
	StopScan() error
	// Connect starts link establishment. The outcome arrives via Connected.
	Connect(address string) (Conn, error)
}

// Peripheral is the advertising/attribute-server side of the radio.
type Peripheral interface {
	// Enable powers on the stack. Failure is fatal for the caller.
	Enable() error
	// SetConnCallbacks registers connection event handlers.
	SetConnCallbacks(cb ConnCallbacks)
	// AddService registers a local GATT service.
	AddService(svc *Service) error
	// SetValue updates the stored value served for a local characteristic.
	SetValue(charUUID uuid.UUID, value []byte) error
	// StartAdvertising starts connectable advertising with the given
	// advertising and scan response data.
	StartAdvertising(ad, sd []ADStructure) error
	// StopAdvertising stops advertising.
	StopAdvertising() error
}

// Property is a characteristic property bit set.
type Property uint8

const (
	PropRead            Property = 0x02
	PropWriteNoResponse Property = 0x04
	PropWrite           Property = 0x08
	PropNotify          Property = 0x10
)

// Characteristic is a local characteristic served by a Peripheral.
type Characteristic struct {
	UUID       uuid.UUID
	Properties Property

	// Read returns the value at offset. Return an *ATTError to reject.
	Read func(conn Conn, offset int) ([]byte, error)
	// Write stores a value. Return an *ATTError to reject; the error is
	// surfaced to the remote writer as the write completion result.
	Write func(conn Conn, data []byte, offset int) error
}

// Service is a local primary service.
type Service struct {
	UUID            uuid.UUID
	Characteristics []Characteristic
}
