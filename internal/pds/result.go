package pds

import "fmt"

// Outcome classifies a device result.
type Outcome uint8

const (
	OutcomeSuccess Outcome = iota
	// OutcomeNoEffect means the device was already in the requested state.
	OutcomeNoEffect
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNoEffect:
		return "no_effect"
	}
	return "failure"
}

// ErrorCode is the protocol error carried by a failed result.
type ErrorCode uint16

const (
	CodeNone             ErrorCode = 0x0000
	CodeMalformedMessage ErrorCode = 0x0001
	CodeNoMemory         ErrorCode = 0x0002
	CodeInternal         ErrorCode = 0x0003
	CodeGeneralError     ErrorCode = 0x000E
	CodeNoEffect         ErrorCode = 0x001A
	CodeDeviceNotReady   ErrorCode = 0x0034
	CodeNotSupported     ErrorCode = 0x005E
)

func (c ErrorCode) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeMalformedMessage:
		return "malformed-message"
	case CodeNoMemory:
		return "no-memory"
	case CodeInternal:
		return "internal"
	case CodeGeneralError:
		return "general-error"
	case CodeNoEffect:
		return "no-effect"
	case CodeDeviceNotReady:
		return "device-not-ready"
	case CodeNotSupported:
		return "not-supported"
	}
	return fmt.Sprintf("error(0x%04x)", uint16(c))
}

// Result is the status part of every response.
type Result struct {
	Outcome Outcome
	Code    ErrorCode
}

// Success is the result of an accepted request.
var Success = Result{Outcome: OutcomeSuccess}

// Failed builds a failure result; CodeNoEffect yields the no-effect variant.
func Failed(code ErrorCode) Result {
	if code == CodeNoEffect {
		return Result{Outcome: OutcomeNoEffect, Code: code}
	}
	return Result{Outcome: OutcomeFailure, Code: code}
}

// ResultFromWire maps the (status, error) pair of the result TLV.
func ResultFromWire(status, code uint16) Result {
	if status == 0 {
		return Success
	}
	return Failed(ErrorCode(code))
}

// Wire is the inverse of ResultFromWire.
func (r Result) Wire() (status, code uint16) {
	if r.Outcome == OutcomeSuccess {
		return 0, 0
	}
	return 1, uint16(r.Code)
}
