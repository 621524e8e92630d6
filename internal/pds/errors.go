package pds

import (
	"errors"
	"fmt"
)

var (
	// Channel errors.
	ErrClosed  = errors.New("pds: channel closed")
	ErrTimeout = errors.New("pds: exchange timed out")

	// ErrRejected matches every *ExchangeError.
	ErrRejected = errors.New("pds: request rejected by device")

	// ErrUnexpectedResponse means the device answered with a payload that
	// does not belong to the request.
	ErrUnexpectedResponse = errors.New("pds: unexpected response")
)

// ExchangeError is a device-level failure of one exchange.
type ExchangeError struct {
	Op   string
	Code ErrorCode
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *ExchangeError) Unwrap() error { return ErrRejected }

// Check turns a response into an error. When noEffectOK is set the device's
// "already in that state" answer counts as success.
func Check(resp Response, op string, noEffectOK bool) error {
	res := resp.Status()
	switch res.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeNoEffect:
		if noEffectOK {
			return nil
		}
	}
	return &ExchangeError{Op: op, Code: res.Code}
}
