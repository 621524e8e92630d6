package pds

import "context"

// DeviceFlags are announced by the device in its hello frame.
type DeviceFlags uint8

const (
	// FlagPDS means the positioning service client is available.
	FlagPDS DeviceFlags = 1 << iota
	Flag3GPP
	FlagCDMA
)

// IndicationFilter selects the indications a subscriber receives.
type IndicationFilter struct {
	ID MessageID
	// NMEAOnly drops indications that carry no NMEA sentence.
	NMEAOnly bool
}

// Match reports whether ind passes the filter.
func (f IndicationFilter) Match(ind Indication) bool {
	if ind.ID != f.ID {
		return false
	}
	if f.NMEAOnly && ind.NMEA == "" {
		return false
	}
	return true
}

// IndicationHandler receives indications on the channel's reader goroutine.
// It must not block and must not call Send.
type IndicationHandler func(Indication)

// Subscription is the opaque handle returned by Subscribe.
type Subscription struct {
	ID     uint64
	Filter IndicationFilter
}

// Channel is the asynchronous request/response/indication transport to the
// device. Send allows one exchange in flight and returns the device response
// even when it reports a failure; the error return is reserved for transport
// problems (ErrClosed, ErrTimeout, context cancellation, codec errors).
type Channel interface {
	Send(ctx context.Context, req Request) (Response, error)
	Subscribe(filter IndicationFilter, fn IndicationHandler) (*Subscription, error)
	Unsubscribe(sub *Subscription)
}
