package location

import "locsrc-svr/internal/pds"

// Tracker holds the enabled set and the indication subscription of one
// device. It is not synchronized; Manager guards it.
type Tracker struct {
	enabled Source
	sub     *pds.Subscription
}

func (t *Tracker) Current() Source { return t.enabled }

// Commit records a confirmed change. Only call it after the device agreed.
func (t *Tracker) Commit(s Source, enabled bool) {
	if enabled {
		t.enabled |= s
	} else {
		t.enabled &^= s
	}
}

// Attach stores the subscription; there must not be one already.
func (t *Tracker) Attach(sub *pds.Subscription) {
	if t.sub != nil {
		panic("location: indication subscription already exists")
	}
	if sub == nil {
		panic("location: attaching nil subscription")
	}
	t.sub = sub
}

// Detach hands back the subscription; there must be one.
func (t *Tracker) Detach() *pds.Subscription {
	if t.sub == nil {
		panic("location: no indication subscription to detach")
	}
	sub := t.sub
	t.sub = nil
	return sub
}

func (t *Tracker) Subscribed() bool { return t.sub != nil }

// Reset clears everything and returns the subscription still held, if any.
func (t *Tracker) Reset() *pds.Subscription {
	sub := t.sub
	*t = Tracker{}
	return sub
}
