package location

import (
	"context"
	"sync"

	"locsrc-svr/internal/devsim"
	"locsrc-svr/internal/pds"
)

// fakeChannel answers requests straight from a simulated device, without
// framing or goroutines.
type fakeChannel struct {
	dev *devsim.Device

	mu      sync.Mutex
	subs    map[uint64]fakeSub
	nextSub uint64
	subErr  error
	sendErr map[pds.MessageID]error
}

type fakeSub struct {
	sub *pds.Subscription
	fn  pds.IndicationHandler
}

func newFakeChannel(flags pds.DeviceFlags) *fakeChannel {
	return &fakeChannel{
		dev:     devsim.New("dev-1", flags),
		subs:    make(map[uint64]fakeSub),
		sendErr: make(map[pds.MessageID]error),
	}
}

func (f *fakeChannel) Send(ctx context.Context, req pds.Request) (pds.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	err := f.sendErr[req.MessageID()]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	resp := f.dev.Answer(req)
	if resp == nil {
		return nil, pds.ErrTimeout
	}
	return resp, nil
}

func (f *fakeChannel) Subscribe(filter pds.IndicationFilter, fn pds.IndicationHandler) (*pds.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.nextSub++
	sub := &pds.Subscription{ID: f.nextSub, Filter: filter}
	f.subs[sub.ID] = fakeSub{sub: sub, fn: fn}
	return sub, nil
}

func (f *fakeChannel) Unsubscribe(sub *pds.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, sub.ID)
}

func (f *fakeChannel) failSend(id pds.MessageID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr[id] = err
}

func (f *fakeChannel) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeChannel) emit(ind pds.Indication) {
	f.mu.Lock()
	var targets []fakeSub
	for _, s := range f.subs {
		if s.sub.Filter.Match(ind) {
			targets = append(targets, s)
		}
	}
	f.mu.Unlock()
	for _, s := range targets {
		s.fn(ind)
	}
}

// sentIDs lists the message ids the device received, in order.
func (f *fakeChannel) sentIDs() []pds.MessageID {
	var ids []pds.MessageID
	for _, r := range f.dev.Requests() {
		ids = append(ids, r.MessageID())
	}
	return ids
}
