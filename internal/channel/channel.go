// Package channel implements pds.Channel over a framed byte stream.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"locsrc-svr/internal/codec"
	"locsrc-svr/internal/observability"
	"locsrc-svr/internal/pds"
)

type Option func(*Channel)

// WithTimeout overrides every per-message timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Channel) { c.timeout = d }
}

func WithLogger(lg *slog.Logger) Option {
	return func(c *Channel) { c.log = lg }
}

// WithTrace receives every frame read ("rx") or written ("tx").
func WithTrace(fn func(direction string, frame []byte)) Option {
	return func(c *Channel) { c.trace = fn }
}

type reply struct {
	resp pds.Response
	err  error
}

type subscriber struct {
	sub *pds.Subscription
	fn  pds.IndicationHandler
}

// Channel owns rw: it reads it from a single goroutine and closes it on Close.
type Channel struct {
	rw      io.ReadWriteCloser
	log     *slog.Logger
	timeout time.Duration
	trace   func(string, []byte)

	sendMu  sync.Mutex // one exchange in flight
	writeMu sync.Mutex

	mu      sync.Mutex
	txn     uint16
	pending map[uint16]chan reply
	subs    map[uint64]subscriber
	nextSub uint64
	err     error

	closeOnce sync.Once
	done      chan struct{}
}

var _ pds.Channel = (*Channel)(nil)

// New starts the read loop on rw.
func New(rw io.ReadWriteCloser, opts ...Option) *Channel {
	c := &Channel{
		rw:      rw,
		log:     observability.Discard(),
		pending: make(map[uint16]chan reply),
		subs:    make(map[uint64]subscriber),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Send performs one request/response exchange.
func (c *Channel) Send(ctx context.Context, req pds.Request) (pds.Response, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.done:
		return nil, c.closedErr()
	default:
	}

	c.mu.Lock()
	c.txn++
	if c.txn == 0 {
		c.txn = 1
	}
	txn := c.txn
	ch := make(chan reply, 1)
	c.pending[txn] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, txn)
		c.mu.Unlock()
	}()

	pkt, err := codec.EncodeRequest(txn, req)
	if err != nil {
		return nil, err
	}

	msg := req.MessageID().String()
	start := time.Now()
	if err := c.write(pkt.Frame()); err != nil {
		c.shutdown(err)
		return nil, fmt.Errorf("%w: write %s: %v", pds.ErrClosed, msg, err)
	}

	timeout := req.Timeout()
	if c.timeout > 0 {
		timeout = c.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			observability.ObserveExchange(msg, "error", start)
			return nil, r.err
		}
		if r.resp.MessageID() != req.MessageID() {
			observability.ObserveExchange(msg, "error", start)
			return nil, fmt.Errorf("%w: sent %s, got %s", pds.ErrUnexpectedResponse, req.MessageID(), r.resp.MessageID())
		}
		observability.ObserveExchange(msg, r.resp.Status().Outcome.String(), start)
		return r.resp, nil
	case <-timer.C:
		observability.ObserveExchange(msg, "timeout", start)
		return nil, fmt.Errorf("%w: %s after %s", pds.ErrTimeout, msg, timeout)
	case <-ctx.Done():
		observability.ObserveExchange(msg, "canceled", start)
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedErr()
	}
}

func (c *Channel) Subscribe(filter pds.IndicationFilter, fn pds.IndicationHandler) (*pds.Subscription, error) {
	if fn == nil {
		return nil, errors.New("channel: nil indication handler")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.closedErrLocked()
	}
	c.nextSub++
	sub := &pds.Subscription{ID: c.nextSub, Filter: filter}
	c.subs[sub.ID] = subscriber{sub: sub, fn: fn}
	return sub, nil
}

func (c *Channel) Unsubscribe(sub *pds.Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	delete(c.subs, sub.ID)
	c.mu.Unlock()
}

// Close stops the read loop and closes the underlying stream.
func (c *Channel) Close() error {
	c.shutdown(pds.ErrClosed)
	return nil
}

// Done is closed once the channel is unusable.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err is the reason the channel stopped, nil while it is open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.trace != nil {
		c.trace("tx", frame)
	}
	_, err := c.rw.Write(frame)
	return err
}

func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.subs = make(map[uint64]subscriber)
		c.mu.Unlock()
		_ = c.rw.Close()
		close(c.done)
	})
}

func (c *Channel) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedErrLocked()
}

func (c *Channel) closedErrLocked() error {
	if c.err == nil || errors.Is(c.err, pds.ErrClosed) {
		return pds.ErrClosed
	}
	return fmt.Errorf("%w: %v", pds.ErrClosed, c.err)
}

// ---------------------------------------------------------------------------
// Lectura
// ---------------------------------------------------------------------------

func (c *Channel) readLoop() {
	for {
		payload, err := codec.ReadFrame(c.rw)
		if err != nil {
			if errors.Is(err, codec.ErrBadCRC) {
				// frame consumido entero, el stream sigue alineado
				observability.FrameErrors.Inc()
				c.log.Warn("dropping frame", "err", err)
				continue
			}
			if !errors.Is(err, io.EOF) {
				c.log.Debug("read loop stopped", "err", err)
			}
			c.shutdown(err)
			return
		}
		if c.trace != nil {
			c.trace("rx", codec.BuildFrame(payload))
		}

		pkt, err := codec.DecodePacket(payload)
		if err != nil {
			observability.FrameErrors.Inc()
			c.log.Warn("dropping packet", "err", err)
			continue
		}

		switch pkt.Kind {
		case codec.KindResponse:
			c.deliverResponse(pkt)
		case codec.KindIndication:
			c.deliverIndication(pkt)
		default:
			c.log.Warn("unexpected packet kind", "kind", pkt.Kind.String(), "msg", pkt.ID.String())
		}
	}
}

func (c *Channel) deliverResponse(pkt codec.Packet) {
	c.mu.Lock()
	ch, ok := c.pending[pkt.Txn]
	c.mu.Unlock()
	if !ok {
		c.log.Warn("response without pending request", "txn", pkt.Txn, "msg", pkt.ID.String())
		return
	}
	resp, err := codec.DecodeResponse(pkt)
	select {
	case ch <- reply{resp: resp, err: err}:
	default:
	}
}

func (c *Channel) deliverIndication(pkt codec.Packet) {
	ind, err := codec.DecodeIndication(pkt)
	if err != nil {
		observability.FrameErrors.Inc()
		c.log.Warn("dropping indication", "err", err)
		return
	}

	c.mu.Lock()
	targets := make([]subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		if s.sub.Filter.Match(ind) {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()

	for _, s := range targets {
		s.fn(ind)
	}
}
