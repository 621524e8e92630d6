// Package devsim simulates the device side of the gateway protocol. The
// gateway tests drive it over net.Pipe and cmd/pdssim dials a real gateway
// with it.
package devsim

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
	"locsrc-svr/internal/supl"
)

var ErrNotConnected = errors.New("devsim: not connected")

// State is a snapshot of what the simulated device has been told.
type State struct {
	GPS           bool
	AutoTracking  bool
	NMEAReporting bool
	Session       pds.TrackingSession
	Server        supl.Address
}

type Device struct {
	ID    string
	Flags pds.DeviceFlags
	log   *slog.Logger

	mu          sync.Mutex
	state       State
	baseStation *pds.BaseStation
	faults      map[pds.MessageID]pds.ErrorCode
	silent      map[pds.MessageID]bool
	counts      map[pds.MessageID]int
	requests    []pds.Request
	conn        io.ReadWriteCloser

	writeMu sync.Mutex
}

func New(id string, flags pds.DeviceFlags) *Device {
	return &Device{
		ID:    id,
		Flags: flags,
		log:   observability.Discard(),
		state: State{Session: pds.TrackingSession{
			Mode:              pds.ModeStandalone,
			DataTimeout:       255,
			Interval:          1000,
			AccuracyThreshold: 50,
		}},
		faults: make(map[pds.MessageID]pds.ErrorCode),
		silent: make(map[pds.MessageID]bool),
		counts: make(map[pds.MessageID]int),
	}
}

func (d *Device) WithLogger(lg *slog.Logger) *Device {
	d.log = lg
	return d
}

// ---------------------------------------------------------------------------
// Scripting
// ---------------------------------------------------------------------------

// Fail makes every request with this id answer with code.
func (d *Device) Fail(id pds.MessageID, code pds.ErrorCode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[id] = code
}

// Silence drops requests with this id without answering.
func (d *Device) Silence(id pds.MessageID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent[id] = true
}

// Clear removes faults and silence for id.
func (d *Device) Clear(id pds.MessageID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.faults, id)
	delete(d.silent, id)
}

func (d *Device) SetSession(s pds.TrackingSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.Session = s
}

func (d *Device) SetBaseStation(bs *pds.BaseStation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baseStation = bs
}

func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Count is how many requests with this id the device received.
func (d *Device) Count(id pds.MessageID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[id]
}

// Requests returns every received request in order.
func (d *Device) Requests() []pds.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]pds.Request(nil), d.requests...)
}

// ---------------------------------------------------------------------------
// Protocolo
// ---------------------------------------------------------------------------

// Answer applies req to the device state. A nil response means stay silent.
func (d *Device) Answer(req pds.Request) pds.Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := req.MessageID()
	d.counts[id]++
	d.requests = append(d.requests, req)

	if d.silent[id] {
		return nil
	}
	hdr := pds.Header{ID: id, Result: pds.Success}
	if code, ok := d.faults[id]; ok {
		hdr.Result = pds.Failed(code)
	}
	failed := hdr.Result.Outcome != pds.OutcomeSuccess

	switch r := req.(type) {
	case pds.SetGpsServiceState:
		if !failed {
			hdr.Result = toggle(&d.state.GPS, r.Enabled)
		}
	case pds.SetAutoTrackingState:
		if !failed {
			hdr.Result = toggle(&d.state.AutoTracking, r.Enabled)
		}
	case pds.SetEventReport:
		if !failed {
			d.state.NMEAReporting = r.NMEAPositionReporting
		}
	case pds.GetDefaultTrackingSession:
		return &pds.TrackingSessionResponse{Header: hdr, Session: d.state.Session}
	case pds.SetDefaultTrackingSession:
		if !failed {
			d.state.Session = r.Session
		}
	case pds.GetAgpsConfig:
		return &pds.AgpsConfigResponse{Header: hdr, Server: d.state.Server}
	case pds.SetAgpsConfig:
		if !failed {
			d.state.Server = r.Server
		}
	case pds.GetServingSystem:
		resp := &pds.ServingSystemResponse{Header: hdr}
		if !failed && d.baseStation != nil {
			bs := *d.baseStation
			resp.BaseStation = &bs
		}
		return resp
	}
	return &pds.Ack{Header: hdr}
}

// toggle answers no-effect when the device is already in the wanted state.
func toggle(cur *bool, want bool) pds.Result {
	if *cur == want {
		return pds.Failed(pds.CodeNoEffect)
	}
	*cur = want
	return pds.Success
}

// Attach sets the stream the Emit methods write to. Serve and Handshake
// attach on their own; call it first when emitting before Serve has started.
func (d *Device) Attach(rw io.ReadWriteCloser) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn = rw
}

// Handshake sends hello and waits for the gateway's ack.
func (d *Device) Handshake(rw io.ReadWriteCloser) error {
	d.Attach(rw)

	if err := d.writePacket(codec.EncodeHello(codec.Hello{DeviceID: d.ID, Flags: d.Flags})); err != nil {
		return fmt.Errorf("devsim: send hello: %w", err)
	}
	payload, err := codec.ReadFrame(rw)
	if err != nil {
		return fmt.Errorf("devsim: read hello ack: %w", err)
	}
	pkt, err := codec.DecodePacket(payload)
	if err != nil {
		return fmt.Errorf("devsim: read hello ack: %w", err)
	}
	if pkt.Kind != codec.KindHelloAck {
		return fmt.Errorf("devsim: expected hello ack, got %s", pkt.Kind)
	}
	return nil
}

// Serve answers requests until rw fails or ctx is done.
func (d *Device) Serve(ctx context.Context, rw io.ReadWriteCloser) error {
	d.Attach(rw)

	stop := context.AfterFunc(ctx, func() { _ = rw.Close() })
	defer stop()

	for {
		payload, err := codec.ReadFrame(rw)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		pkt, err := codec.DecodePacket(payload)
		if err != nil || pkt.Kind != codec.KindRequest {
			d.log.Warn("devsim: ignoring frame", "err", err)
			continue
		}
		req, err := codec.DecodeRequest(pkt)
		if err != nil {
			d.log.Warn("devsim: bad request", "msg", pkt.ID.String(), "err", err)
			continue
		}
		resp := d.Answer(req)
		if resp == nil {
			d.log.Debug("devsim: staying silent", "msg", pkt.ID.String())
			continue
		}
		d.log.Debug("devsim: answer", "msg", pkt.ID.String(), "result", resp.Status().Outcome.String())
		if err := d.writePacket(codec.EncodeResponse(pkt.Txn, resp)); err != nil {
			return err
		}
	}
}

// Run is Handshake followed by Serve.
func (d *Device) Run(ctx context.Context, rw io.ReadWriteCloser) error {
	if err := d.Handshake(rw); err != nil {
		return err
	}
	return d.Serve(ctx, rw)
}

// EmitNMEA sends an event report carrying sentence, whatever the device state.
func (d *Device) EmitNMEA(sentence string) error {
	return d.writePacket(codec.EncodeIndication(pds.Indication{ID: pds.IndEventReport, NMEA: sentence}))
}

func (d *Device) EmitSessionStatus(s pds.SessionStatus) error {
	return d.writePacket(codec.EncodeIndication(pds.Indication{
		ID:               pds.IndEventReport,
		HasSessionStatus: true,
		SessionStatus:    s,
	}))
}

// Stream emits next() every interval while the engine runs with NMEA reporting on.
func (d *Device) Stream(ctx context.Context, interval time.Duration, next func() string) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			st := d.State()
			if !st.GPS || !st.NMEAReporting {
				continue
			}
			if err := d.EmitNMEA(next()); err != nil {
				return err
			}
		}
	}
}

func (d *Device) writePacket(p codec.Packet) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err := conn.Write(p.Frame())
	return err
}
