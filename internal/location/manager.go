// Package location decides which exchanges enable or disable a location
// source on a device and keeps the enabled set and the position report
// subscription in step with what the device confirmed.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"locsrc-svr/internal/observability"
	"locsrc-svr/internal/pds"
	"locsrc-svr/internal/supl"
)

var ErrUnsupported = errors.New("location: not supported by device")

// DeviceInfo is what the device announced in its hello.
type DeviceInfo struct {
	ID    string
	Flags pds.DeviceFlags
}

// RegistrationRefresher re-reads the serving network after CDMA base station
// reporting is enabled. Callers do not wait for it.
type RegistrationRefresher interface {
	RefreshRegistration(ctx context.Context)
}

type ReportKind string

const (
	ReportNMEA        ReportKind = "nmea"
	ReportBaseStation ReportKind = "base_station"
)

// Report is a position update for the uplink.
type Report struct {
	DeviceID    string
	Kind        ReportKind
	NMEA        string
	BaseStation *pds.BaseStation
	Sources     Source
	At          time.Time
}

type Config struct {
	Channel pds.Channel
	Device  DeviceInfo
	// Refresher defaults to the manager's own GetServingSystem refresh.
	Refresher RegistrationRefresher
	// OnReport runs on the channel's reader goroutine; it must not block.
	OnReport func(Report)
	// OnChange receives the enabled set after every committed change.
	OnChange func(enabled Source)
	Logger   *slog.Logger
}

type Manager struct {
	ch        pds.Channel
	dev       DeviceInfo
	caps      Source
	refresher RegistrationRefresher
	onReport  func(Report)
	onChange  func(Source)
	log       *slog.Logger

	// mu is held across read, exchanges and commit of one operation.
	mu      sync.Mutex
	tracker Tracker
	closed  bool

	// enabled mirrors tracker.Current() for readers that must not take mu.
	enabled atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	if cfg.Channel == nil {
		panic("location: nil channel")
	}
	lg := cfg.Logger
	if lg == nil {
		lg = observability.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		ch:       cfg.Channel,
		dev:      cfg.Device,
		caps:     Capabilities(cfg.Device.Flags),
		onReport: cfg.OnReport,
		onChange: cfg.OnChange,
		log:      lg.With("component", "location", "device", cfg.Device.ID),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.refresher = cfg.Refresher
	if m.refresher == nil {
		m.refresher = m
	}
	return m
}

// Capabilities is the set of sources the device can serve.
func (m *Manager) Capabilities() Source { return m.caps }

// Enabled is the committed set. Safe from any goroutine.
func (m *Manager) Enabled() Source { return Source(m.enabled.Load()) }

func (m *Manager) Device() DeviceInfo { return m.dev }

// Enable turns on one source. Enabling a source the device does not support
// panics; enabling one that is already on does nothing.
func (m *Manager) Enable(ctx context.Context, s Source) error {
	return m.apply(ctx, "enable", s, true)
}

// Disable turns off one source. Disabling a source that is not on panics.
func (m *Manager) Disable(ctx context.Context, s Source) error {
	return m.apply(ctx, "disable", s, false)
}

func (m *Manager) apply(ctx context.Context, op string, s Source, enable bool) error {
	if !s.single() {
		panic(fmt.Sprintf("location: %s needs exactly one source, got %s", op, s))
	}

	before, after, err := m.runLocked(ctx, s, enable)
	if err != nil {
		observability.SourceOps.WithLabelValues(op, s.String(), "error").Inc()
		m.log.Warn("source "+op+" failed", "source", s.String(), "err", err)
		return err
	}
	if after == before {
		return nil
	}
	observability.SourceOps.WithLabelValues(op, s.String(), "ok").Inc()
	m.log.Info("source "+op+"d", "source", s.String(), "enabled", after.String())
	if m.onChange != nil {
		m.onChange(after)
	}
	return nil
}

func (m *Manager) runLocked(ctx context.Context, s Source, enable bool) (before, after Source, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, 0, pds.ErrClosed
	}
	before = m.tracker.Current()

	var p plan
	if enable {
		if m.caps&s == 0 {
			panic(fmt.Sprintf("location: enable of unsupported source %s (capabilities %s)", s, m.caps))
		}
		if before.Has(s) {
			m.log.Debug("source already enabled", "source", s.String())
			return before, before, nil
		}
		p = m.enablePlan(s, before)
	} else {
		if !before.Has(s) {
			panic(fmt.Sprintf("location: disable of source %s which is not enabled (enabled %s)", s, before))
		}
		p = m.disablePlan(s, before)
	}

	err = m.execute(ctx, p)
	after = m.tracker.Current()
	m.enabled.Store(uint32(after))
	// con mu tomado, para que Close vea el gauge ya actualizado
	switch {
	case !engineRunning(before) && engineRunning(after):
		observability.EnginesRunning.Inc()
	case engineRunning(before) && !engineRunning(after):
		observability.EnginesRunning.Dec()
	}
	if err == nil && p.after != nil {
		p.after()
	}
	return before, after, err
}

func (m *Manager) execute(ctx context.Context, p plan) error {
	last, err := runSteps(ctx, m.ch, p.steps)
	if err != nil {
		return err
	}
	if p.finish != nil {
		return p.finish(last)
	}
	return nil
}

// spawn runs fn on the manager's lifetime context. Call with mu held.
func (m *Manager) spawn(fn func(context.Context)) {
	if m.closed {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

// ---------------------------------------------------------------------------
// Reportes
// ---------------------------------------------------------------------------

func (m *Manager) onIndication(ind pds.Indication) {
	if ind.HasSessionStatus {
		m.log.Debug("positioning session status", "status", ind.SessionStatus.String())
	}
	if ind.NMEA == "" {
		return
	}
	m.report(Report{Kind: ReportNMEA, NMEA: ind.NMEA})
}

func (m *Manager) report(r Report) {
	r.DeviceID = m.dev.ID
	r.Sources = m.Enabled()
	r.At = time.Now().UTC()
	observability.PositionReports.WithLabelValues(string(r.Kind)).Inc()
	if m.onReport != nil {
		m.onReport(r)
	}
}

// ServingSystem queries the current registration. The base station is nil
// when the network did not report one.
func (m *Manager) ServingSystem(ctx context.Context) (*pds.BaseStation, error) {
	op := opFor(pds.MsgGetServingSystem)
	resp, err := m.ch.Send(ctx, pds.GetServingSystem{})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := check(resp, false); err != nil {
		return nil, err
	}
	ss, ok := resp.(*pds.ServingSystemResponse)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected response %T", op, resp)
	}
	return ss.BaseStation, nil
}

// RefreshRegistration asks for the serving system and reports the base
// station when the device knows its coordinates.
func (m *Manager) RefreshRegistration(ctx context.Context) {
	bs, err := m.ServingSystem(ctx)
	if err != nil {
		m.log.Warn("registration refresh failed", "err", err)
		return
	}
	if bs == nil {
		m.log.Debug("serving system without base station")
		return
	}
	if !m.Enabled().Has(SourceCellBS) {
		return
	}
	m.report(Report{Kind: ReportBaseStation, BaseStation: bs})
}

// ---------------------------------------------------------------------------
// SUPL
// ---------------------------------------------------------------------------

func (m *Manager) networkMode() pds.NetworkMode {
	switch {
	case m.dev.Flags&pds.Flag3GPP != 0:
		return pds.NetworkModeUMTS
	case m.dev.Flags&pds.FlagCDMA != 0:
		return pds.NetworkModeCDMA
	}
	return pds.NetworkModeUnset
}

// SuplServer reads the configured SUPL server as "ip:port" or URL text.
func (m *Manager) SuplServer(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", pds.ErrClosed
	}
	if m.caps&SourceAGPS == 0 {
		return "", fmt.Errorf("%w: A-GPS", ErrUnsupported)
	}
	resp, err := runSteps(ctx, m.ch, []step{send(pds.GetAgpsConfig{NetworkMode: m.networkMode()})})
	if err != nil {
		return "", err
	}
	if err := check(resp, false); err != nil {
		return "", err
	}
	cfg, ok := resp.(*pds.AgpsConfigResponse)
	if !ok {
		return "", fmt.Errorf("%s: %w: %T", opFor(pds.MsgGetAgpsConfig), pds.ErrUnexpectedResponse, resp)
	}
	return supl.Render(cfg.Server), nil
}

// SetSuplServer writes text as a numeric address when it is "ipv4:port" and
// as a URL otherwise.
func (m *Manager) SetSuplServer(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return pds.ErrClosed
	}
	if m.caps&SourceAGPS == 0 {
		return fmt.Errorf("%w: A-GPS", ErrUnsupported)
	}
	addr := supl.Parse(text)
	resp, err := runSteps(ctx, m.ch, []step{send(pds.SetAgpsConfig{NetworkMode: m.networkMode(), Server: addr})})
	if err != nil {
		return err
	}
	if err := check(resp, false); err != nil {
		return err
	}
	m.log.Info("SUPL server set", "server", supl.Render(addr), "numeric", addr.IsNumeric())
	return nil
}

// Close drops local state without talking to the device, which is usually
// already gone. Pending refreshes are canceled and awaited.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if engineRunning(m.tracker.Current()) {
		observability.EnginesRunning.Dec()
	}
	if sub := m.tracker.Reset(); sub != nil {
		m.ch.Unsubscribe(sub)
	}
	m.enabled.Store(0)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}
