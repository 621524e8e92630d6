package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locsrc-svr/internal/observability"
	"locsrc-svr/internal/pds"
	"locsrc-svr/internal/supl"
)

const allFlags = pds.FlagPDS | pds.Flag3GPP | pds.FlagCDMA

type reportSink struct {
	mu      sync.Mutex
	reports []Report
	ch      chan Report
}

func newSink() *reportSink { return &reportSink{ch: make(chan Report, 16)} }

func (s *reportSink) add(r Report) {
	s.mu.Lock()
	s.reports = append(s.reports, r)
	s.mu.Unlock()
	s.ch <- r
}

func (s *reportSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func newTestManager(t *testing.T, flags pds.DeviceFlags) (*Manager, *fakeChannel, *reportSink) {
	t.Helper()
	fc := newFakeChannel(flags)
	sink := newSink()
	m := NewManager(Config{
		Channel:  fc,
		Device:   DeviceInfo{ID: "dev-1", Flags: flags},
		OnReport: sink.add,
	})
	t.Cleanup(m.Close)
	return m, fc, sink
}

func TestEnableDisableNMEA_RoundTrip(t *testing.T) {
	m, fc, _ := newTestManager(t, allFlags)
	ctx := context.Background()

	require.NoError(t, m.Enable(ctx, SourceGPSNMEA))
	assert.Equal(t, SourceGPSNMEA, m.Enabled())
	assert.Equal(t, 1, fc.subscriptions())
	assert.Equal(t, []pds.MessageID{
		pds.MsgSetGpsServiceState,
		pds.MsgSetAutoTrackingState,
		pds.MsgSetEventReport,
	}, fc.sentIDs())
	st := fc.dev.State()
	assert.True(t, st.GPS)
	assert.True(t, st.AutoTracking)
	assert.True(t, st.NMEAReporting)

	require.NoError(t, m.Disable(ctx, SourceGPSNMEA))
	assert.Equal(t, SourceNone, m.Enabled())
	assert.Equal(t, 0, fc.subscriptions())
	assert.Equal(t, pds.MsgSetGpsServiceState, fc.sentIDs()[3])
	assert.False(t, fc.dev.State().GPS)
}

func TestSharedEngine_StartsAndStopsOnce(t *testing.T) {
	m, fc, _ := newTestManager(t, allFlags)
	ctx := context.Background()

	require.NoError(t, m.Enable(ctx, SourceGPSNMEA))
	require.NoError(t, m.Enable(ctx, SourceGPSRaw))
	assert.Equal(t, SourceGPSNMEA|SourceGPSRaw, m.Enabled())
	assert.Equal(t, 1, fc.dev.Count(pds.MsgSetGpsServiceState))
	assert.Equal(t, 1, fc.subscriptions())

	require.NoError(t, m.Disable(ctx, SourceGPSNMEA))
	assert.Equal(t, SourceGPSRaw, m.Enabled())
	assert.Equal(t, 1, fc.dev.Count(pds.MsgSetGpsServiceState), "engine still in use by raw")
	assert.Equal(t, 1, fc.subscriptions())

	require.NoError(t, m.Disable(ctx, SourceGPSRaw))
	assert.Equal(t, SourceNone, m.Enabled())
	assert.Equal(t, 2, fc.dev.Count(pds.MsgSetGpsServiceState))
	assert.Equal(t, 0, fc.subscriptions())
}

// both runs at once, many times; run with -race
func TestSharedEngine_ConcurrentEnableDisable(t *testing.T) {
	ctx := context.Background()
	both := func(fn func(Source) error) {
		var wg sync.WaitGroup
		for _, src := range []Source{SourceGPSNMEA, SourceGPSRaw} {
			wg.Add(1)
			go func(s Source) {
				defer wg.Done()
				assert.NoError(t, fn(s))
			}(src)
		}
		wg.Wait()
	}

	for i := 0; i < 50; i++ {
		m, fc, _ := newTestManager(t, allFlags)

		both(func(s Source) error { return m.Enable(ctx, s) })
		require.Equal(t, SourceGPSNMEA|SourceGPSRaw, m.Enabled())
		require.Equal(t, 1, fc.dev.Count(pds.MsgSetGpsServiceState), "engine started once")
		require.Equal(t, 1, fc.subscriptions())

		both(func(s Source) error { return m.Disable(ctx, s) })
		require.Equal(t, SourceNone, m.Enabled())
		require.Equal(t, 2, fc.dev.Count(pds.MsgSetGpsServiceState), "engine stopped once")
		require.Equal(t, 0, fc.subscriptions())
		assert.False(t, fc.dev.State().GPS)
	}
}

func enginesRunning(t *testing.T) float64 {
	t.Helper()
	var mm dto.Metric
	require.NoError(t, observability.EnginesRunning.Write(&mm))
	return mm.GetGauge().GetValue()
}

func TestEnginesGauge_CloseRacingEnable(t *testing.T) {
	base := enginesRunning(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		fc := newFakeChannel(allFlags)
		m := NewManager(Config{Channel: fc, Device: DeviceInfo{ID: "dev-1", Flags: allFlags}})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := m.Enable(ctx, SourceGPSNMEA); err != nil {
				assert.ErrorIs(t, err, pds.ErrClosed)
			}
		}()
		go func() {
			defer wg.Done()
			m.Close()
		}()
		wg.Wait()
		require.Equal(t, base, enginesRunning(t), "iteration %d", i)
	}
}

func TestEnableGPS_NoEffectTolerated(t *testing.T) {
	m, fc, _ := newTestManager(t, allFlags)
	fc.dev.Fail(pds.MsgSetGpsServiceState, pds.CodeNoEffect)
	fc.dev.Fail(pds.MsgSetAutoTrackingState, pds.CodeNoEffect)

	require.NoError(t, m.Enable(context.Background(), SourceGPSRaw))
	assert.Equal(t, SourceGPSRaw, m.Enabled())
	assert.Equal(t, 1, fc.subscriptions())
}

func TestEnableGPS_EventReportNoEffectIsAnError(t *testing.T) {
	m, fc, _ := newTestManager(t, allFlags)
	fc.dev.Fail(pds.MsgSetEventReport, pds.CodeNoEffect)

	err := m.Enable(context.Background(), SourceGPSNMEA)
	require.Error(t, err)
	var xerr *pds.ExchangeError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, pds.CodeNoEffect, xerr.Code)
	assert.Equal(t, SourceNone, m.Enabled())
	assert.Equal(t, 0, fc.subscriptions())
}

func TestEnableGPS_AutoTrackingFailureLeavesStateUnchanged(t *testing.T) {
	m, fc, _ := newTestManager(t, allFlags)
	ctx := context.Background()
	require.NoError(t, m.Enable(ctx, SourceCellID))
	fc.dev.Fail(pds.MsgSetAutoTrackingState, pds.CodeGeneralError)

	err := m.Enable(ctx, SourceGPSNMEA)
	require.Error(t, err)
	assert.ErrorIs(t, err, pds.ErrRejected)
	assert.Contains(t, err.Error(), "couldn't set auto-tracking state")

	assert.Equal(t, SourceCellID, m.Enabled())
	assert.Equal(t, 0, fc.subscriptions())
	assert.Equal(t, 0, fc.dev.Count(pds.MsgSetEventReport))
	// no compensating stop
	assert.Equal(t, 1, fc.dev.Count(pds.MsgSetGpsServiceState))
	assert.True(t, fc.dev.State().GPS)

	// a retry after the fault clears starts from scratch
	fc.dev.Clear(pds.MsgSetAutoTrackingState)
	require.NoError(t, m.Enable(ctx, SourceGPSNMEA))
	assert.Equal(t, SourceCellID|SourceGPSNMEA, m.Enabled())
	assert.Equal(t, 1, fc.subscriptions())
}

func TestEnableGPS_TransportErrorPropagates(t *testing.T) {
	m, fc, _ := newTestManager(t, allFlags)
	fc.dev.Silence(pds.MsgSetGpsServiceState)

	err := m.Enable(context.Background(), SourceGPSNMEA)
	assert.ErrorIs(t, err, pds.ErrTimeout)
	assert.Contains(t, err.Error(), "couldn't set GPS service state")
	assert.Equal(t, SourceNone, m.Enabled())
	assert.Equal(t, 1, len(fc.sentIDs()))
}

func TestEnableGPS_SubscribeFailure(t *testing.T) {
	m, fc, _ := newTestManager(t, allFlags)
	fc.subErr = pds.ErrClosed

	err := m.Enable(context.Background(), SourceGPSNMEA)
	assert.ErrorIs(t, err, pds.ErrClosed)
	assert.Equal(t, SourceNone, m.Enabled())
}

func TestDisableGPS_StopFailureKeepsSubscription(t *testing.T) {
	m, fc, _ := newTestManager(t, allFlags)
	ctx := context.Background()
	require.NoError(t, m.Enable(ctx, SourceGPSNMEA))

	fc.dev.Fail(pds.MsgSetGpsServiceState, pds.CodeDeviceNotReady)
	err := m.Disable(ctx, SourceGPSNMEA)
	assert.ErrorIs(t, err, pds.ErrRejected)
	assert.Equal(t, SourceGPSNMEA, m.Enabled())
	assert.Equal(t, 1, fc.subscriptions())

	fc.dev.Fail(pds.MsgSetGpsServiceState, pds.CodeNoEffect)
	require.NoError(t, m.Disable(ctx, SourceGPSNMEA), "no-effect on stop is fine")
	assert.Equal(t, SourceNone, m.Enabled())
	assert.Equal(t, 0, fc.subscriptions())
}

func TestAGPS_AlreadyAssistedWritesNothing(t *testing.T) {
	m, fc, _ := newTestManager(t, allFlags)
	fc.dev.SetSession(pds.TrackingSession{Mode: pds.ModeMSAssisted, DataTimeout: 30, Interval: 1000, AccuracyThreshold: 25})

	require.NoError(t, m.Enable(context.Background(), SourceAGPS))
	assert.Equal(t, SourceAGPS, m.Enabled())
	assert.Equal(t, []pds.MessageID{pds.MsgGetDefaultTrackingSession}, fc.sentIDs())
	assert.Equal(t, 0, fc.dev.Count(pds.MsgSetDefaultTrackingSession))
}

func TestAGPS_EnableDisablePreservesSession(t *testing.T) {
	m, fc, _ := newTestManager(t, allFlags)
	ctx := context.Background()
	fc.dev.SetSession(pds.TrackingSession{Mode: pds.ModeStandalone, DataTimeout: 30, Interval: 2000, AccuracyThreshold: 25})

	require.NoError(t, m.Enable(ctx, SourceAGPS))
	assert.Equal(t, pds.TrackingSession{Mode: pds.ModeMSAssisted, DataTimeout: 30, Interval: 2000, AccuracyThreshold: 25}, fc.dev.State().Session)
	assert.Equal(t, SourceAGPS, m.Enabled())

	require.NoError(t, m.Disable(ctx, SourceAGPS))
	assert.Equal(t, pds.TrackingSession{Mode: pds.ModeStandalone, DataTimeout: 30, Interval: 2000, AccuracyThreshold: 25}, fc.dev.State().Session)
	assert.Equal(t, SourceNone, m.Enabled())
	assert.Equal(t, 2, fc.dev.Count(pds.MsgSetDefaultTrackingSession))
}

func TestAGPS_Failures(t *testing.T) {
	m, fc, _ := newTestManager(t, allFlags)
	ctx := context.Background()

	fc.dev.Fail(pds.MsgGetDefaultTrackingSession, pds.CodeInternal)
	err := m.Enable(ctx, SourceAGPS)
	assert.Contains(t, err.Error(), "couldn't get default tracking session")
	assert.Equal(t, 0, fc.dev.Count(pds.MsgSetDefaultTrackingSession))

	fc.dev.Clear(pds.MsgGetDefaultTrackingSession)
	fc.dev.Fail(pds.MsgSetDefaultTrackingSession, pds.CodeInternal)
	err = m.Enable(ctx, SourceAGPS)
	assert.Contains(t, err.Error(), "couldn't set default tracking session")
	assert.Equal(t, SourceNone, m.Enabled())
}

func TestCellSources_NoExchangeOnDisable(t *testing.T) {
	m, fc, sink := newTestManager(t, allFlags)
	ctx := context.Background()
	fc.dev.SetBaseStation(&pds.BaseStation{ID: 12, Latitude: 19.4326, Longitude: -99.1332})

	require.NoError(t, m.Enable(ctx, SourceCellID))
	assert.Empty(t, fc.sentIDs())

	require.NoError(t, m.Enable(ctx, SourceCellBS))
	select {
	case r := <-sink.ch:
		assert.Equal(t, ReportBaseStation, r.Kind)
		require.NotNil(t, r.BaseStation)
		assert.Equal(t, uint16(12), r.BaseStation.ID)
		assert.Equal(t, "dev-1", r.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("no base station report after enabling cdma-bs")
	}
	assert.Equal(t, 1, fc.dev.Count(pds.MsgGetServingSystem))

	before := len(fc.sentIDs())
	require.NoError(t, m.Disable(ctx, SourceCellBS))
	require.NoError(t, m.Disable(ctx, SourceCellID))
	assert.Equal(t, before, len(fc.sentIDs()))
	assert.Equal(t, SourceNone, m.Enabled())
}

func TestCellBS_RefreshFailureDoesNotFailEnable(t *testing.T) {
	fc := newFakeChannel(pds.FlagCDMA)
	fc.dev.Fail(pds.MsgGetServingSystem, pds.CodeGeneralError)
	refreshed := make(chan struct{})
	m := NewManager(Config{
		Channel:   fc,
		Device:    DeviceInfo{ID: "cdma", Flags: pds.FlagCDMA},
		Refresher: refresherFunc(func(ctx context.Context) { close(refreshed) }),
	})
	defer m.Close()

	require.NoError(t, m.Enable(context.Background(), SourceCellBS))
	<-refreshed
	assert.Equal(t, SourceCellBS, m.Enabled())
}

func TestServingSystem(t *testing.T) {
	m, fc, _ := newTestManager(t, allFlags)
	ctx := context.Background()

	bs, err := m.ServingSystem(ctx)
	require.NoError(t, err)
	assert.Nil(t, bs)

	fc.dev.SetBaseStation(&pds.BaseStation{ID: 7, Latitude: 1, Longitude: 2})
	bs, err = m.ServingSystem(ctx)
	require.NoError(t, err)
	require.NotNil(t, bs)
	assert.Equal(t, uint16(7), bs.ID)

	fc.dev.Fail(pds.MsgGetServingSystem, pds.CodeDeviceNotReady)
	_, err = m.ServingSystem(ctx)
	assert.ErrorIs(t, err, pds.ErrRejected)
	assert.Contains(t, err.Error(), "couldn't get serving system")
}

type refresherFunc func(ctx context.Context)

func (f refresherFunc) RefreshRegistration(ctx context.Context) { f(ctx) }

func TestEnableAlreadyEnabledIsNoop(t *testing.T) {
	m, fc, _ := newTestManager(t, allFlags)
	ctx := context.Background()
	require.NoError(t, m.Enable(ctx, SourceAGPS))
	n := len(fc.sentIDs())
	require.NoError(t, m.Enable(ctx, SourceAGPS))
	assert.Equal(t, n, len(fc.sentIDs()))
}

func TestContractViolationsPanic(t *testing.T) {
	ctx := context.Background()

	m, _, _ := newTestManager(t, pds.Flag3GPP)
	assert.Panics(t, func() { _ = m.Enable(ctx, SourceGPSNMEA) }, "unsupported source")
	assert.Panics(t, func() { _ = m.Enable(ctx, SourceCellID|SourceCellBS) }, "more than one source")
	assert.Panics(t, func() { _ = m.Disable(ctx, SourceCellID) }, "not enabled")
	assert.Panics(t, func() { _ = m.Enable(ctx, SourceNone) })

	// the manager lock is released after a panic
	require.NoError(t, m.Enable(ctx, SourceCellID))
}

func TestIndications_ReportedOnlyWhileSubscribed(t *testing.T) {
	m, fc, sink := newTestManager(t, allFlags)
	ctx := context.Background()
	nmea := "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"

	fc.emit(pds.Indication{ID: pds.IndEventReport, NMEA: nmea})
	assert.Equal(t, 0, sink.count())

	require.NoError(t, m.Enable(ctx, SourceGPSNMEA))
	fc.emit(pds.Indication{ID: pds.IndEventReport, HasSessionStatus: true, SessionStatus: pds.SessionInProgress})
	fc.emit(pds.Indication{ID: pds.IndEventReport, NMEA: nmea})
	require.Equal(t, 1, sink.count())
	r := <-sink.ch
	assert.Equal(t, ReportNMEA, r.Kind)
	assert.Equal(t, nmea, r.NMEA)
	assert.Equal(t, SourceGPSNMEA, r.Sources)
	assert.False(t, r.At.IsZero())

	require.NoError(t, m.Disable(ctx, SourceGPSNMEA))
	fc.emit(pds.Indication{ID: pds.IndEventReport, NMEA: nmea})
	assert.Equal(t, 1, sink.count())
}

func TestOnChange(t *testing.T) {
	fc := newFakeChannel(allFlags)
	var changes []Source
	m := NewManager(Config{
		Channel:  fc,
		Device:   DeviceInfo{ID: "dev", Flags: allFlags},
		OnChange: func(s Source) { changes = append(changes, s) },
	})
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Enable(ctx, SourceGPSNMEA))
	require.NoError(t, m.Enable(ctx, SourceGPSNMEA))
	require.NoError(t, m.Enable(ctx, SourceCellID))
	fc.dev.Fail(pds.MsgGetDefaultTrackingSession, pds.CodeInternal)
	require.Error(t, m.Enable(ctx, SourceAGPS))
	require.NoError(t, m.Disable(ctx, SourceGPSNMEA))

	assert.Equal(t, []Source{SourceGPSNMEA, SourceGPSNMEA | SourceCellID, SourceCellID}, changes)
}

func TestSupl_GetSet(t *testing.T) {
	m, fc, _ := newTestManager(t, pds.FlagPDS|pds.Flag3GPP)
	ctx := context.Background()

	got, err := m.SuplServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", got)

	require.NoError(t, m.SetSuplServer(ctx, "192.168.1.1:7275"))
	assert.True(t, fc.dev.State().Server.IsNumeric())
	got, err = m.SuplServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1:7275", got)

	require.NoError(t, m.SetSuplServer(ctx, "supl.google.com:7276x"))
	got, err = m.SuplServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "supl.google.com:7276x", got)

	reqs := fc.dev.Requests()
	set := reqs[1].(pds.SetAgpsConfig)
	assert.Equal(t, pds.NetworkModeUMTS, set.NetworkMode)
}

func TestSupl_Errors(t *testing.T) {
	m, fc, _ := newTestManager(t, pds.FlagPDS|pds.FlagCDMA)
	ctx := context.Background()

	fc.dev.Fail(pds.MsgSetAgpsConfig, pds.CodeGeneralError)
	err := m.SetSuplServer(ctx, "supl.example.com")
	assert.ErrorIs(t, err, pds.ErrRejected)
	assert.Contains(t, err.Error(), "couldn't set A-GPS config")
	assert.Equal(t, pds.NetworkModeCDMA, fc.dev.Requests()[0].(pds.SetAgpsConfig).NetworkMode)

	cell, _, _ := newTestManager(t, pds.Flag3GPP)
	_, err = cell.SuplServer(ctx)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, cell.SetSuplServer(ctx, "1.2.3.4:5"), ErrUnsupported)
}

func TestClose(t *testing.T) {
	m, fc, _ := newTestManager(t, allFlags)
	ctx := context.Background()
	require.NoError(t, m.Enable(ctx, SourceGPSNMEA))

	m.Close()
	assert.Equal(t, 0, fc.subscriptions())
	assert.Equal(t, SourceNone, m.Enabled())
	assert.True(t, errors.Is(m.Enable(ctx, SourceGPSRaw), pds.ErrClosed))
	_, err := m.SuplServer(ctx)
	assert.ErrorIs(t, err, pds.ErrClosed)
	m.Close()
}

func TestSuplRender_ThroughManager(t *testing.T) {
	m, fc, _ := newTestManager(t, pds.FlagPDS)
	require.NoError(t, m.SetSuplServer(context.Background(), "süpl.example"))
	assert.Equal(t, supl.EncodeURL("süpl.example"), fc.dev.State().Server.WireURL())
	assert.Equal(t, pds.NetworkModeUnset, fc.dev.Requests()[0].(pds.SetAgpsConfig).NetworkMode)
}
