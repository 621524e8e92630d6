package location

import (
	"fmt"

	"locsrc-svr/internal/pds"
)

// ---------------------------------------------------------------------------
// Enable
// ---------------------------------------------------------------------------

func (m *Manager) enablePlan(s, cur Source) plan {
	switch s {
	case SourceCellID:
		return m.commitPlan(s, true)
	case SourceCellBS:
		p := m.commitPlan(s, true)
		p.after = func() { m.spawn(m.refresher.RefreshRegistration) }
		return p
	case SourceAGPS:
		return m.trackingSessionPlan(s, true, pds.ModeMSAssisted)
	case SourceGPSNMEA, SourceGPSRaw:
		if engineRunning(cur) {
			m.log.Debug("GPS engine already running", "source", s.String())
			return m.commitPlan(s, true)
		}
		return plan{
			steps: []step{
				send(pds.SetGpsServiceState{Enabled: true}),
				thenSend(true, pds.SetAutoTrackingState{Enabled: true}),
				thenSend(true, pds.SetEventReport{NMEAPositionReporting: true}),
			},
			finish: func(last pds.Response) error {
				if err := check(last, false); err != nil {
					return err
				}
				if m.tracker.Subscribed() {
					panic("location: indication subscription already exists before engine start")
				}
				sub, err := m.ch.Subscribe(pds.IndicationFilter{ID: pds.IndEventReport}, m.onIndication)
				if err != nil {
					return fmt.Errorf("couldn't subscribe to position reports: %w", err)
				}
				m.tracker.Attach(sub)
				m.tracker.Commit(s, true)
				m.log.Debug("GPS started", "source", s.String())
				return nil
			},
		}
	}
	panic(fmt.Sprintf("location: cannot enable source %s", s))
}

// ---------------------------------------------------------------------------
// Disable
// ---------------------------------------------------------------------------

func (m *Manager) disablePlan(s, cur Source) plan {
	switch s {
	case SourceCellID, SourceCellBS:
		return m.commitPlan(s, false)
	case SourceAGPS:
		return m.trackingSessionPlan(s, false, pds.ModeStandalone)
	case SourceGPSNMEA, SourceGPSRaw:
		if remaining := cur &^ s; engineRunning(remaining) {
			m.log.Debug("GPS engine still in use", "remaining", remaining.String())
			return m.commitPlan(s, false)
		}
		return plan{
			steps: []step{send(pds.SetGpsServiceState{Enabled: false})},
			finish: func(last pds.Response) error {
				if err := check(last, true); err != nil {
					return err
				}
				m.ch.Unsubscribe(m.tracker.Detach())
				m.tracker.Commit(s, false)
				m.log.Debug("GPS stopped", "source", s.String())
				return nil
			},
		}
	}
	panic(fmt.Sprintf("location: cannot disable source %s", s))
}

// ---------------------------------------------------------------------------
// Shared
// ---------------------------------------------------------------------------

func (m *Manager) commitPlan(s Source, enabled bool) plan {
	return plan{finish: func(pds.Response) error {
		m.tracker.Commit(s, enabled)
		return nil
	}}
}

// trackingSessionPlan reads the default tracking session and writes it back
// with mode only when it differs, keeping timeout, interval and accuracy.
func (m *Manager) trackingSessionPlan(s Source, enabled bool, mode pds.OperatingMode) plan {
	return plan{
		steps: []step{
			send(pds.GetDefaultTrackingSession{}),
			func(prev pds.Response) (pds.Request, error) {
				if err := check(prev, false); err != nil {
					return nil, err
				}
				ts, ok := prev.(*pds.TrackingSessionResponse)
				if !ok {
					return nil, fmt.Errorf("%s: %w: %T", opFor(prev.MessageID()), pds.ErrUnexpectedResponse, prev)
				}
				if ts.Session.Mode == mode {
					m.log.Debug("tracking session already in wanted mode", "mode", mode.String())
					return nil, nil
				}
				session := ts.Session
				session.Mode = mode
				return pds.SetDefaultTrackingSession{Session: session}, nil
			},
		},
		finish: func(last pds.Response) error {
			if err := check(last, false); err != nil {
				return err
			}
			m.tracker.Commit(s, enabled)
			return nil
		},
	}
}
