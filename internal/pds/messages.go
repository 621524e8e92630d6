// Package pds defines the contract between the location core and the
// device's positioning service: requests, responses, indications and the
// asynchronous channel that carries them.
package pds

import (
	"fmt"
	"time"

	"locsrc-svr/internal/supl"
)

// MessageID identifies a request/response pair or an indication.
type MessageID uint16

const (
	MsgSetEventReport            MessageID = 0x0001
	MsgSetGpsServiceState        MessageID = 0x0021
	MsgGetDefaultTrackingSession MessageID = 0x0029
	MsgSetDefaultTrackingSession MessageID = 0x002A
	MsgGetAgpsConfig             MessageID = 0x002E
	MsgSetAgpsConfig             MessageID = 0x002F
	MsgSetAutoTrackingState      MessageID = 0x0031
	MsgGetServingSystem          MessageID = 0x0124

	// IndEventReport shares its ID with MsgSetEventReport, like the device does.
	IndEventReport MessageID = 0x0001
)

func (id MessageID) String() string {
	switch id {
	case MsgSetEventReport:
		return "set_event_report"
	case MsgSetGpsServiceState:
		return "set_gps_service_state"
	case MsgGetDefaultTrackingSession:
		return "get_default_tracking_session"
	case MsgSetDefaultTrackingSession:
		return "set_default_tracking_session"
	case MsgGetAgpsConfig:
		return "get_agps_config"
	case MsgSetAgpsConfig:
		return "set_agps_config"
	case MsgSetAutoTrackingState:
		return "set_auto_tracking_state"
	case MsgGetServingSystem:
		return "get_serving_system"
	}
	return fmt.Sprintf("msg_0x%04x", uint16(id))
}

// Exchange timeouts enforced by the channel.
const (
	DefaultTimeout     = 10 * time.Second
	EventReportTimeout = 5 * time.Second
)

// Request is anything the core can send to the device.
type Request interface {
	MessageID() MessageID
	// Timeout bounds the wait for the matching response.
	Timeout() time.Duration
}

// OperatingMode is the tracking session mode held by the device.
type OperatingMode uint8

const (
	ModeStandalone OperatingMode = 0
	ModeMSBased    OperatingMode = 1
	ModeMSAssisted OperatingMode = 2
)

func (m OperatingMode) String() string {
	switch m {
	case ModeStandalone:
		return "standalone"
	case ModeMSBased:
		return "ms-based"
	case ModeMSAssisted:
		return "ms-assisted"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// TrackingSession is the device's default tracking session. Only Mode is
// ever changed by the core; the other fields are written back as read.
type TrackingSession struct {
	Mode              OperatingMode
	DataTimeout       uint8
	Interval          uint32
	AccuracyThreshold uint32
}

// NetworkMode selects which AGPS configuration set a request addresses.
type NetworkMode uint8

const (
	NetworkModeUnset NetworkMode = 0
	NetworkModeUMTS  NetworkMode = 1
	NetworkModeCDMA  NetworkMode = 2
)

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// SetGpsServiceState starts or stops the positioning engine.
type SetGpsServiceState struct{ Enabled bool }

func (SetGpsServiceState) MessageID() MessageID   { return MsgSetGpsServiceState }
func (SetGpsServiceState) Timeout() time.Duration { return DefaultTimeout }

// SetAutoTrackingState toggles continuous-fix auto tracking.
type SetAutoTrackingState struct{ Enabled bool }

func (SetAutoTrackingState) MessageID() MessageID   { return MsgSetAutoTrackingState }
func (SetAutoTrackingState) Timeout() time.Duration { return DefaultTimeout }

// SetEventReport selects which event report indications the device emits.
type SetEventReport struct{ NMEAPositionReporting bool }

func (SetEventReport) MessageID() MessageID   { return MsgSetEventReport }
func (SetEventReport) Timeout() time.Duration { return EventReportTimeout }

type GetDefaultTrackingSession struct{}

func (GetDefaultTrackingSession) MessageID() MessageID   { return MsgGetDefaultTrackingSession }
func (GetDefaultTrackingSession) Timeout() time.Duration { return DefaultTimeout }

type SetDefaultTrackingSession struct{ Session TrackingSession }

func (SetDefaultTrackingSession) MessageID() MessageID   { return MsgSetDefaultTrackingSession }
func (SetDefaultTrackingSession) Timeout() time.Duration { return DefaultTimeout }

type GetAgpsConfig struct{ NetworkMode NetworkMode }

func (GetAgpsConfig) MessageID() MessageID   { return MsgGetAgpsConfig }
func (GetAgpsConfig) Timeout() time.Duration { return DefaultTimeout }

type SetAgpsConfig struct {
	NetworkMode NetworkMode
	Server      supl.Address
}

func (SetAgpsConfig) MessageID() MessageID   { return MsgSetAgpsConfig }
func (SetAgpsConfig) Timeout() time.Duration { return DefaultTimeout }

// GetServingSystem asks the network side for the current registration,
// including the serving base station position when the network reports one.
type GetServingSystem struct{}

func (GetServingSystem) MessageID() MessageID   { return MsgGetServingSystem }
func (GetServingSystem) Timeout() time.Duration { return DefaultTimeout }

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

// Response is what the device answered. A device-level failure is carried in
// Status, never as a Go error.
type Response interface {
	MessageID() MessageID
	Status() Result
}

// Header is embedded by every response.
type Header struct {
	ID     MessageID
	Result Result
}

func (h Header) MessageID() MessageID { return h.ID }
func (h Header) Status() Result       { return h.Result }

// Ack is a response with no payload beyond the result.
type Ack struct{ Header }

type TrackingSessionResponse struct {
	Header
	Session TrackingSession
}

type AgpsConfigResponse struct {
	Header
	Server supl.Address
}

// BaseStation is a serving cell position in degrees.
type BaseStation struct {
	ID        uint16
	Latitude  float64
	Longitude float64
}

type ServingSystemResponse struct {
	Header
	// BaseStation is nil when the network did not report a position.
	BaseStation *BaseStation
}

// ---------------------------------------------------------------------------
// Indications
// ---------------------------------------------------------------------------

// SessionStatus is the position session state reported in event reports.
type SessionStatus uint8

const (
	SessionSuccess SessionStatus = iota
	SessionInProgress
	SessionGeneralFailure
	SessionTimeout
	SessionUserEnded
	SessionBadParameter
	SessionPhoneOffline
	SessionEngineLocked
	SessionE911InProgress
)

func (s SessionStatus) String() string {
	names := [...]string{"success", "in-progress", "general-failure", "timeout",
		"user-ended", "bad-parameter", "phone-offline", "engine-locked", "e911-session-in-progress"}
	if int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("session-status(%d)", uint8(s))
}

// Indication is an unsolicited message from the device. Either field may be
// absent.
type Indication struct {
	ID               MessageID
	HasSessionStatus bool
	SessionStatus    SessionStatus
	NMEA             string
}
