package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"

	"locsrc-svr/internal/pds"
	"locsrc-svr/internal/supl"
)

// TLV types. They are scoped per message, so the same number means different
// things in different messages.
const (
	tlvState         = 0x01 // u8, gps service / auto tracking state
	tlvSessionInfo   = 0x01 // mode u8 | timeout u8 | interval u32 | accuracy u32
	tlvResult        = 0x02 // status u16 | error u16
	tlvNMEAReporting = 0x10 // u8
	tlvServerAddress = 0x10 // ipv4 4B | port u32
	tlvServerURL     = 0x11 // UTF-16BE
	tlvNetworkMode   = 0x14 // u8
	tlvBaseStation   = 0x10 // id u16 | lat i32 | lon i32 (1e-7 deg)

	tlvIndNMEA          = 0x10
	tlvIndSessionStatus = 0x11

	tlvHelloDeviceID = 0x01
	tlvHelloFlags    = 0x02
)

const (
	sessionInfoLen = 10
	addressLen     = 8
	baseStationLen = 10
	coordScale     = 1e7
)

func boolByte(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func byteBool(p Packet, t uint8) (bool, error) {
	v, ok := p.Get(t)
	if !ok || len(v) != 1 {
		return false, fmt.Errorf("%w: 0x%02x in %s", ErrMissingTLV, t, p.ID)
	}
	return v[0] != 0, nil
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// EncodeRequest builds the request packet for req.
func EncodeRequest(txn uint16, req pds.Request) (Packet, error) {
	p := Packet{Kind: KindRequest, Txn: txn, ID: req.MessageID()}
	switch r := req.(type) {
	case pds.SetGpsServiceState:
		p.add(tlvState, boolByte(r.Enabled))
	case pds.SetAutoTrackingState:
		p.add(tlvState, boolByte(r.Enabled))
	case pds.SetEventReport:
		p.add(tlvNMEAReporting, boolByte(r.NMEAPositionReporting))
	case pds.GetDefaultTrackingSession:
	case pds.SetDefaultTrackingSession:
		p.add(tlvSessionInfo, encodeSession(r.Session))
	case pds.GetAgpsConfig:
		addNetworkMode(&p, r.NetworkMode)
	case pds.SetAgpsConfig:
		addNetworkMode(&p, r.NetworkMode)
		addServer(&p, r.Server)
	case pds.GetServingSystem:
	default:
		return Packet{}, fmt.Errorf("%w: request %T", ErrUnknownMessage, req)
	}
	return p, nil
}

// DecodeRequest is the device side of EncodeRequest.
func DecodeRequest(p Packet) (pds.Request, error) {
	switch p.ID {
	case pds.MsgSetGpsServiceState:
		on, err := byteBool(p, tlvState)
		return pds.SetGpsServiceState{Enabled: on}, err
	case pds.MsgSetAutoTrackingState:
		on, err := byteBool(p, tlvState)
		return pds.SetAutoTrackingState{Enabled: on}, err
	case pds.MsgSetEventReport:
		on, err := byteBool(p, tlvNMEAReporting)
		return pds.SetEventReport{NMEAPositionReporting: on}, err
	case pds.MsgGetDefaultTrackingSession:
		return pds.GetDefaultTrackingSession{}, nil
	case pds.MsgSetDefaultTrackingSession:
		v, ok := p.Get(tlvSessionInfo)
		if !ok {
			return nil, fmt.Errorf("%w: session info", ErrMissingTLV)
		}
		s, err := decodeSession(v)
		return pds.SetDefaultTrackingSession{Session: s}, err
	case pds.MsgGetAgpsConfig:
		return pds.GetAgpsConfig{NetworkMode: networkMode(p)}, nil
	case pds.MsgSetAgpsConfig:
		return pds.SetAgpsConfig{NetworkMode: networkMode(p), Server: server(p)}, nil
	case pds.MsgGetServingSystem:
		return pds.GetServingSystem{}, nil
	}
	return nil, fmt.Errorf("%w: request %s", ErrUnknownMessage, p.ID)
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

// EncodeResponse is used by the device side to answer a request.
func EncodeResponse(txn uint16, resp pds.Response) Packet {
	p := Packet{Kind: KindResponse, Txn: txn, ID: resp.MessageID()}
	status, code := resp.Status().Wire()
	res := make([]byte, 4)
	binary.BigEndian.PutUint16(res[0:2], status)
	binary.BigEndian.PutUint16(res[2:4], code)
	p.add(tlvResult, res)

	switch r := resp.(type) {
	case *pds.TrackingSessionResponse:
		if status == 0 {
			p.add(tlvSessionInfo, encodeSession(r.Session))
		}
	case *pds.AgpsConfigResponse:
		addServer(&p, r.Server)
	case *pds.ServingSystemResponse:
		if r.BaseStation != nil {
			p.add(tlvBaseStation, encodeBaseStation(*r.BaseStation))
		}
	}
	return p
}

// DecodeResponse parses a response packet into the pds type for its message.
func DecodeResponse(p Packet) (pds.Response, error) {
	v, ok := p.Get(tlvResult)
	if !ok || len(v) != 4 {
		return nil, fmt.Errorf("%w: result in %s", ErrMissingTLV, p.ID)
	}
	hdr := pds.Header{
		ID:     p.ID,
		Result: pds.ResultFromWire(binary.BigEndian.Uint16(v[0:2]), binary.BigEndian.Uint16(v[2:4])),
	}

	switch p.ID {
	case pds.MsgSetGpsServiceState, pds.MsgSetAutoTrackingState, pds.MsgSetEventReport,
		pds.MsgSetDefaultTrackingSession, pds.MsgSetAgpsConfig:
		return &pds.Ack{Header: hdr}, nil
	case pds.MsgGetDefaultTrackingSession:
		resp := &pds.TrackingSessionResponse{Header: hdr}
		if info, ok := p.Get(tlvSessionInfo); ok {
			s, err := decodeSession(info)
			if err != nil {
				return nil, err
			}
			resp.Session = s
		}
		return resp, nil
	case pds.MsgGetAgpsConfig:
		return &pds.AgpsConfigResponse{Header: hdr, Server: server(p)}, nil
	case pds.MsgGetServingSystem:
		resp := &pds.ServingSystemResponse{Header: hdr}
		if bs, ok := p.Get(tlvBaseStation); ok {
			b, err := decodeBaseStation(bs)
			if err != nil {
				return nil, err
			}
			resp.BaseStation = &b
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%w: response %s", ErrUnknownMessage, p.ID)
}

// ---------------------------------------------------------------------------
// Indications
// ---------------------------------------------------------------------------

func EncodeIndication(ind pds.Indication) Packet {
	p := Packet{Kind: KindIndication, ID: ind.ID}
	if ind.HasSessionStatus {
		p.add(tlvIndSessionStatus, []byte{byte(ind.SessionStatus)})
	}
	if ind.NMEA != "" {
		p.add(tlvIndNMEA, []byte(ind.NMEA))
	}
	return p
}

func DecodeIndication(p Packet) (pds.Indication, error) {
	ind := pds.Indication{ID: p.ID}
	if v, ok := p.Get(tlvIndSessionStatus); ok {
		if len(v) != 1 {
			return pds.Indication{}, fmt.Errorf("%w: session status length %d", ErrMalformedTLV, len(v))
		}
		ind.HasSessionStatus = true
		ind.SessionStatus = pds.SessionStatus(v[0])
	}
	if v, ok := p.Get(tlvIndNMEA); ok {
		ind.NMEA = string(v)
	}
	return ind, nil
}

// ---------------------------------------------------------------------------
// Handshake
// ---------------------------------------------------------------------------

// Hello is the first frame a device sends after connecting.
type Hello struct {
	DeviceID string
	Flags    pds.DeviceFlags
}

func EncodeHello(h Hello) Packet {
	p := Packet{Kind: KindHello}
	p.add(tlvHelloDeviceID, []byte(h.DeviceID))
	p.add(tlvHelloFlags, []byte{byte(h.Flags)})
	return p
}

func DecodeHello(p Packet) (Hello, error) {
	if p.Kind != KindHello {
		return Hello{}, fmt.Errorf("codec: expected hello, got %s", p.Kind)
	}
	id, ok := p.Get(tlvHelloDeviceID)
	if !ok || len(id) == 0 {
		return Hello{}, fmt.Errorf("%w: device id", ErrMissingTLV)
	}
	flags, ok := p.Get(tlvHelloFlags)
	if !ok || len(flags) != 1 {
		return Hello{}, fmt.Errorf("%w: flags", ErrMissingTLV)
	}
	return Hello{DeviceID: string(id), Flags: pds.DeviceFlags(flags[0])}, nil
}

// HelloAck acknowledges a hello.
func HelloAck() Packet { return Packet{Kind: KindHelloAck} }

// ---------------------------------------------------------------------------
// Field helpers
// ---------------------------------------------------------------------------

func encodeSession(s pds.TrackingSession) []byte {
	b := make([]byte, sessionInfoLen)
	b[0] = byte(s.Mode)
	b[1] = s.DataTimeout
	binary.BigEndian.PutUint32(b[2:6], s.Interval)
	binary.BigEndian.PutUint32(b[6:10], s.AccuracyThreshold)
	return b
}

func decodeSession(b []byte) (pds.TrackingSession, error) {
	if len(b) != sessionInfoLen {
		return pds.TrackingSession{}, fmt.Errorf("%w: session info length %d", ErrMalformedTLV, len(b))
	}
	return pds.TrackingSession{
		Mode:              pds.OperatingMode(b[0]),
		DataTimeout:       b[1],
		Interval:          binary.BigEndian.Uint32(b[2:6]),
		AccuracyThreshold: binary.BigEndian.Uint32(b[6:10]),
	}, nil
}

func addNetworkMode(p *Packet, m pds.NetworkMode) {
	if m != pds.NetworkModeUnset {
		p.add(tlvNetworkMode, []byte{byte(m)})
	}
}

func networkMode(p Packet) pds.NetworkMode {
	if v, ok := p.Get(tlvNetworkMode); ok && len(v) == 1 {
		return pds.NetworkMode(v[0])
	}
	return pds.NetworkModeUnset
}

// addServer writes the numeric form when usable, else the URL when present.
func addServer(p *Packet, a supl.Address) {
	if a.IsNumeric() {
		ap := a.AddrPort()
		ip := ap.Addr().As4()
		b := make([]byte, 0, addressLen)
		b = append(b, ip[:]...)
		b = binary.BigEndian.AppendUint32(b, uint32(ap.Port()))
		p.add(tlvServerAddress, b)
		return
	}
	if url := a.WireURL(); len(url) > 0 {
		p.add(tlvServerURL, url)
	}
}

// server reads back whatever the device stored; both TLVs may be present.
func server(p Packet) supl.Address {
	var ap netip.AddrPort
	if v, ok := p.Get(tlvServerAddress); ok && len(v) == addressLen {
		port := binary.BigEndian.Uint32(v[4:8])
		if port <= math.MaxUint16 {
			ap = netip.AddrPortFrom(netip.AddrFrom4([4]byte(v[0:4])), uint16(port))
		}
	}
	if ap.IsValid() && ap.Port() != 0 && !ap.Addr().IsUnspecified() {
		return supl.Numeric(ap)
	}
	if url, ok := p.Get(tlvServerURL); ok {
		return supl.URL(url)
	}
	return supl.Address{}
}

func encodeBaseStation(bs pds.BaseStation) []byte {
	b := make([]byte, baseStationLen)
	binary.BigEndian.PutUint16(b[0:2], bs.ID)
	binary.BigEndian.PutUint32(b[2:6], uint32(int32(math.Round(bs.Latitude*coordScale))))
	binary.BigEndian.PutUint32(b[6:10], uint32(int32(math.Round(bs.Longitude*coordScale))))
	return b
}

func decodeBaseStation(b []byte) (pds.BaseStation, error) {
	if len(b) != baseStationLen {
		return pds.BaseStation{}, fmt.Errorf("%w: base station length %d", ErrMalformedTLV, len(b))
	}
	return pds.BaseStation{
		ID:        binary.BigEndian.Uint16(b[0:2]),
		Latitude:  float64(int32(binary.BigEndian.Uint32(b[2:6]))) / coordScale,
		Longitude: float64(int32(binary.BigEndian.Uint32(b[6:10]))) / coordScale,
	}, nil
}
