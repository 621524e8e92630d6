package pipeline

// PositionReport es lo que se manda al proxy (NDJSON) y al forwarder gRPC.
type PositionReport struct {
	Position bool   `json:"position"`
	DeviceID string `json:"device_id"`
	Datetime string `json:"dt"`
	Kind     string `json:"kind"` // nmea | base_station

	Sources []string `json:"sources"`

	// NMEA tal cual llego del dispositivo, mas su etiqueta.
	Sentence     string `json:"sentence,omitempty"`
	SentenceType string `json:"sentence_type,omitempty"`
	Talker       string `json:"talker,omitempty"`

	// Estacion base CDMA.
	BaseStationID *uint16  `json:"bs_id,omitempty"`
	Lat           *float64 `json:"lat,omitempty"`
	Lon           *float64 `json:"lon,omitempty"`

	MsgType int `json:"msg_type"` // 1=live, 0=buffer
	Fix     int `json:"fix"`      // 1 si coords de estacion base validas
}
