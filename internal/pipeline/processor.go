package pipeline

import (
	"encoding/json"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"locsrc-svr/internal/location"
)

func coordsValid(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return true
}

// DecideMsgType marca como buffer los reportes que llegan con mas de 120s.
func DecideMsgType(ts time.Time) int {
	if !ts.IsZero() && time.Since(ts) > 120*time.Second {
		return 0
	}
	return 1
}

// Tag devuelve tipo y talker de la sentencia; vacio si go-nmea no la reconoce
// o el checksum no cuadra. La sentencia se reenvia igual.
func Tag(sentence string) (sentenceType, talker string) {
	s, err := nmea.Parse(sentence)
	if err != nil {
		return "", ""
	}
	return s.DataType(), s.TalkerID()
}

// Build convierte un reporte del manager en el objeto del uplink.
func Build(r location.Report) *PositionReport {
	pr := &PositionReport{
		Position: true,
		DeviceID: r.DeviceID,
		Datetime: r.At.UTC().Format(time.RFC3339),
		Kind:     string(r.Kind),
		Sources:  r.Sources.Names(),
		MsgType:  DecideMsgType(r.At),
	}
	if pr.Sources == nil {
		pr.Sources = []string{}
	}

	switch r.Kind {
	case location.ReportNMEA:
		pr.Sentence = r.NMEA
		pr.SentenceType, pr.Talker = Tag(r.NMEA)
	case location.ReportBaseStation:
		if bs := r.BaseStation; bs != nil {
			id, lat, lon := bs.ID, bs.Latitude, bs.Longitude
			pr.BaseStationID = &id
			pr.Lat = &lat
			pr.Lon = &lon
			if coordsValid(lat, lon) {
				pr.Fix = 1
			}
		}
	}
	return pr
}

// ToGRPC serializa el reporte como payload del forwarder.
func ToGRPC(pr *PositionReport) (string, error) {
	b, err := json.Marshal(pr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
