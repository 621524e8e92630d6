package devsim

import (
	"fmt"
	"math"
	"time"

	"github.com/adrianmo/go-nmea"
)

// GGA builds a valid $GPGGA fix for lat/lon in decimal degrees.
func GGA(at time.Time, lat, lon float64) string {
	latHemi, lonHemi := "N", "E"
	if lat < 0 {
		latHemi, lat = "S", -lat
	}
	if lon < 0 {
		lonHemi, lon = "W", -lon
	}
	body := fmt.Sprintf("GPGGA,%s,%s,%s,%s,%s,1,08,0.9,2240.0,M,-8.4,M,,",
		at.UTC().Format("150405.00"),
		degMin(lat, 2), latHemi,
		degMin(lon, 3), lonHemi)
	return "$" + body + "*" + nmea.Checksum(body)
}

// degMin formatea grados decimales como (d)ddmm.mmmm.
func degMin(v float64, width int) string {
	deg := math.Floor(v)
	mins := (v - deg) * 60
	return fmt.Sprintf("%0*d%07.4f", width, int(deg), mins)
}

// Walk returns a GGA generator that drifts north-east by step degrees per fix.
func Walk(lat, lon, step float64) func() string {
	return func() string {
		s := GGA(time.Now(), lat, lon)
		lat += step
		lon += step
		return s
	}
}
