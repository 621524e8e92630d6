package devsim

import (
	"testing"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGGA_ParsesBack(t *testing.T) {
	at := time.Date(2026, 5, 4, 12, 30, 15, 0, time.UTC)
	raw := GGA(at, 19.4326, -99.1332)

	s, err := nmea.Parse(raw)
	require.NoError(t, err, raw)
	gga, ok := s.(nmea.GGA)
	require.True(t, ok)
	assert.InDelta(t, 19.4326, gga.Latitude, 1e-4)
	assert.InDelta(t, -99.1332, gga.Longitude, 1e-4)
	assert.Equal(t, "1", gga.FixQuality)
	assert.Equal(t, 12, gga.Time.Hour)
}

func TestWalk_Moves(t *testing.T) {
	next := Walk(-33.0, 151.0, 0.001)
	first, second := next(), next()
	assert.NotEqual(t, first[17:], second[17:])
}
