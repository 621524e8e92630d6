package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"TCP_PORT", "REDIS_DB", "ENABLE_SOURCES", "TRACE_FRAMES", "CMD_MIN_INTERVAL", "PROXY_ADDR"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, "5090", cfg.TCPPort)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, []string{"gps-nmea"}, cfg.EnableSources)
	assert.False(t, cfg.TraceFrames)
	assert.Equal(t, time.Second, cfg.CmdMinInterval)
	assert.Empty(t, cfg.ProxyAddr)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TCP_PORT", "7000")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("ENABLE_SOURCES", " gps-nmea, agps ,,3gpp-lac-ci")
	t.Setenv("TRACE_FRAMES", "true")
	t.Setenv("CMD_MIN_INTERVAL", "250ms")
	t.Setenv("CMD_DAILY_LIMIT", "not-a-number")

	cfg := Load()
	assert.Equal(t, "7000", cfg.TCPPort)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, []string{"gps-nmea", "agps", "3gpp-lac-ci"}, cfg.EnableSources)
	assert.True(t, cfg.TraceFrames)
	assert.Equal(t, 250*time.Millisecond, cfg.CmdMinInterval)
	assert.Equal(t, 50, cfg.CmdDailyLimit)
}

func TestLoad_NoSources(t *testing.T) {
	t.Setenv("ENABLE_SOURCES", "none")
	assert.Nil(t, Load().EnableSources)
}

func TestLoadSim(t *testing.T) {
	t.Setenv("DEVICE_FLAGS", "pds, cdma")
	t.Setenv("STREAM_INTERVAL", "200ms")
	t.Setenv("SIM_LAT", "20.5")
	t.Setenv("SIM_LON", "")

	cfg := LoadSim()
	assert.Equal(t, []string{"pds", "cdma"}, cfg.Flags)
	assert.Equal(t, 200*time.Millisecond, cfg.StreamInterval)
	assert.Equal(t, 20.5, cfg.Lat)
	assert.Equal(t, -99.1332, cfg.Lon)
}
