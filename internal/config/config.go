package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	TCPPort     string
	MetricsPort string
	GRPCServer  string
	RedisAddr   string
	RedisDB     int
	ProxyAddr   string
	LogLevel    string

	// Fuentes que se habilitan al registrar cada dispositivo.
	EnableSources []string
	SuplServer    string

	TraceFrames bool
	TraceDir    string

	CmdDailyLimit   int
	CmdSessionLimit int
	CmdMinInterval  time.Duration
}

func Load() Config {
	return Config{
		TCPPort:         getEnv("TCP_PORT", "5090"),
		MetricsPort:     getEnv("METRICS_PORT", "9000"),
		GRPCServer:      getEnv("GRPC_SERVER", ""),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		ProxyAddr:       getEnv("PROXY_ADDR", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		EnableSources:   getEnvList("ENABLE_SOURCES", "gps-nmea"),
		SuplServer:      getEnv("SUPL_SERVER", ""),
		TraceFrames:     getEnvBool("TRACE_FRAMES", false),
		TraceDir:        getEnv("TRACE_DIR", "logs"),
		CmdDailyLimit:   getEnvInt("CMD_DAILY_LIMIT", 50),
		CmdSessionLimit: getEnvInt("CMD_SESSION_LIMIT", 20),
		CmdMinInterval:  getEnvDuration("CMD_MIN_INTERVAL", time.Second),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}

// getEnvList separa por comas; "none" desactiva la lista.
func getEnvList(key, fallback string) []string {
	raw := strings.TrimSpace(getEnv(key, fallback))
	if raw == "" || strings.EqualFold(raw, "none") {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SimConfig configura cmd/pdssim.
type SimConfig struct {
	GatewayAddr    string
	DeviceID       string
	Flags          []string // pds, 3gpp, cdma
	StreamInterval time.Duration
	LogLevel       string
	// BaseStation reporta una estacion base CDMA fija (lat,lon en grados).
	BaseStationID uint16
	Lat, Lon      float64
}

func LoadSim() SimConfig {
	return SimConfig{
		GatewayAddr:    getEnv("GATEWAY_ADDR", "localhost:5090"),
		DeviceID:       getEnv("DEVICE_ID", "sim-0001"),
		Flags:          getEnvList("DEVICE_FLAGS", "pds,3gpp"),
		StreamInterval: getEnvDuration("STREAM_INTERVAL", time.Second),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		BaseStationID:  uint16(getEnvInt("BS_ID", 0)),
		Lat:            getEnvFloat("SIM_LAT", 19.4326),
		Lon:            getEnvFloat("SIM_LON", -99.1332),
	}
}

func getEnvFloat(key string, fallback float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return fallback
}
