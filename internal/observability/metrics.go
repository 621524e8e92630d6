package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TCPConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locsrc_tcp_connections_total",
		Help: "Total de conexiones TCP aceptadas",
	})
	HandshakeOK = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locsrc_handshake_ok_total",
		Help: "Total de handshakes hello ok",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "locsrc_active_sessions",
		Help: "Sesiones de dispositivo activas",
	})
	FrameErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locsrc_frame_errors_total",
		Help: "Frames descartados por errores de codec",
	})
	Exchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locsrc_exchanges_total",
		Help: "Intercambios request/response por mensaje y resultado",
	}, []string{"msg", "outcome"})
	ExchangeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "locsrc_exchange_latency_seconds",
		Help:    "Latencia de cada intercambio con el dispositivo",
		Buckets: prometheus.DefBuckets,
	}, []string{"msg"})
	SourceOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locsrc_source_operations_total",
		Help: "Enable/disable de fuentes de localizacion por resultado",
	}, []string{"op", "source", "result"})
	EnginesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "locsrc_engines_running",
		Help: "Motores de posicionamiento arrancados",
	})
	PositionReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locsrc_position_reports_total",
		Help: "Reportes de posicion producidos",
	}, []string{"kind"})
	ReportsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locsrc_position_reports_dropped_total",
		Help: "Reportes descartados por cola llena",
	})
	UplinkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locsrc_uplink_errors_total",
		Help: "Errores enviando NDJSON al proxy",
	})
	ForwardErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locsrc_forward_errors_total",
		Help: "Errores del forwarder gRPC",
	})
	RedisSetErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locsrc_redis_set_errors_total",
		Help: "Errores al escribir estados en Redis",
	})
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locsrc_commands_total",
		Help: "Comandos de control por resultado",
	}, []string{"cmd", "result"})
)

func ObserveExchange(msg, outcome string, start time.Time) {
	Exchanges.WithLabelValues(msg, outcome).Inc()
	ExchangeLatency.WithLabelValues(msg).Observe(time.Since(start).Seconds())
}

// MetricsHandler serves /metrics and /healthz.
func MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// StartMetricsServer blocks until ctx is done or the listener fails.
func StartMetricsServer(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
