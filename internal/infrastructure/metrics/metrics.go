package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/davarch/pipeline-view/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics implements domain.PollObserver on top of prometheus collectors.
type Metrics struct {
	reg      *prometheus.Registry
	sessions *prometheus.GaugeVec
	ticks    *prometheus.CounterVec
	cascades *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_view_poll_sessions",
			Help: "Poll sessions currently alive, by phase.",
		}, []string{"phase"}),
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_view_poll_ticks_total",
			Help: "Poll ticks by phase and outcome.",
		}, []string{"phase", "outcome"}),
		cascades: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_view_cascades_total",
			Help: "show-status events sent to dependent jobs.",
		}, []string{"from"}),
	}
}

func (m *Metrics) SessionStarted(p domain.Phase) { m.sessions.WithLabelValues(string(p)).Inc() }
func (m *Metrics) SessionStopped(p domain.Phase) { m.sessions.WithLabelValues(string(p)).Dec() }

func (m *Metrics) Tick(p domain.Phase, o domain.TickOutcome) {
	m.ticks.WithLabelValues(string(p), string(o)).Inc()
}

func (m *Metrics) Cascade(from, _ domain.JobID) {
	m.cascades.WithLabelValues(string(from)).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /healthz on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) {
	start := time.Now()
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok " + time.Since(start).Round(time.Second).String()))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
