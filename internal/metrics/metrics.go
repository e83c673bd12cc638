// Package metrics exposes session lifecycle counters and the health
// summary over HTTP.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/breeze-rmm/sessionguard/internal/health"
	"github.com/breeze-rmm/sessionguard/internal/logging"
)

var log = logging.L("metrics")

// Result label values.
const (
	ResultOK          = "ok"
	ResultRejected    = "rejected"
	ResultAuthExpired = "auth_expired"
	ResultTransient   = "transient"
)

// Recorder holds the session collectors. A nil *Recorder drops every
// observation.
type Recorder struct {
	registry      *prometheus.Registry
	registrations *prometheus.CounterVec
	heartbeats    *prometheus.CounterVec
	validations   *prometheus.CounterVec
	forcedLogouts *prometheus.CounterVec
	userLogouts   prometheus.Counter
	state         prometheus.Gauge
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "registrations_total",
			Help:      "Session register calls by result.",
		}, []string{"result"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "heartbeats_total",
			Help:      "Session heartbeat calls by result.",
		}, []string{"result"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "validations_total",
			Help:      "Session validate calls by result.",
		}, []string{"result"}),
		forcedLogouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "forced_logouts_total",
			Help:      "Session teardowns started by the authority or a lapsed credential, by reason.",
		}, []string{"reason"}),
		userLogouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "user_logouts_total",
			Help:      "Session teardowns requested by the user.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessionguard",
			Name:      "session_state",
			Help:      "Lifecycle state: 0 unregistered, 1 registering, 2 active, 3 logging out.",
		}),
	}
	r.registry.MustRegister(
		r.registrations, r.heartbeats, r.validations, r.forcedLogouts, r.userLogouts, r.state,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) Registration(result string) {
	if r != nil {
		r.registrations.WithLabelValues(result).Inc()
	}
}

func (r *Recorder) Heartbeat(result string) {
	if r != nil {
		r.heartbeats.WithLabelValues(result).Inc()
	}
}

func (r *Recorder) Validation(result string) {
	if r != nil {
		r.validations.WithLabelValues(result).Inc()
	}
}

func (r *Recorder) ForcedLogout(reason string) {
	if r != nil {
		r.forcedLogouts.WithLabelValues(reason).Inc()
	}
}

func (r *Recorder) UserLogout() {
	if r != nil {
		r.userLogouts.Inc()
	}
}

func (r *Recorder) State(v int) {
	if r != nil {
		r.state.Set(float64(v))
	}
}

// Gatherer exposes the underlying registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler serves /metrics from the recorder and /healthz from monitor.
func Handler(r *Recorder, monitor *health.Monitor) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		summary := monitor.Summary()
		w.Header().Set("Content-Type", "application/json")
		if monitor.Overall() == health.Unhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(summary)
	})
	return mux
}

// Serve listens on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, r *Recorder, monitor *health.Monitor) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           Handler(r, monitor),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
