// Package metrics holds the Prometheus collectors for the server. A nil
// *Metrics is valid and turns every recording method into a no-op, so
// components never need to check whether metrics are enabled.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery and forward result label values.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Metrics is the set of collectors for one server instance.
type Metrics struct {
	sessionsActive     prometheus.Gauge
	sessionsTotal      prometheus.Counter
	deliveries         *prometheus.CounterVec
	broadcastDuration  prometheus.Histogram
	forwards           *prometheus.CounterVec
	authDecisions      *prometheus.CounterVec
	disconnects        *prometheus.CounterVec
	registeredSessions prometheus.GaugeFunc
}

// New registers the collectors on reg. sessionCount, when non-nil, backs the
// sshhub_registry_sessions gauge.
//
// Parameters:
//   - reg: The registerer to attach collectors to
//   - sessionCount: Callback reporting the current registry size
//
// Returns:
//   - A ready Metrics instance
func New(reg prometheus.Registerer, sessionCount func() int) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "sshhub_sessions_active",
			Help: "Number of sessions currently connected",
		}),
		sessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "sshhub_sessions_total",
			Help: "Total number of sessions created",
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sshhub_broadcast_deliveries_total",
			Help: "Broadcast deliveries by result",
		}, []string{"result"}),
		broadcastDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sshhub_broadcast_duration_seconds",
			Help:    "Time taken to issue one broadcast to every recipient",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		forwards: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sshhub_forwards_total",
			Help: "Forwarded channel attempts by result",
		}, []string{"result"}),
		authDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sshhub_auth_decisions_total",
			Help: "Authentication decisions by method and result",
		}, []string{"method", "result"}),
		disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sshhub_session_closes_total",
			Help: "Session closes by reason",
		}, []string{"reason"}),
	}

	if sessionCount != nil {
		m.registeredSessions = f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sshhub_registry_sessions",
			Help: "Number of sessions present in the broadcast registry",
		}, func() float64 { return float64(sessionCount()) })
	}

	return m
}

// SessionOpened records a new session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

// SessionClosed records the end of a session with the given reason.
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.disconnects.WithLabelValues(reason).Inc()
}

// Broadcast records the outcome of one broadcast.
//
// Parameters:
//   - delivered: Recipients whose handle accepted the payload
//   - failed: Recipients whose handle returned an error
//   - took: Time spent issuing the deliveries
func (m *Metrics) Broadcast(delivered, failed int, took time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(ResultOK).Add(float64(delivered))
	m.deliveries.WithLabelValues(ResultFailed).Add(float64(failed))
	m.broadcastDuration.Observe(took.Seconds())
}

// Forward records a forwarded-channel attempt.
func (m *Metrics) Forward(ok bool) {
	if m == nil {
		return
	}
	m.forwards.WithLabelValues(result(ok)).Inc()
}

// AuthDecision records an authentication decision.
func (m *Metrics) AuthDecision(method string, accepted bool) {
	if m == nil {
		return
	}
	label := "rejected"
	if accepted {
		label = "accepted"
	}
	m.authDecisions.WithLabelValues(method, label).Inc()
}

func result(ok bool) string {
	if ok {
		return ResultOK
	}
	return ResultFailed
}

// Serve exposes the collectors of gatherer on addr under /metrics until ctx
// is cancelled.
//
// Parameters:
//   - ctx: Stops the HTTP server when cancelled
//   - addr: Listen address, e.g. ":9222"
//   - gatherer: Source of the exported metrics
//
// Returns:
//   - nil on clean shutdown, or the listen error
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
