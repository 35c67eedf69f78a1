// Package metrics exposes Prometheus collectors for the medium managers.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/nearby-connections/logger"
)

type Metrics struct {
	acceptLoops     *prometheus.GaugeVec
	accepted        *prometheus.CounterVec
	connectAttempts *prometheus.CounterVec
	advertising     *prometheus.CounterVec
	gattReads       *prometheus.CounterVec
	discovered      *prometheus.CounterVec
	virtualSockets  *prometheus.GaugeVec
}

// New builds the collectors and registers them on reg. A nil reg skips
// registration, which tests use to avoid collisions.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		acceptLoops: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nearby_accept_loops",
			Help: "Accept loops currently running per medium",
		}, []string{"medium"}),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nearby_accepted_connections_total",
			Help: "Incoming sockets handed to accept callbacks",
		}, []string{"medium"}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nearby_connect_attempts_total",
			Help: "Outgoing connect attempts by result",
		}, []string{"medium", "result"}),
		advertising: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nearby_advertising_total",
			Help: "StartAdvertising calls by result",
		}, []string{"medium", "result"}),
		gattReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nearby_gatt_reads_total",
			Help: "GATT advertisement reads by result",
		}, []string{"result"}),
		discovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nearby_discovered_total",
			Help: "Deduplicated discovery events forwarded upstream",
		}, []string{"medium"}),
		virtualSockets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nearby_virtual_sockets",
			Help: "Live multiplexed virtual sockets per medium",
		}, []string{"medium"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.acceptLoops, m.accepted, m.connectAttempts, m.advertising,
		m.gattReads, m.discovered, m.virtualSockets,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func (m *Metrics) AcceptLoopStarted(medium string) {
	if m == nil {
		return
	}
	m.acceptLoops.WithLabelValues(medium).Inc()
}

func (m *Metrics) AcceptLoopStopped(medium string) {
	if m == nil {
		return
	}
	m.acceptLoops.WithLabelValues(medium).Dec()
}

func (m *Metrics) Accepted(medium string) {
	if m == nil {
		return
	}
	m.accepted.WithLabelValues(medium).Inc()
}

func (m *Metrics) ConnectAttempt(medium string, ok bool) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(medium, result(ok)).Inc()
}

func (m *Metrics) Advertising(medium string, ok bool) {
	if m == nil {
		return
	}
	m.advertising.WithLabelValues(medium, result(ok)).Inc()
}

func (m *Metrics) GattRead(ok bool) {
	if m == nil {
		return
	}
	m.gattReads.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) Discovered(medium string) {
	if m == nil {
		return
	}
	m.discovered.WithLabelValues(medium).Inc()
}

func (m *Metrics) VirtualSocketOpened(medium string) {
	if m == nil {
		return
	}
	m.virtualSockets.WithLabelValues(medium).Inc()
}

func (m *Metrics) VirtualSocketClosed(medium string) {
	if m == nil {
		return
	}
	m.virtualSockets.WithLabelValues(medium).Dec()
}

// Serve exposes gatherer on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics", "shutdown failed: %v", err)
		}
	}()

	logger.Info("metrics", "serving on %s", addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
