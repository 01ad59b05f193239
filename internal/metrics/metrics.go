// Package metrics exposes the supervisor's Prometheus surface
// (SPEC_FULL §3.1): gauges/counters mirroring statistic_service, served
// on a loopback-only address separate from the control socket.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the daemon's Prometheus metrics and the HTTP server
// exposing them.
type Registry struct {
	reg *prometheus.Registry

	WorkersActive        prometheus.Gauge
	WorkersRestarting    prometheus.Gauge
	WorkerRestartsTotal  *prometheus.CounterVec
	PendingRequestsTotal *prometheus.GaugeVec
	RPCErrorsTotal       *prometheus.CounterVec

	srv *http.Server
}

// New constructs a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		WorkersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iptv_daemon_workers_active",
			Help: "Number of stream workers currently registered and not yet reaped.",
		}),
		WorkersRestarting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iptv_daemon_workers_restarting",
			Help: "Number of stream workers currently in restart backoff.",
		}),
		WorkerRestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_daemon_worker_restarts_total",
			Help: "Total restart attempts per stream id.",
		}, []string{"stream_id"}),
		PendingRequestsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iptv_daemon_pending_requests_total",
			Help: "Outbound requests awaiting a reply, by peer.",
		}, []string{"peer"}),
		RPCErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_daemon_rpc_errors_total",
			Help: "RPC error replies emitted, by error code.",
		}, []string{"code"}),
	}
	reg.MustRegister(r.WorkersActive, r.WorkersRestarting, r.WorkerRestartsTotal, r.PendingRequestsTotal, r.RPCErrorsTotal)
	return r
}

// SetWorkersActive reports the live worker count.
func (r *Registry) SetWorkersActive(n int) { r.WorkersActive.Set(float64(n)) }

// SetWorkersRestarting reports the worker-in-backoff count.
func (r *Registry) SetWorkersRestarting(n int) { r.WorkersRestarting.Set(float64(n)) }

// IncWorkerRestart counts one restart attempt for streamID.
func (r *Registry) IncWorkerRestart(streamID string) { r.WorkerRestartsTotal.WithLabelValues(streamID).Inc() }

// SetPendingRequests reports how many requests toward peer await a reply.
func (r *Registry) SetPendingRequests(peer string, n int) {
	r.PendingRequestsTotal.WithLabelValues(peer).Set(float64(n))
}

// IncRPCError counts one Err reply of the given code.
func (r *Registry) IncRPCError(code string) { r.RPCErrorsTotal.WithLabelValues(code).Inc() }

// Serve binds addr (intended to be loopback-only) and serves /metrics in
// the background until Shutdown is called.
func (r *Registry) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	r.srv = &http.Server{Handler: mux}
	go func() {
		if err := r.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return
		}
	}()
	return nil
}

// Shutdown stops the metrics HTTP server, if running.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r.srv == nil {
		return nil
	}
	return r.srv.Shutdown(ctx)
}
