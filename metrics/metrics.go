// Package metrics bundles the prometheus collectors the sender and
// receiver engines update, and an optional HTTP exporter. This is additive
// instrumentation; dropped-datagram accounting at the parse sites happens
// regardless of whether a registry is attached.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors bundles every prometheus vector the engines update.
type Collectors struct {
	ChunksSent       prometheus.Counter
	ChunksRedundant  prometheus.Counter
	ChunksReceived   prometheus.Counter
	ChunksDuplicate  prometheus.Counter
	ChunksCRCFailed  prometheus.Counter
	NacksSent        prometheus.Counter
	NacksReceived    prometheus.Counter
	SegmentsComplete prometheus.Counter
	PacingRateBytes  prometheus.Gauge
	RedundancyRatio  prometheus.Gauge
	LinkWeight       *prometheus.GaugeVec
}

// New registers a fresh Collectors set on reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the global
// default registry across sessions.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "brudp_chunks_sent_total", Help: "Total chunks transmitted, originals and redundants.",
		}),
		ChunksRedundant: f.NewCounter(prometheus.CounterOpts{
			Name: "brudp_chunks_redundant_total", Help: "Total redundant chunk copies transmitted.",
		}),
		ChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "brudp_chunks_received_total", Help: "Total chunks admitted by the receiver.",
		}),
		ChunksDuplicate: f.NewCounter(prometheus.CounterOpts{
			Name: "brudp_chunks_duplicate_total", Help: "Total duplicate chunk deliveries observed.",
		}),
		ChunksCRCFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "brudp_chunks_crc_failed_total", Help: "Total chunks dropped for a CRC32 mismatch.",
		}),
		NacksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "brudp_nacks_sent_total", Help: "Total NACK frames emitted by the receiver.",
		}),
		NacksReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "brudp_nacks_received_total", Help: "Total NACK frames serviced by the sender.",
		}),
		SegmentsComplete: f.NewCounter(prometheus.CounterOpts{
			Name: "brudp_segments_completed_total", Help: "Total segments fully assembled by the receiver.",
		}),
		PacingRateBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "brudp_pacing_rate_bytes", Help: "Current sender pacing target in bytes/sec.",
		}),
		RedundancyRatio: f.NewGauge(prometheus.GaugeOpts{
			Name: "brudp_redundancy_ratio", Help: "Current sender redundancy ratio.",
		}),
		LinkWeight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brudp_link_weight", Help: "Normalized send weight of a link.",
		}, []string{"link_id"}),
	}
}

// Server wraps an http.Server exposing /metrics via promhttp.Handler, for
// the cmd binaries' optional -metrics-addr flag.
type Server struct {
	httpSrv *http.Server
}

// Serve starts an HTTP server on addr exposing reg's metrics at /metrics.
// It returns immediately; call Close to shut it down.
func Serve(addr string, reg *prometheus.Registry) (*Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: binding %s: %w", addr, err)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Println("metrics: server exited:", err)
		}
	}()
	return &Server{httpSrv: srv}, nil
}

// Close shuts the metrics server down, draining for up to drain before
// forcing closure.
func (s *Server) Close(drain time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}
