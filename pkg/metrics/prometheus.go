// Package metrics exports dispatcher activity in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/holon-run/chatsync/pkg/protocol"
)

const namespace = "chatsync"

// Exporter implements dispatch.Metrics on a Prometheus registry.
type Exporter struct {
	registry *prometheus.Registry

	events       *prometheus.CounterVec
	fragments    *prometheus.CounterVec
	replaced     *prometheus.CounterVec
	flushes      prometheus.Counter
	flushSize    prometheus.Histogram
	openChannels prometheus.Gauge
}

// Config configures the exporter.
type Config struct {
	// Registry to use; a new one is created when nil.
	Registry *prometheus.Registry
	// FlushBuckets are the histogram buckets for fragments per flush.
	FlushBuckets []float64
}

// DefaultConfig returns the default exporter configuration.
func DefaultConfig() Config {
	return Config{
		FlushBuckets: []float64{1, 2, 4, 8, 16, 32},
	}
}

// NewExporter creates the collectors and registers them.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.FlushBuckets) == 0 {
		cfg.FlushBuckets = DefaultConfig().FlushBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "events_total",
			Help:      "Events routed by the dispatcher, by kind and result",
		},
		[]string{"kind", "result"},
	)

	e.fragments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunkbuf",
			Name:      "fragments_total",
			Help:      "Streaming fragments accepted by chunk buffers",
		},
		[]string{"kind"},
	)

	e.replaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunkbuf",
			Name:      "fragments_replaced_total",
			Help:      "Buffered fragments replaced by a reconnect resend",
		},
		[]string{"kind"},
	)

	e.flushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunkbuf",
			Name:      "flushes_total",
			Help:      "Chunk buffer flushes",
		},
	)

	e.flushSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chunkbuf",
			Name:      "flush_fragments",
			Help:      "Merged fragments per flush",
			Buckets:   cfg.FlushBuckets,
		},
	)

	e.openChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "open_channels",
			Help:      "Channels currently held by the dispatcher",
		},
	)

	registry.MustRegister(
		e.events,
		e.fragments,
		e.replaced,
		e.flushes,
		e.flushSize,
		e.openChannels,
	)
	return e
}

// EventHandled counts one routed event.
func (e *Exporter) EventHandled(kind protocol.Kind, result string) {
	e.events.WithLabelValues(string(kind), result).Inc()
}

func (e *Exporter) FragmentBuffered(kind protocol.Kind) {
	e.fragments.WithLabelValues(string(kind)).Inc()
}

func (e *Exporter) FragmentReplaced(kind protocol.Kind) {
	e.replaced.WithLabelValues(string(kind)).Inc()
}

func (e *Exporter) Flushed(fragments int) {
	e.flushes.Inc()
	e.flushSize.Observe(float64(fragments))
}

func (e *Exporter) ChannelOpened() { e.openChannels.Inc() }
func (e *Exporter) ChannelClosed() { e.openChannels.Dec() }

// Registry returns the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler returns the scrape handler.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// ServeHTTP implements http.Handler for the metrics endpoint.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.Handler().ServeHTTP(w, r)
}

// ListenAndServe serves /metrics on addr until ctx is done.
func (e *Exporter) ListenAndServe(ctx context.Context, addr string, logger *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Infow("metrics endpoint listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
