package mailplug

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics live on a per-server registry so several servers in one
// process do not trip over duplicate registration.
type metrics struct {
	registry     *prometheus.Registry
	sessions     prometheus.Counter
	transactions *prometheus.CounterVec
	messageSize  prometheus.Histogram
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &metrics{
		registry: registry,
		sessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: appName,
			Name:      "sessions_total",
			Help:      "Connections accepted.",
		}),
		transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: appName,
			Name:      "transactions_total",
			Help:      "Completed transactions by result.",
		}, []string{"result"}),
		messageSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: appName,
			Name:      "message_size_bytes",
			Help:      "Content size of accepted transactions.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
	}
}

// MetricsHandler serves the server's metrics in Prometheus exposition
// format.
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})
}

// ListenMetrics exposes /metrics on addr until ctx is done.
func (s *Server) ListenMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.MetricsHandler())
	hs := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		hs.Close()
	}()
	s.logger.Info("serving metrics", slog.String("bind", addr))
	err := hs.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
