package metrics

import (
	"context"
	"errors"
	log "log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calico_intents_total",
		Help: "Intents dispatched, by intent name and outcome",
	}, []string{"intent", "status"})

	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "calico_dispatch_duration_seconds",
		Help:    "Time spent handling one broker delivery",
		Buckets: prometheus.DefBuckets,
	})

	GatewayPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calico_gateway_publish_total",
		Help: "Messages published to the broker, by topic and outcome",
	}, []string{"topic", "status"})

	PendingConversations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "calico_pending_conversations",
		Help: "Conversations awaiting an answer, by skill",
	}, []string{"skill"})

	SkillLoadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calico_skill_load_failures_total",
		Help: "Skills whose constructor failed at startup",
	})
)

// Outcome labels.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusPanic     = "panic"
	StatusUnknown   = "unknown"
	StatusMalformed = "malformed"
)

// Serve exposes /metrics on addr until ctx is cancelled. An empty addr
// disables the endpoint.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
