package service

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the session
// lifecycle.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	rotationsTotal     prometheus.Counter
	rotationCollisions prometheus.Counter
	reuseDetected      prometheus.Counter
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	rotationsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "refresh_token_rotations_total",
		Help: "Total number of successful refresh token rotations",
	})

	rotationCollisions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "refresh_token_rotation_collisions_total",
		Help: "Total number of compare-and-swap collisions during rotation",
	})

	reuseDetected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "refresh_token_reuse_detected_total",
		Help: "Total number of replayed refresh tokens detected by the reuse ledger",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	registry.MustRegister(requestDuration, requestTotal, rotationsTotal, rotationCollisions, reuseDetected, cacheHits, cacheMisses)

	return &MetricsService{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:    requestDuration,
		requestTotal:       requestTotal,
		rotationsTotal:     rotationsTotal,
		rotationCollisions: rotationCollisions,
		reuseDetected:      reuseDetected,
		cacheHits:          cacheHits,
		cacheMisses:        cacheMisses,
	}
}

// Handler exposes the Prometheus scrape endpoint.
func (s *MetricsService) Handler() http.Handler {
	return s.handler
}

// ObserveHTTPRequest records one served request.
func (s *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if s == nil {
		return
	}
	labels := []string{method, path, strconv.Itoa(status)}
	s.requestDuration.WithLabelValues(labels...).Observe(duration.Seconds())
	s.requestTotal.WithLabelValues(labels...).Inc()
}

// RecordRotation counts a successful refresh token rotation.
func (s *MetricsService) RecordRotation() {
	if s == nil {
		return
	}
	s.rotationsTotal.Inc()
}

// RecordRotationCollision counts a compare-and-swap loss during rotation.
func (s *MetricsService) RecordRotationCollision() {
	if s == nil {
		return
	}
	s.rotationCollisions.Inc()
}

// RecordReuseDetection counts a replayed refresh token.
func (s *MetricsService) RecordReuseDetection() {
	if s == nil {
		return
	}
	s.reuseDetected.Inc()
}

// RecordCacheLookup counts a cache hit or miss.
func (s *MetricsService) RecordCacheLookup(hit bool) {
	if s == nil {
		return
	}
	if hit {
		s.cacheHits.Inc()
	} else {
		s.cacheMisses.Inc()
	}
}
