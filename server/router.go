package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vitwit/solpay/logger"
	"github.com/vitwit/solpay/ratelimit"
	"github.com/vitwit/solpay/types"
)

const requestIDHeader = "X-Request-ID"

type ctxKey struct{}

// RouterDependencies collects handler dependencies.
type RouterDependencies struct {
	API *APIHandlers

	// Limiter throttles the pay routes per client IP when set.
	Limiter ratelimit.Limiter

	// TrustProxy keys the limiter on forwarded client addresses instead of
	// the connection's peer address.
	TrustProxy bool

	// Registerer receives the HTTP metrics; Gatherer backs /metrics. Nil
	// values mean the default prometheus registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// NewRouter wires the HTTP routes exposed by the payment service.
func NewRouter(log logger.Logger, deps RouterDependencies) http.Handler {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.DefaultRegisterer
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	r := mux.NewRouter()
	r.Use(requestIDMiddleware, loggingMiddleware(log), newHTTPMetrics(deps.Registerer).middleware)

	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	if deps.API != nil {
		// the status read is not throttled
		r.HandleFunc("/api/pay/status", deps.API.unlockStatus).Methods(http.MethodGet)

		pay := r.PathPrefix("/api/pay").Subrouter()
		if deps.Limiter != nil {
			pay.Use(rateLimitMiddleware(log, deps.Limiter, deps.TrustProxy))
		}
		pay.HandleFunc("/request", deps.API.requestPayment).Methods(http.MethodPost)
		pay.HandleFunc("/confirm-signature", deps.API.confirmSignature).Methods(http.MethodPost)
		pay.HandleFunc("/confirm", deps.API.confirmReference).Methods(http.MethodGet)
	}

	return r
}

// RequestID returns the id assigned to the request carrying ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func loggingMiddleware(log logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Info("request completed", map[string]any{
				"request_id":  RequestID(r.Context()),
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.status,
				"duration_ms": time.Since(start).Milliseconds(),
			})
		})
	}
}

func rateLimitMiddleware(log logger.Logger, limiter ratelimit.Limiter, trustProxy bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, trustProxy)
			ok, err := limiter.Allow(r.Context(), ip)
			if err != nil {
				// the counter store being down must not block payments
				log.Warn("rate limiter unavailable", map[string]any{"error": err.Error()})
				ok = true
			}
			if !ok {
				writeError(w, &types.PayError{Code: types.ErrRateLimited, Message: "too many requests, try again later"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the peer address unless trustProxy is set. Behind a proxy the
// rightmost X-Forwarded-For hop is used, since that is the one the proxy
// appended; earlier hops are client controlled.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Values("X-Forwarded-For"); len(fwd) > 0 {
			hops := strings.Split(fwd[len(fwd)-1], ",")
			if last := strings.TrimSpace(hops[len(hops)-1]); last != "" {
				return last
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "solpay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "solpay",
			Name:      "http_request_duration_seconds",
			Help:      "Request latency",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
	}
	reg.MustRegister(m.requests, m.latency)
	return m
}

func (m *httpMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		timer := prometheus.NewTimer(m.latency.WithLabelValues(r.Method, route))
		defer timer.ObserveDuration()

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
