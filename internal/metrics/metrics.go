package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	HTTPRequests   *prometheus.CounterVec
	HTTPLatencySec *prometheus.HistogramVec
	RPCRequests    *prometheus.CounterVec
	RPCLatencySec  *prometheus.HistogramVec

	// terminal
	CheckoutSubmitted  *prometheus.CounterVec
	CheckoutLatencySec prometheus.Histogram
	SessionTransitions *prometheus.CounterVec

	// sales service
	SalesCreated    *prometheus.CounterVec
	SalesVoided     prometheus.Counter
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	OutboxPublished *prometheus.CounterVec
	OutboxFailed    *prometheus.CounterVec

	// audit service
	AuditStored     *prometheus.CounterVec
	AuditDuplicates prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pos_http_requests_total"}, []string{"method", "route", "status"})
	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pos_http_request_duration_seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
	rpcRequests := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pos_rpc_requests_total"}, []string{"method", "code"})
	rpcLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pos_rpc_request_duration_seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	checkoutSubmitted := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pos_checkout_submitted_total"}, []string{"result"})
	checkoutLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pos_checkout_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})
	sessionTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pos_session_transitions_total"}, []string{"to"})

	salesCreated := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pos_sales_created_total"}, []string{"payment_method"})
	salesVoided := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_sales_voided_total"})
	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_product_cache_hits_total"})
	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_product_cache_misses_total"})
	outboxPublished := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pos_outbox_published_total"}, []string{"event_type"})
	outboxFailed := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pos_outbox_failed_total"}, []string{"event_type"})

	auditStored := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pos_audit_stored_total"}, []string{"action"})
	auditDuplicates := prometheus.NewCounter(prometheus.CounterOpts{Name: "pos_audit_duplicates_total"})

	r.MustRegister(httpRequests, httpLatency, rpcRequests, rpcLatency,
		checkoutSubmitted, checkoutLatency, sessionTransitions,
		salesCreated, salesVoided, cacheHits, cacheMisses, outboxPublished, outboxFailed,
		auditStored, auditDuplicates)

	return &Registry{
		reg:                r,
		HTTPRequests:       httpRequests,
		HTTPLatencySec:     httpLatency,
		RPCRequests:        rpcRequests,
		RPCLatencySec:      rpcLatency,
		CheckoutSubmitted:  checkoutSubmitted,
		CheckoutLatencySec: checkoutLatency,
		SessionTransitions: sessionTransitions,
		SalesCreated:       salesCreated,
		SalesVoided:        salesVoided,
		CacheHits:          cacheHits,
		CacheMisses:        cacheMisses,
		OutboxPublished:    outboxPublished,
		OutboxFailed:       outboxFailed,
		AuditStored:        auditStored,
		AuditDuplicates:    auditDuplicates,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

// Middleware records request counts and latency labelled by chi route pattern.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		route := "unmatched"
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.HTTPRequests.WithLabelValues(req.Method, route, strconv.Itoa(status)).Inc()
		r.HTTPLatencySec.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
	})
}
