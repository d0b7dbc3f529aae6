package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remnashop_http_requests_total",
			Help: "Operator API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remnashop_http_request_duration_seconds",
			Help:    "Operator API latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remnashop_order_transitions_total",
			Help: "Order status transitions by target status",
		},
		[]string{"status"},
	)

	OrderFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remnashop_order_failures_total",
			Help: "Failed order deliveries by error category",
		},
		[]string{"category"},
	)

	PanelCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remnashop_panel_calls_total",
			Help: "Panel API calls by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	PanelCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remnashop_panel_call_duration_seconds",
			Help:    "Panel API call latency including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	AnomalyIncidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remnashop_anomaly_incidents_total",
			Help: "Anomaly incidents by risk level and action",
		},
		[]string{"level", "action"},
	)

	ScanSubjectErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "remnashop_scan_subject_errors_total",
			Help: "Per-subject failures during anomaly scan cycles",
		},
	)

	ScanRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "remnashop_scan_records_total",
			Help: "Access records considered by anomaly scans",
		},
	)

	UnfreezeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remnashop_unfreeze_total",
			Help: "Unfreeze attempts by outcome",
		},
		[]string{"outcome"},
	)

	ExpiryActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remnashop_expiry_actions_total",
			Help: "Expiry sweep reminders and cleanups",
		},
		[]string{"action"},
	)

	StreamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "remnashop_stream_subscribers",
			Help: "Connected operator notification stream subscribers",
		},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
		prometheus.MustRegister(OrderTransitionsTotal)
		prometheus.MustRegister(OrderFailuresTotal)
		prometheus.MustRegister(PanelCallsTotal)
		prometheus.MustRegister(PanelCallDuration)
		prometheus.MustRegister(AnomalyIncidentsTotal)
		prometheus.MustRegister(ScanSubjectErrorsTotal)
		prometheus.MustRegister(ScanRecordsTotal)
		prometheus.MustRegister(UnfreezeTotal)
		prometheus.MustRegister(ExpiryActionsTotal)
		prometheus.MustRegister(StreamSubscribers)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObservePanelCall(op, outcome string, d time.Duration) {
	PanelCallsTotal.WithLabelValues(op, outcome).Inc()
	PanelCallDuration.WithLabelValues(op).Observe(d.Seconds())
}

func IncTransition(status string) {
	if status == "" {
		return
	}
	OrderTransitionsTotal.WithLabelValues(status).Inc()
}

func IncFailure(category string) {
	if category == "" {
		category = "unknown"
	}
	OrderFailuresTotal.WithLabelValues(category).Inc()
}

func IncIncident(level, action string) {
	AnomalyIncidentsTotal.WithLabelValues(level, action).Inc()
}

// Observe records one operator API request.
func Observe(route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware observes every request; routeOf names the request for the route label.
func Middleware(routeOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			route := r.URL.Path
			if routeOf != nil {
				route = routeOf(r)
			}
			Observe(r.Method+" "+route, rec.status, time.Since(start))
		})
	}
}
