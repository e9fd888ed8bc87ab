package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	SessionsCreated   prometheus.Counter
	SessionsFinalized *prometheus.CounterVec
	ScanResults       *prometheus.CounterVec
	OTPIssued         prometheus.Counter
	OTPVerified       *prometheus.CounterVec
	PipelineLatency   prometheus.Histogram
	RequestLatency    *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kyc_sessions_created_total",
			Help: "Total number of verification sessions created",
		}),
		SessionsFinalized: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_sessions_finalized_total",
			Help: "Verification sessions finalized, by outcome",
		}, []string{"outcome"}),
		ScanResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_scan_results_total",
			Help: "Content-security scan results, by verdict",
		}, []string{"verdict"}),
		OTPIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kyc_otp_issued_total",
			Help: "OTP challenges issued",
		}),
		OTPVerified: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_otp_verify_total",
			Help: "OTP verification attempts, by result",
		}, []string{"result"}),
		PipelineLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "kyc_pipeline_duration_seconds",
			Help:    "End-to-end document processing pipeline duration",
			Buckets: prometheus.DefBuckets,
		}),
		RequestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kyc_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// ObservePipeline records a completed pipeline run.
func (m *Metrics) ObservePipeline(d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineLatency.Observe(d.Seconds())
}

// IncrementFinalized records a session outcome.
func (m *Metrics) IncrementFinalized(outcome string) {
	if m == nil {
		return
	}
	m.SessionsFinalized.WithLabelValues(outcome).Inc()
}

// IncrementScan records a scan verdict.
func (m *Metrics) IncrementScan(verdict string) {
	if m == nil {
		return
	}
	m.ScanResults.WithLabelValues(verdict).Inc()
}
