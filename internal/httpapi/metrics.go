package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "portfolio"

	outcomeAccepted              = "accepted"
	outcomeHoneypot              = "honeypot"
	outcomeRateLimited           = "rate_limited"
	outcomeValidationFailed      = "validation_failed"
	outcomeUnsupportedAttachment = "unsupported_attachment"
	outcomeInternalError         = "internal_error"
	outcomeSucceeded             = "succeeded"
	outcomeFailed                = "failed"
)

// Metrics groups the counters exported on /metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry            *prometheus.Registry
	contactSubmissions  *prometheus.CounterVec
	attachmentBytes     prometheus.Histogram
	adminLogins         *prometheus.CounterVec
	attachmentDownloads *prometheus.CounterVec
}

// NewMetrics registers the application collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		contactSubmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "contact_submissions_total",
			Help:      "Contact form submissions by outcome.",
		}, []string{"outcome"}),
		attachmentBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "contact_attachment_bytes",
			Help:      "Size of accepted contact form attachments.",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 4, 6),
		}),
		adminLogins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "admin_logins_total",
			Help:      "Admin login attempts by outcome.",
		}, []string{"outcome"}),
		attachmentDownloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "admin_attachment_downloads_total",
			Help:      "Attachment download requests by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	if metrics == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}

func (metrics *Metrics) recordSubmission(outcome string) {
	if metrics == nil {
		return
	}
	metrics.contactSubmissions.WithLabelValues(outcome).Inc()
}

func (metrics *Metrics) observeAttachment(size int64) {
	if metrics == nil {
		return
	}
	metrics.attachmentBytes.Observe(float64(size))
}

func (metrics *Metrics) recordLogin(outcome string) {
	if metrics == nil {
		return
	}
	metrics.adminLogins.WithLabelValues(outcome).Inc()
}

func (metrics *Metrics) recordDownload(outcome string) {
	if metrics == nil {
		return
	}
	metrics.attachmentDownloads.WithLabelValues(outcome).Inc()
}
