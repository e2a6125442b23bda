package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lizmail_messages_queued_total",
		Help: "Total number of email tasks handed to the broker",
	}, []string{"queue"})
	EnqueueFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lizmail_enqueue_failures_total",
		Help: "Total number of email tasks that could not be enqueued",
	}, []string{"queue", "reason"})
	DeliveryAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lizmail_delivery_attempts_total",
		Help: "Total number of SMTP send attempts",
	})
	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lizmail_messages_delivered_total",
		Help: "Total number of emails accepted by the SMTP server",
	})
	// DeliveryFailures counts failed send attempts keyed by error class.
	DeliveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lizmail_delivery_failures_total",
		Help: "Total number of failed SMTP send attempts",
	}, []string{"class"})
	MessagesResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lizmail_messages_resolved_total",
		Help: "Consumed messages by resolution (acked, requeued, dropped)",
	}, []string{"queue", "resolution"})
	ArchiveFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lizmail_archive_failures_total",
		Help: "Total number of sent copies that could not be archived",
	}, []string{"archiver"})
	JournalFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lizmail_journal_failures_total",
		Help: "Total number of delivery outcomes that could not be journaled",
	})
	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lizmail_queue_depth",
		Help: "Messages waiting in the in-process queue",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(MessagesQueued)
	prometheus.MustRegister(EnqueueFailures)
	prometheus.MustRegister(DeliveryAttempts)
	prometheus.MustRegister(MessagesDelivered)
	prometheus.MustRegister(DeliveryFailures)
	prometheus.MustRegister(MessagesResolved)
	prometheus.MustRegister(ArchiveFailures)
	prometheus.MustRegister(JournalFailures)
	prometheus.MustRegister(queueDepth)
}

// SetQueueDepth records the current depth of an in-process queue.
func SetQueueDepth(queue string, n int) {
	queueDepth.WithLabelValues(queue).Set(float64(n))
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
