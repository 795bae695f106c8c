package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	inferenceReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docinfer",
			Name:      "inference_requests_total",
			Help:      "Total inference requests by model and result",
		},
		[]string{"model", "result"},
	)

	inferenceLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docinfer",
			Name:      "inference_request_duration_seconds",
			Help:      "Duration of inference requests by model",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		},
		[]string{"model"},
	)

	toolInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docinfer",
			Name:      "tool_invocations_total",
			Help:      "Structured tool invocations returned by the model, by tool name",
		},
		[]string{"tool"},
	)

	attachmentBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docinfer",
			Name:      "attachment_bytes",
			Help:      "Size of attached documents by format",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		},
		[]string{"format"},
	)

	recordsExtracted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "docinfer",
			Name:      "records_extracted_total",
			Help:      "Extracted records appended to a collection",
		},
	)

	schemaParseFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "docinfer",
			Name:      "schema_parse_failures_total",
			Help:      "Model-authored schemas rejected at the trust boundary",
		},
	)

	registerOnce sync.Once
)

// Init registers collectors. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(inferenceReqs, inferenceLatency, toolInvocations, attachmentBytes, recordsExtracted, schemaParseFailures)
	})
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

// ObserveInference records one call; result is "success" or an error code.
func ObserveInference(model, result string, dur time.Duration) {
	inferenceReqs.WithLabelValues(model, result).Inc()
	inferenceLatency.WithLabelValues(model).Observe(dur.Seconds())
}

func IncToolInvocation(tool string) { toolInvocations.WithLabelValues(tool).Inc() }

func ObserveAttachment(format string, size int) {
	attachmentBytes.WithLabelValues(format).Observe(float64(size))
}

func AddRecords(n int) { recordsExtracted.Add(float64(n)) }

func IncSchemaParseFailure() { schemaParseFailures.Inc() }
