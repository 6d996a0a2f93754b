// Package telemetry receives anomaly reports from the streaming client and
// exposes them as Prometheus counters.
package telemetry

import (
	"log"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Reporter is the observability sink. Implementations must return quickly and
// must not fail; a report never changes what the caller returns.
type Reporter interface {
	ReportError(err error, tags map[string]string)
	ReportMessage(msg string, level Level, tags map[string]string)
}

// Nop discards every report.
type Nop struct{}

func (Nop) ReportError(error, map[string]string)          {}
func (Nop) ReportMessage(string, Level, map[string]string) {}

// PrometheusReporter logs each report and counts it. Errors are counted by
// their "kind" tag, messages by level.
type PrometheusReporter struct {
	errors   *prometheus.CounterVec
	messages *prometheus.CounterVec
}

func NewPrometheusReporter(reg prometheus.Registerer) *PrometheusReporter {
	r := &PrometheusReporter{
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "article_assistant",
			Subsystem: "stream",
			Name:      "errors_total",
			Help:      "Streaming failures reported by the response client, by kind.",
		}, []string{"kind"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "article_assistant",
			Subsystem: "stream",
			Name:      "messages_total",
			Help:      "Diagnostic messages reported by the response client, by level.",
		}, []string{"level"}),
	}
	if reg != nil {
		reg.MustRegister(r.errors, r.messages)
	}
	return r
}

func (r *PrometheusReporter) ReportError(err error, tags map[string]string) {
	kind := tags["kind"]
	if kind == "" {
		kind = "unknown"
	}
	r.errors.WithLabelValues(kind).Inc()
	log.Printf("Reported error: %v %s", err, formatTags(tags))
}

func (r *PrometheusReporter) ReportMessage(msg string, level Level, tags map[string]string) {
	if level == "" {
		level = LevelInfo
	}
	r.messages.WithLabelValues(string(level)).Inc()
	log.Printf("Reported %s: %s %s", level, msg, formatTags(tags))
}

func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + tags[k]
	}
	return "[" + strings.Join(parts, " ") + "]"
}
