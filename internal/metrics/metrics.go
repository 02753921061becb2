// Package metrics holds the Prometheus collectors shared by the storage engine
// and the remediation pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector on a private registry, so several engines
// can coexist in one process (and in tests).
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	Writes            *prometheus.CounterVec
	UploadAttempts    prometheus.Counter
	MirrorFailures    prometheus.Counter
	RehydratedFiles   *prometheus.CounterVec
	RehydrateSkipped  prometheus.Counter
	RehydrateDuration prometheus.Histogram
	OrphansDeleted    prometheus.Counter
	Remediations      *prometheus.CounterVec
	AICalls           *prometheus.CounterVec
	FixesApplied      *prometheus.CounterVec
}

// New creates a Metrics with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Writes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_writes_total",
				Help: "File writes through the consistency engine by result",
			},
			[]string{"result"},
		),
		UploadAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "keel_upload_attempts_total",
			Help: "Durable store upload attempts, retries included",
		}),
		MirrorFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "keel_workspace_mirror_failures_total",
			Help: "Best-effort workspace mirror writes that failed",
		}),
		RehydratedFiles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_rehydrated_files_total",
				Help: "Files restored into workspaces by result",
			},
			[]string{"result"},
		),
		RehydrateSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "keel_rehydrate_skipped_total",
			Help: "Rehydrations skipped because the workspace was already populated",
		}),
		RehydrateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "keel_rehydrate_duration_seconds",
			Help:    "Wall time of workspace rehydration",
			Buckets: prometheus.DefBuckets,
		}),
		OrphansDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "keel_orphan_blobs_deleted_total",
			Help: "Unreferenced blobs removed by the reconciliation sweep",
		}),
		Remediations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_remediation_attempts_total",
				Help: "Remediation attempts by error category and outcome",
			},
			[]string{"category", "outcome"},
		),
		AICalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_ai_calls_total",
				Help: "Calls to the AI repair collaborator by complexity tier",
			},
			[]string{"tier"},
		),
		FixesApplied: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_deterministic_fixes_total",
				Help: "Deterministic fixes applied by fix name",
			},
			[]string{"fix"},
		),
	}
}

func (m *Metrics) ObserveWrite(result string) {
	if m == nil {
		return
	}
	m.Writes.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveUploadAttempt() {
	if m == nil {
		return
	}
	m.UploadAttempts.Inc()
}

func (m *Metrics) ObserveMirrorFailure() {
	if m == nil {
		return
	}
	m.MirrorFailures.Inc()
}

// ObserveRehydrate records one finished rehydration.
func (m *Metrics) ObserveRehydrate(restored, failed int, skipped bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	if skipped {
		m.RehydrateSkipped.Inc()
		return
	}
	m.RehydratedFiles.WithLabelValues("restored").Add(float64(restored))
	m.RehydratedFiles.WithLabelValues("failed").Add(float64(failed))
	m.RehydrateDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveOrphansDeleted(n int) {
	if m == nil {
		return
	}
	m.OrphansDeleted.Add(float64(n))
}

func (m *Metrics) ObserveRemediation(category, outcome string) {
	if m == nil {
		return
	}
	m.Remediations.WithLabelValues(category, outcome).Inc()
}

func (m *Metrics) ObserveAICall(tier string) {
	if m == nil {
		return
	}
	m.AICalls.WithLabelValues(tier).Inc()
}

func (m *Metrics) ObserveFix(name string) {
	if m == nil {
		return
	}
	m.FixesApplied.WithLabelValues(name).Inc()
}
