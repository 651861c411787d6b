// Package metrics records pipeline run metrics and exports them as a
// Prometheus textfile for the node exporter's textfile collector.
package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/artpar/shipper/internal/core/domain"
)

const namespace = "shipper"

// Recorder collects run metrics in its own registry.
type Recorder struct {
	registry *prometheus.Registry
	textfile string
	mu       sync.Mutex

	runs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	retries       prometheus.Counter
	inProgress    prometheus.Gauge
	lastRun       *prometheus.GaugeVec
}

// NewRecorder creates a recorder. When textfile is non-empty the metrics
// are written there at the end of every run.
func NewRecorder(textfile string) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		textfile: textfile,
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Pipeline runs by outcome and error kind.",
			},
			[]string{"service", "outcome", "error_kind"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"stage", "success"},
		),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_retries_total",
			Help:      "Push attempts retried after a network error.",
		}),
		inProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_progress",
			Help:      "Runs started and not yet finished.",
		}),
		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run finished, by outcome.",
			},
			[]string{"service", "outcome"},
		),
	}
	r.registry.MustRegister(r.runs, r.stageDuration, r.retries, r.inProgress, r.lastRun)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// RunStarted implements the coordinator's sink.
func (r *Recorder) RunStarted(_ context.Context, _ domain.RunInfo) error {
	r.inProgress.Inc()
	return nil
}

// StageEnded implements the coordinator's sink.
func (r *Recorder) StageEnded(_ context.Context, _ string, rec domain.StageRecord) error {
	r.observeStage(rec)
	return nil
}

// RunFinished implements the coordinator's sink and writes the textfile.
// The last stage record of res is the one that ended the run.
func (r *Recorder) RunFinished(_ context.Context, res domain.PipelineResult) error {
	outcome := Outcome(res)
	service := res.ServiceName

	if len(res.Stages) > 0 {
		r.observeStage(res.Stages[len(res.Stages)-1])
	}
	r.inProgress.Dec()
	r.runs.WithLabelValues(service, outcome, string(res.ErrorKind)).Inc()
	r.lastRun.WithLabelValues(service, outcome).Set(float64(res.FinishedAt.Unix()))
	if res.Publish != nil && res.Publish.RetryCount > 0 {
		r.retries.Add(float64(res.Publish.RetryCount))
	}

	return r.WriteTextfile()
}

func (r *Recorder) observeStage(rec domain.StageRecord) {
	r.stageDuration.
		WithLabelValues(string(rec.Stage), strconv.FormatBool(rec.Success)).
		Observe(rec.Duration().Seconds())
}

// WriteTextfile writes all metrics to the configured textfile. It is a no-op
// without one.
func (r *Recorder) WriteTextfile() error {
	if r.textfile == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.textfile), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(r.textfile, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Outcome maps a result to the outcome label.
func Outcome(res domain.PipelineResult) string {
	switch {
	case res.Success:
		return "succeeded"
	case res.ErrorKind == domain.KindDeploymentDegraded:
		return "degraded"
	case res.ErrorKind == domain.KindCancelled:
		return "cancelled"
	case res.TargetStateUnknown:
		return "intervention"
	default:
		return "failed"
	}
}
