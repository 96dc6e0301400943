// Package metrics exposes backup activity as Prometheus metrics. Metrics
// live on a private registry which is either pushed to a pushgateway after
// a one-shot command or served on /metrics by the scheduler.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "rbdbackup"

// Metrics holds the collectors. A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Exports counts export attempts. Labels: volume, tier, status
	Exports *prometheus.CounterVec
	// ExportBytes counts compressed archive bytes written. Labels: volume
	ExportBytes *prometheus.CounterVec
	// ExportDuration measures export wall time. Labels: tier
	ExportDuration *prometheus.HistogramVec
	// SnapshotsRemoved counts evicted live snapshots. Labels: volume, status
	SnapshotsRemoved *prometheus.CounterVec
	// ArchivesDeleted counts evicted archive files. Labels: volume, status
	ArchivesDeleted *prometheus.CounterVec
	// RestoreSteps counts executed restore steps. Labels: volume, kind, status
	RestoreSteps *prometheus.CounterVec
	// Warnings counts consolidation warnings. Labels: volume
	Warnings *prometheus.CounterVec
	// ArchiveBytes is the archive directory size. Labels: volume, tier
	ArchiveBytes *prometheus.GaugeVec
	// LastSuccess is the unix time of the last successful run. Labels: command, volume
	LastSuccess *prometheus.GaugeVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Exports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exports_total",
				Help:      "Snapshot exports by volume, tier and status",
			},
			[]string{"volume", "tier", "status"},
		),
		ExportBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "export_bytes_total",
				Help:      "Compressed archive bytes written by volume",
			},
			[]string{"volume"},
		),
		ExportDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "export_duration_seconds",
				Help:      "Export duration in seconds by tier",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
			},
			[]string{"tier"},
		),
		SnapshotsRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_removed_total",
				Help:      "Live snapshot removals by volume and status",
			},
			[]string{"volume", "status"},
		),
		ArchivesDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archives_deleted_total",
				Help:      "Archive file deletions by volume and status",
			},
			[]string{"volume", "status"},
		),
		RestoreSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "restore_steps_total",
				Help:      "Executed restore steps by volume, kind and status",
			},
			[]string{"volume", "kind", "status"},
		),
		Warnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consolidation_warnings_total",
				Help:      "Consolidation warnings by volume",
			},
			[]string{"volume"},
		),
		ArchiveBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "archive_bytes",
				Help:      "Archive bytes on disk by volume and tier",
			},
			[]string{"volume", "tier"},
		),
		LastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful run by command and volume",
			},
			[]string{"command", "volume"},
		),
	}
	m.Registry.MustRegister(
		m.Exports, m.ExportBytes, m.ExportDuration, m.SnapshotsRemoved,
		m.ArchivesDeleted, m.RestoreSteps, m.Warnings, m.ArchiveBytes, m.LastSuccess,
	)
	return m
}

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// ObserveExport records one export attempt.
func (m *Metrics) ObserveExport(volume, tier string, size int64, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.Exports.WithLabelValues(volume, tier, status(err)).Inc()
	m.ExportDuration.WithLabelValues(tier).Observe(d.Seconds())
	if err == nil {
		m.ExportBytes.WithLabelValues(volume).Add(float64(size))
	}
}

// ObserveRemoval records one live snapshot removal.
func (m *Metrics) ObserveRemoval(volume string, err error) {
	if m == nil {
		return
	}
	m.SnapshotsRemoved.WithLabelValues(volume, status(err)).Inc()
}

// ObserveDeletion records one archive deletion.
func (m *Metrics) ObserveDeletion(volume string, err error) {
	if m == nil {
		return
	}
	m.ArchivesDeleted.WithLabelValues(volume, status(err)).Inc()
}

// ObserveRestoreStep records one executed restore step.
func (m *Metrics) ObserveRestoreStep(volume, kind string, err error) {
	if m == nil {
		return
	}
	m.RestoreSteps.WithLabelValues(volume, kind, status(err)).Inc()
}

// AddWarnings records consolidation warnings.
func (m *Metrics) AddWarnings(volume string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Warnings.WithLabelValues(volume).Add(float64(n))
}

// SetArchiveBytes records the archive size of one tier of a volume.
func (m *Metrics) SetArchiveBytes(volume, tier string, size int64) {
	if m == nil {
		return
	}
	m.ArchiveBytes.WithLabelValues(volume, tier).Set(float64(size))
}

// MarkSuccess stamps the last successful run of a command.
func (m *Metrics) MarkSuccess(command, volume string, at time.Time) {
	if m == nil {
		return
	}
	m.LastSuccess.WithLabelValues(command, volume).Set(float64(at.Unix()))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Push replaces the metrics of job on the pushgateway at url.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	pusher := push.New(url, job).Client(newHTTPClient(pushTimeout)).Gatherer(m.Registry)
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	return nil
}
