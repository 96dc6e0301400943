package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveExport(t *testing.T) {
	m := New()

	m.ObserveExport("ns/app/data", "monthly", 2048, 3*time.Second, nil)
	m.ObserveExport("ns/app/data", "daily", 512, time.Second, nil)
	m.ObserveExport("ns/app/data", "daily", 0, time.Second, errors.New("export-diff failed"))

	if got := testutil.ToFloat64(m.Exports.WithLabelValues("ns/app/data", "daily", "success")); got != 1 {
		t.Errorf("daily successes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Exports.WithLabelValues("ns/app/data", "daily", "failure")); got != 1 {
		t.Errorf("daily failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ExportBytes.WithLabelValues("ns/app/data")); got != 2560 {
		t.Errorf("export bytes = %v, want 2560", got)
	}
	if got := testutil.CollectAndCount(m.ExportDuration); got != 2 {
		t.Errorf("duration series = %d, want 2", got)
	}
}

func TestRemovalsAndRestoreSteps(t *testing.T) {
	m := New()

	m.ObserveRemoval("v", nil)
	m.ObserveRemoval("v", nil)
	m.ObserveDeletion("v", errors.New("permission denied"))
	m.ObserveRestoreStep("v", "import", nil)
	m.ObserveRestoreStep("v", "revert", errors.New("busy"))
	m.AddWarnings("v", 0)
	m.AddWarnings("v", 3)
	m.SetArchiveBytes("v", "weekly", 4096)
	m.MarkSuccess("backup", "v", time.Unix(1700000000, 0))

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"removed", testutil.ToFloat64(m.SnapshotsRemoved.WithLabelValues("v", "success")), 2},
		{"deletion failures", testutil.ToFloat64(m.ArchivesDeleted.WithLabelValues("v", "failure")), 1},
		{"imports", testutil.ToFloat64(m.RestoreSteps.WithLabelValues("v", "import", "success")), 1},
		{"revert failures", testutil.ToFloat64(m.RestoreSteps.WithLabelValues("v", "revert", "failure")), 1},
		{"warnings", testutil.ToFloat64(m.Warnings.WithLabelValues("v")), 3},
		{"archive bytes", testutil.ToFloat64(m.ArchiveBytes.WithLabelValues("v", "weekly")), 4096},
		{"last success", testutil.ToFloat64(m.LastSuccess.WithLabelValues("backup", "v")), 1700000000},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveExport("v", "daily", 1, time.Second, nil)
	m.ObserveRemoval("v", nil)
	m.ObserveDeletion("v", nil)
	m.ObserveRestoreStep("v", "import", nil)
	m.AddWarnings("v", 1)
	m.SetArchiveBytes("v", "daily", 1)
	m.MarkSuccess("backup", "v", time.Now())
	if err := m.Push(context.Background(), "http://localhost:1", "job"); err != nil {
		t.Errorf("Push on nil metrics = %v", err)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveExport("ns/app/data", "weekly", 100, time.Second, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"rbdbackup_exports_total", "rbdbackup_export_bytes_total", `tier="weekly"`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestPush(t *testing.T) {
	var method, path, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	m.ObserveRemoval("v", nil)
	if err := m.Push(context.Background(), srv.URL, "rbdbackup"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if method != http.MethodPut {
		t.Errorf("method = %s, want PUT", method)
	}
	if path != "/metrics/job/rbdbackup" {
		t.Errorf("path = %s", path)
	}
	if body == "" {
		t.Error("expected pushed metric families")
	}

	if err := m.Push(context.Background(), "", "rbdbackup"); err != nil {
		t.Errorf("Push without url = %v", err)
	}
}

func TestPushFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := New()
	if err := m.Push(context.Background(), srv.URL, "rbdbackup"); err == nil {
		t.Error("expected error from failing pushgateway")
	}
}

func TestNewHTTPClientTimeout(t *testing.T) {
	if c := newHTTPClient(0); c.Timeout != pushTimeout {
		t.Errorf("expected default timeout %s, got %s", pushTimeout, c.Timeout)
	}
	if c := newHTTPClient(5 * time.Second); c.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %s", c.Timeout)
	}
}
