package toolbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestRunner(prefix []string, limits *Limits) *Runner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRunner(prefix, "sh", limits, logger)
}

func TestNewLimitsDefaults(t *testing.T) {
	l := NewLimits(0, -1, 4)
	exec, operator, export := l.Sizes()
	if exec != 1 || operator != 1 || export != 4 {
		t.Errorf("expected sizes 1/1/4, got %d/%d/%d", exec, operator, export)
	}
}

func TestRunnerRun(t *testing.T) {
	r := newTestRunner(nil, NewLimits(2, 2, 1))
	out, err := r.Run(context.Background(), "echo hello; echo ignored >&2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != "hello\n" {
		t.Errorf("expected %q, got %q", "hello\n", out)
	}
	if r.Remote() {
		t.Error("expected local runner")
	}
}

func TestRunnerRunError(t *testing.T) {
	r := newTestRunner(nil, NewLimits(1, 1, 1))
	_, err := r.Run(context.Background(), "echo broken pipe >&2; exit 3")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "broken pipe") {
		t.Errorf("expected stderr in error, got %v", err)
	}
}

func TestRunnerStream(t *testing.T) {
	r := newTestRunner([]string{"env"}, NewLimits(1, 1, 1))
	var out bytes.Buffer
	if err := r.Stream(context.Background(), "tr a-z A-Z", strings.NewReader("diff data"), &out); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if out.String() != "DIFF DATA" {
		t.Errorf("expected %q, got %q", "DIFF DATA", out.String())
	}
	if got := r.Describe("true"); got != "env sh -c true" {
		t.Errorf("Describe = %q", got)
	}
}

// TestRunnerWaitsForPermits fails once the context expires while every
// permit is held
func TestRunnerWaitsForPermits(t *testing.T) {
	tests := []struct {
		name   string
		prefix []string
		hold   func(l *Limits)
	}{
		{"exec exhausted", nil, func(l *Limits) { _ = l.Exec.Acquire(context.Background(), 1) }},
		{"operator exhausted", []string{"env"}, func(l *Limits) { _ = l.Operator.Acquire(context.Background(), 1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limits := NewLimits(1, 1, 1)
			tt.hold(limits)
			r := newTestRunner(tt.prefix, limits)

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			_, err := r.Run(ctx, "true")
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("expected deadline exceeded, got %v", err)
			}
		})
	}
}

// TestRunnerReleasesPermits allows sequential runs on single permits
func TestRunnerReleasesPermits(t *testing.T) {
	limits := NewLimits(1, 1, 1)
	r := newTestRunner([]string{"env"}, limits)
	for i := 0; i < 3; i++ {
		if _, err := r.Run(context.Background(), "exit 1"); err == nil {
			t.Fatal("expected error")
		}
	}
	if !limits.Exec.TryAcquire(1) || !limits.Operator.TryAcquire(1) {
		t.Error("expected permits to be released after failures")
	}
}

func TestAcquireExport(t *testing.T) {
	limits := NewLimits(1, 1, 1)
	release, err := limits.AcquireExport(context.Background())
	if err != nil {
		t.Fatalf("AcquireExport: %v", err)
	}
	if limits.Export.TryAcquire(1) {
		t.Fatal("expected export pool to be exhausted")
	}
	release()
	if !limits.Export.TryAcquire(1) {
		t.Error("expected export permit after release")
	}
}
