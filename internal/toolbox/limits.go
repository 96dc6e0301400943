package toolbox

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Limits holds the process-wide permit pools. Callers needing more than one
// permit acquire them in the order Export, Operator, Exec.
type Limits struct {
	// Exec bounds local process spawns.
	Exec *semaphore.Weighted
	// Operator bounds commands run in the toolbox.
	Operator *semaphore.Weighted
	// Export bounds concurrent exports.
	Export *semaphore.Weighted

	sizes [3]int64
}

// NewLimits creates the permit pools. Sizes below one are raised to one.
func NewLimits(exec, operator, export int64) *Limits {
	l := &Limits{}
	for i, n := range []int64{exec, operator, export} {
		if n < 1 {
			n = 1
		}
		l.sizes[i] = n
	}
	l.Exec = semaphore.NewWeighted(l.sizes[0])
	l.Operator = semaphore.NewWeighted(l.sizes[1])
	l.Export = semaphore.NewWeighted(l.sizes[2])
	return l
}

// Sizes returns the exec, operator and export pool sizes.
func (l *Limits) Sizes() (exec, operator, export int64) {
	return l.sizes[0], l.sizes[1], l.sizes[2]
}

// AcquireExport blocks until an export permit is free.
func (l *Limits) AcquireExport(ctx context.Context) (release func(), err error) {
	return acquire(ctx, l.Export, "export")
}

func acquire(ctx context.Context, sem *semaphore.Weighted, pool string) (func(), error) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for %s permit: %w", pool, err)
	}
	return func() { sem.Release(1) }, nil
}
