package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BadgerOps/rbdbackup/internal/retention"
)

// ExportResult is the outcome of one export.
type ExportResult struct {
	Action   retention.Action
	Size     int64
	Duration time.Duration
	Success  bool
	Error    error
	index    int // Internal: used to maintain result order
}

// exportFunc writes the archive of one export action and returns its size.
type exportFunc func(ctx context.Context, a retention.Action) (int64, error)

// exportPool runs exports using a worker pool.
type exportPool struct {
	run     exportFunc
	workers int
	logger  *slog.Logger
}

// newExportPool creates a pool with the specified number of worker goroutines.
func newExportPool(run exportFunc, workers int, logger *slog.Logger) *exportPool {
	if workers <= 0 {
		workers = 1
	}
	return &exportPool{
		run:     run,
		workers: workers,
		logger:  logger,
	}
}

// Execute runs a batch of exports and waits for all to complete. The
// returned results keep the order of the input actions. Actions not started
// before the context is cancelled fail with the context error.
func (p *exportPool) Execute(ctx context.Context, actions []retention.Action) []ExportResult {
	if len(actions) == 0 {
		return []ExportResult{}
	}

	jobsChan := make(chan jobWithIndex, len(actions))
	resultsChan := make(chan ExportResult, len(actions))

	var wg sync.WaitGroup
	workers := p.workers
	if workers > len(actions) {
		workers = len(actions)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go p.worker(ctx, jobsChan, resultsChan, &wg)
	}

	for i, a := range actions {
		jobsChan <- jobWithIndex{action: a, index: i}
	}
	close(jobsChan)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	results := make([]ExportResult, 0, len(actions))
	for result := range resultsChan {
		results = append(results, result)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].index < results[j].index
	})

	return results
}

// jobWithIndex pairs an action with its original index for ordering results.
type jobWithIndex struct {
	action retention.Action
	index  int
}

func (p *exportPool) worker(ctx context.Context, jobsChan <-chan jobWithIndex, resultsChan chan<- ExportResult, wg *sync.WaitGroup) {
	defer wg.Done()

	for job := range jobsChan {
		result := ExportResult{Action: job.action, index: job.index}

		if err := ctx.Err(); err != nil {
			result.Error = err
			resultsChan <- result
			continue
		}

		start := time.Now()
		size, err := p.run(ctx, job.action)
		result.Duration = time.Since(start)
		result.Size = size

		if err != nil {
			result.Error = err
			p.logger.Error("export failed", "snapshot", job.action.Snapshot, "file", job.action.File, "error", err)
		} else {
			result.Success = true
			p.logger.Info("export completed", "snapshot", job.action.Snapshot, "file", job.action.File, "size", size, "duration", result.Duration)
		}

		resultsChan <- result
	}
}
