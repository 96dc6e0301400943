package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/rbdbackup/internal/engine"
	"github.com/BadgerOps/rbdbackup/internal/store"
)

var scheduleListen string

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run backups and consolidation on a cron schedule",
		Long: `Run as a long-lived process: schedule.backup_cron snapshots and backs up
every declared volume, schedule.consolidate_cron consolidates them. Jobs
never overlap; a job that is still running when its next tick fires skips
that tick.

With --listen (or metrics.listen) Prometheus metrics are served on
/metrics. Job state is recorded in the run ledger and shown by status.`,
		Example: `  rbdbackup schedule
  rbdbackup schedule --listen 0.0.0.0:9469`,
		RunE: scheduleRun,
	}

	cmd.Flags().StringVar(&scheduleListen, "listen", "", "serve metrics on this address (host:port, default metrics.listen)")

	return cmd
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// scheduler runs batch commands from cron entries, one at a time.
type scheduler struct {
	cron    *cron.Cron
	manager *engine.Manager
	store   *store.Store
	logger  *slog.Logger
	loc     *time.Location
	// after runs when a job finishes, e.g. to push metrics
	after func()

	mu sync.Mutex
}

// batchJob runs one command over a set of volumes.
type batchJob func(ctx context.Context, m *engine.Manager, v *engine.Volume) error

func backupJob(ctx context.Context, m *engine.Manager, v *engine.Volume) error {
	rep, err := m.Backup(ctx, v, engine.BackupOptions{MakeSnapshot: true})
	if err == nil && rep.Failed() > 0 {
		err = fmt.Errorf("%d exports failed", rep.Failed())
	}
	return err
}

func consolidateJob(ctx context.Context, m *engine.Manager, v *engine.Volume) error {
	rep, err := m.Consolidate(ctx, v)
	if err == nil && rep.Failed() > 0 {
		err = fmt.Errorf("%d consolidation actions failed", rep.Failed())
	}
	return err
}

func newScheduler(m *engine.Manager, st *store.Store, loc *time.Location, logger *slog.Logger) *scheduler {
	cl := cronLogger{logger: logger}
	return &scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		manager: m,
		store:   st,
		logger:  logger,
		loc:     loc,
	}
}

// add registers a job. An empty expression disables it.
func (s *scheduler) add(ctx context.Context, name, expr string, job batchJob) error {
	if expr == "" {
		s.logger.Info("job disabled", "job", name)
		return nil
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("invalid %s schedule %q: %w", name, expr, err)
	}
	s.cron.Schedule(sched, cron.FuncJob(func() {
		s.run(ctx, name, expr, job, sched.Next(time.Now().In(s.loc)))
	}))
	s.record(&store.Job{Type: name, CronExpr: expr, Status: "scheduled", NextRun: sched.Next(time.Now().In(s.loc))})
	s.logger.Info("job scheduled", "job", name, "cron", expr)
	return nil
}

// run executes job over every volume while holding the scheduler lock.
func (s *scheduler) run(ctx context.Context, name, expr string, job batchJob, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &store.Job{Type: name, CronExpr: expr, Status: "running", LastRun: time.Now(), NextRun: next}
	s.record(rec)
	s.logger.Info("job started", "job", name)

	err := s.manager.ForEachVolume(ctx, s.manager.Volumes(), func(ctx context.Context, v *engine.Volume) error {
		return job(ctx, s.manager, v)
	})

	rec.Status = "completed"
	rec.LastError = ""
	if err != nil {
		rec.Status = "failed"
		rec.LastError = err.Error()
		s.logger.Error("job failed", "job", name, "error", err)
	} else {
		s.logger.Info("job completed", "job", name, "duration", time.Since(rec.LastRun))
	}
	s.record(rec)

	if s.after != nil {
		s.after()
	}
}

func (s *scheduler) record(job *store.Job) {
	if s.store == nil {
		return
	}
	if err := s.store.UpsertJob(job); err != nil {
		s.logger.Error("failed to record job", "job", job.Type, "error", err)
	}
}

func scheduleRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil || globalManager == nil {
		return fmt.Errorf("manager not initialized")
	}
	if !globalCfg.Schedule.Enabled {
		return fmt.Errorf("scheduling is disabled (schedule.enabled: false)")
	}
	loc, err := globalCfg.Location()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	s := newScheduler(globalManager, globalStore, loc, logger)
	s.after = pushMetrics
	if err := s.add(ctx, "backup", globalCfg.Schedule.BackupCron, backupJob); err != nil {
		return err
	}
	if err := s.add(ctx, "consolidate", globalCfg.Schedule.ConsolidateCron, consolidateJob); err != nil {
		return err
	}

	listen := scheduleListen
	if listen == "" {
		listen = globalCfg.Metrics.Listen
	}

	errChan := make(chan error, 1)
	var srv *http.Server
	if listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", globalMetrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
		srv = &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info("serving metrics", "listen", listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	s.cron.Start()
	log.Info("scheduler started", "volumes", len(globalManager.Volumes()))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-errChan:
		runErr = fmt.Errorf("metrics server error: %w", err)
	}

	// Wait for running jobs; their context is already cancelled on signal
	<-s.cron.Stop().Done()

	if srv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
			runErr = fmt.Errorf("metrics server shutdown error: %w", err)
		}
	}

	log.Info("scheduler stopped")
	return runErr
}
