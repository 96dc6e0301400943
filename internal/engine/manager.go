package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BadgerOps/rbdbackup/internal/metrics"
	"github.com/BadgerOps/rbdbackup/internal/rbd"
	"github.com/BadgerOps/rbdbackup/internal/retention"
	"github.com/BadgerOps/rbdbackup/internal/store"
	"github.com/BadgerOps/rbdbackup/internal/toolbox"
)

var (
	// ErrVolumeNotFound means no declared volume matches the identifiers.
	ErrVolumeNotFound = errors.New("volume not found")
	// ErrMissingIdentifier means a required identifier was empty.
	ErrMissingIdentifier = errors.New("missing identifier")
	// ErrBaseEvicted means the live snapshot a diff export needs as its base
	// is gone, so the export cannot be produced until a new chain starts.
	ErrBaseEvicted = errors.New("diff base snapshot no longer live")
)

// Storage is the storage engine surface the manager drives. *rbd.Client
// implements it.
type Storage interface {
	SnapshotNames(ctx context.Context, img rbd.Image) ([]string, error)
	CreateSnapshot(ctx context.Context, img rbd.Image, snap string) error
	RemoveSnapshot(ctx context.Context, img rbd.Image, snap string) error
	ExportDiff(ctx context.Context, img rbd.Image, snap, base string, w io.Writer) error
	ImportDiff(ctx context.Context, img rbd.Image, r io.Reader) error
	Revert(ctx context.Context, img rbd.Image, snap string) error
}

// Options configures a Manager. Store and Metrics are optional.
type Options struct {
	Storage Storage
	Limits  *toolbox.Limits
	Store   *store.Store
	Metrics *metrics.Metrics
	Naming  *retention.Naming
	Policy  retention.Policy
	Logger  *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Manager runs backup, consolidation and restore for declared volumes.
type Manager struct {
	storage Storage
	limits  *toolbox.Limits
	store   *store.Store
	metrics *metrics.Metrics
	naming  *retention.Naming
	policy  retention.Policy
	logger  *slog.Logger
	now     func() time.Time

	volumes []*Volume
}

// NewManager creates a Manager.
func NewManager(opts Options, volumes []*Volume) (*Manager, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("storage engine is required")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Limits == nil {
		opts.Limits = toolbox.NewLimits(1, 1, 1)
	}
	if opts.Naming == nil {
		n, err := retention.NewNaming("", nil)
		if err != nil {
			return nil, err
		}
		opts.Naming = n
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	seen := map[string]bool{}
	for _, v := range volumes {
		if seen[v.ID()] {
			return nil, fmt.Errorf("volume %s declared twice", v.ID())
		}
		seen[v.ID()] = true
	}
	vols := append([]*Volume(nil), volumes...)
	SortVolumes(vols)

	return &Manager{
		storage: opts.Storage,
		limits:  opts.Limits,
		store:   opts.Store,
		metrics: opts.Metrics,
		naming:  opts.Naming,
		policy:  opts.Policy,
		logger:  opts.Logger,
		now:     opts.Now,
		volumes: vols,
	}, nil
}

// Policy returns the retention policy.
func (m *Manager) Policy() retention.Policy {
	return m.policy
}

// Volumes returns every declared volume.
func (m *Manager) Volumes() []*Volume {
	return append([]*Volume(nil), m.volumes...)
}

// Select returns the volumes matched by sel.
func (m *Manager) Select(sel Selector) []*Volume {
	var out []*Volume
	for _, v := range m.volumes {
		if sel.Match(v) {
			out = append(out, v)
		}
	}
	return out
}

// Find returns exactly one volume. The volume may be named by claim or
// image name.
func (m *Manager) Find(namespace, workload, volume string) (*Volume, error) {
	for _, id := range []struct{ name, value string }{
		{"namespace", namespace},
		{"workload", workload},
		{"volume", volume},
	} {
		if id.value == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingIdentifier, id.name)
		}
	}
	vols := m.Select(Selector{Namespace: namespace, Workload: workload, Volume: volume})
	if len(vols) == 0 {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrVolumeNotFound, namespace, workload, volume)
	}
	return vols[0], nil
}

// Load rebuilds the volume's history from the live snapshots and the
// archive directory. Discovery anomalies are logged and returned.
func (m *Manager) Load(ctx context.Context, v *Volume) ([]error, error) {
	names, err := m.storage.SnapshotNames(ctx, v.Image)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", v.Describe(), err)
	}
	files, err := v.Dir.List()
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", v.Describe(), err)
	}
	h, warnings := m.naming.Discover(names, files)
	for _, w := range warnings {
		m.logger.Warn("inventory anomaly", "volume", v.Describe(), "error", w)
	}
	v.History = h
	states := map[string]int{}
	for _, s := range h.All() {
		states[s.State()]++
	}
	m.logger.Debug("volume loaded", "volume", v.Describe(), "snapshots", h.Len(), "archives", len(files),
		"new", states["new"], "exported", states["exported"], "archived", states["archived"])
	return warnings, nil
}

// ForEachVolume runs fn for every volume, at most as many at once as the
// operator pool allows. A failing volume does not stop the others; all
// failures are joined into the returned error.
func (m *Manager) ForEachVolume(ctx context.Context, vols []*Volume, fn func(ctx context.Context, v *Volume) error) error {
	_, operator, _ := m.limits.Sizes()

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(int(operator))
	for _, v := range vols {
		g.Go(func() error {
			if err := fn(ctx, v); err != nil {
				m.logger.Error("volume failed", "volume", v.Describe(), "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", v.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// startRun opens a ledger entry. It returns nil without a store.
func (m *Manager) startRun(command string, v *Volume) *store.Run {
	if m.store == nil {
		return nil
	}
	run := &store.Run{Command: command, Volume: v.ID(), StartTime: m.now()}
	if err := m.store.CreateRun(run); err != nil {
		m.logger.Error("failed to create run record", "command", command, "volume", v.Describe(), "error", err)
		return nil
	}
	return run
}

// finishRun closes a ledger entry and stamps the success metric.
func (m *Manager) finishRun(run *store.Run, command string, v *Volume, err error) {
	end := m.now()
	if err == nil && (run == nil || run.Failed == 0) {
		m.metrics.MarkSuccess(command, v.ID(), end)
	}
	if run == nil {
		return
	}
	run.EndTime = end
	switch {
	case err != nil:
		run.Status = "failed"
		run.ErrorMessage = err.Error()
	case run.Failed > 0:
		run.Status = "partial"
	default:
		run.Status = "success"
	}
	if uerr := m.store.UpdateRun(run); uerr != nil {
		m.logger.Error("failed to update run record", "run", run.ID, "error", uerr)
	}
}

func runID(run *store.Run) string {
	if run == nil {
		return ""
	}
	return run.ID
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
