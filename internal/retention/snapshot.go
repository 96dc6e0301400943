package retention

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	// ErrUnclassified means no tier rule matched a snapshot.
	ErrUnclassified = errors.New("snapshot matches no retention tier")
	// ErrSnapshotNotFound means a named snapshot is not part of the history.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrBrokenChain means a dependency names a snapshot missing from the history.
	ErrBrokenChain = errors.New("broken dependency chain")
	// ErrOrdering means the storage engine's snapshot order differs from name order.
	ErrOrdering = errors.New("unexpected snapshot ordering")
	// ErrInvalidArchive means an archive file name could not be parsed.
	ErrInvalidArchive = errors.New("invalid archive file")
	// ErrPolicyDrift means an archived snapshot's recorded tier would not be
	// elected by the current policy.
	ErrPolicyDrift = errors.New("archived tier differs from current policy")
	// ErrDuplicate means two entries claim the same snapshot name.
	ErrDuplicate = errors.New("duplicate snapshot")
)

// Snapshot is one point in a volume's backup timeline. It may exist as a live
// snapshot on the storage engine, as an exported archive file, or both.
type Snapshot struct {
	Name      string
	Timestamp time.Time
	Tier      Tier

	HasLive    bool
	HasArchive bool

	ArchiveFile string
	ArchiveSize int64

	EvictLive    bool
	EvictArchive bool

	// DependsOn names the diff base. Empty for full exports.
	DependsOn string
}

// State returns "new", "exported", "archived" or "gone".
func (s *Snapshot) State() string {
	switch {
	case s.HasLive && !s.HasArchive:
		return "new"
	case s.HasLive && s.HasArchive:
		return "exported"
	case s.HasArchive:
		return "archived"
	default:
		return "gone"
	}
}

// PendingExport reports whether the snapshot still needs its archive written.
func (s *Snapshot) PendingExport() bool {
	return s.HasLive && !s.HasArchive && !s.EvictArchive
}

func flags(a, b bool) string {
	out := []byte("--")
	if a {
		out[0] = 'S'
	}
	if b {
		out[1] = 'F'
	}
	return string(out)
}

// ConsolidationInfo renders the one-line report used by listings. Eviction
// flags are masked by existence so nothing absent is shown as evictable.
func (s *Snapshot) ConsolidationInfo() string {
	size := "NA"
	if s.ArchiveSize > 0 {
		size = humanize.IBytes(uint64(s.ArchiveSize))
	}
	return fmt.Sprintf("[%s][%s][has:%s][evict:%s][file:%s|%s]",
		s.Tier.Flag(),
		s.Name,
		flags(s.HasLive, s.HasArchive),
		flags(s.HasLive && s.EvictLive, s.HasArchive && s.EvictArchive),
		size,
		s.ArchiveFile,
	)
}

// History is one volume's snapshots in timeline order. Links between
// snapshots are names resolved through the history, so pruning never leaves
// dangling references.
type History struct {
	snaps []*Snapshot
	index map[string]int
	ext   string
}

// NewHistory builds a history, ordering snapshots by timestamp then name.
func NewHistory(snaps ...*Snapshot) (*History, error) {
	h := &History{}
	for _, s := range snaps {
		if err := h.Add(s); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *History) reindex() {
	sort.SliceStable(h.snaps, func(i, j int) bool {
		a, b := h.snaps[i], h.snaps[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Name < b.Name
	})
	h.index = make(map[string]int, len(h.snaps))
	for i, s := range h.snaps {
		h.index[s.Name] = i
	}
}

// Add inserts a snapshot at its timeline position.
func (h *History) Add(s *Snapshot) error {
	if _, ok := h.index[s.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, s.Name)
	}
	h.snaps = append(h.snaps, s)
	h.reindex()
	return nil
}

// ArchiveExt returns the extension used when naming new archive files.
func (h *History) ArchiveExt() string {
	if h.ext == "" {
		return DefaultArchiveExt
	}
	return h.ext
}

// Len returns the number of snapshots.
func (h *History) Len() int { return len(h.snaps) }

// All returns the snapshots in timeline order. The slice is a copy; the
// snapshots are shared.
func (h *History) All() []*Snapshot {
	return append([]*Snapshot(nil), h.snaps...)
}

// Latest returns the newest snapshot, or nil for an empty history.
func (h *History) Latest() *Snapshot {
	if len(h.snaps) == 0 {
		return nil
	}
	return h.snaps[len(h.snaps)-1]
}

// Find returns the snapshot with the given name.
func (h *History) Find(name string) (*Snapshot, bool) {
	i, ok := h.index[name]
	if !ok {
		return nil, false
	}
	return h.snaps[i], true
}

// IndexOf returns the timeline position of name, or -1.
func (h *History) IndexOf(name string) int {
	i, ok := h.index[name]
	if !ok {
		return -1
	}
	return i
}

// Base returns the diff base of s. ok is false for full exports; err is set
// when the base is missing from the history.
func (h *History) Base(s *Snapshot) (base *Snapshot, ok bool, err error) {
	if s.DependsOn == "" {
		return nil, false, nil
	}
	b, found := h.Find(s.DependsOn)
	if !found {
		return nil, false, fmt.Errorf("%w: %s depends on missing %s", ErrBrokenChain, s.Name, s.DependsOn)
	}
	return b, true, nil
}

// Chain returns s and all its ancestors, oldest first.
func (h *History) Chain(s *Snapshot) ([]*Snapshot, error) {
	var chain []*Snapshot
	seen := map[string]bool{}
	for cur := s; cur != nil; {
		if seen[cur.Name] {
			return nil, fmt.Errorf("%w: cycle at %s", ErrBrokenChain, cur.Name)
		}
		seen[cur.Name] = true
		chain = append(chain, cur)
		base, ok, err := h.Base(cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		cur = base
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Commit drops every snapshot that neither exists live nor as an archive and
// returns the dropped names.
func (h *History) Commit() []string {
	var dropped []string
	kept := h.snaps[:0]
	for _, s := range h.snaps {
		if !s.HasLive && !s.HasArchive {
			dropped = append(dropped, s.Name)
			continue
		}
		kept = append(kept, s)
	}
	h.snaps = kept
	h.reindex()
	return dropped
}
