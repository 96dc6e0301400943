package rbd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/alessio/shellescape"
)

// Commander runs shell scripts where the rbd CLI is available.
type Commander interface {
	Run(ctx context.Context, script string) ([]byte, error)
	Stream(ctx context.Context, script string, stdin io.Reader, stdout io.Writer) error
}

// Image identifies an RBD image.
type Image struct {
	Pool string
	Name string
}

// Spec returns pool/image.
func (i Image) Spec() string {
	return i.Pool + "/" + i.Name
}

// SnapSpec returns pool/image@snap.
func (i Image) SnapSpec(snap string) string {
	return i.Spec() + "@" + snap
}

func (i Image) String() string { return i.Spec() }

// Snapshot is an entry of "rbd snap ls --format=json".
type Snapshot struct {
	ID        uint64 `json:"id"`
	Name      string `json:"name"`
	Size      uint64 `json:"size"`
	Timestamp string `json:"timestamp"`
}

// Client drives the rbd CLI through a Commander.
type Client struct {
	cmd    Commander
	binary string
	logger *slog.Logger
}

// New creates a client. The binary defaults to "rbd".
func New(cmd Commander, binary string, logger *slog.Logger) *Client {
	if binary == "" {
		binary = "rbd"
	}
	return &Client{cmd: cmd, binary: binary, logger: logger}
}

// script renders the rbd command line, each argument quoted for the shell
// the toolbox runs it in.
func (c *Client) script(args ...string) string {
	return shellescape.QuoteCommand(append([]string{c.binary}, args...))
}

// ListSnapshots returns the image's snapshots in the storage engine's order.
func (c *Client) ListSnapshots(ctx context.Context, img Image) ([]Snapshot, error) {
	out, err := c.cmd.Run(ctx, c.script("snap", "ls", "--format=json", img.Spec()))
	if err != nil {
		return nil, fmt.Errorf("listing snapshots of %s: %w", img, err)
	}
	var snaps []Snapshot
	if len(strings.TrimSpace(string(out))) == 0 {
		return snaps, nil
	}
	if err := json.Unmarshal(out, &snaps); err != nil {
		return nil, fmt.Errorf("parsing snapshot list of %s: %w", img, err)
	}
	return snaps, nil
}

// SnapshotNames returns the names of the image's snapshots.
func (c *Client) SnapshotNames(ctx context.Context, img Image) ([]string, error) {
	snaps, err := c.ListSnapshots(ctx, img)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(snaps))
	for i, s := range snaps {
		names[i] = s.Name
	}
	return names, nil
}

// CreateSnapshot takes a snapshot of the image.
func (c *Client) CreateSnapshot(ctx context.Context, img Image, snap string) error {
	if _, err := c.cmd.Run(ctx, c.script("snap", "create", img.SnapSpec(snap))); err != nil {
		return fmt.Errorf("creating snapshot %s: %w", img.SnapSpec(snap), err)
	}
	c.logger.Info("snapshot created", "snapshot", img.SnapSpec(snap))
	return nil
}

// RemoveSnapshot removes a snapshot. A missing snapshot is not an error.
func (c *Client) RemoveSnapshot(ctx context.Context, img Image, snap string) error {
	_, err := c.cmd.Run(ctx, c.script("snap", "rm", "--no-progress", img.SnapSpec(snap)))
	if err != nil {
		if isNotFound(err) {
			c.logger.Debug("snapshot already absent", "snapshot", img.SnapSpec(snap))
			return nil
		}
		return fmt.Errorf("removing snapshot %s: %w", img.SnapSpec(snap), err)
	}
	c.logger.Info("snapshot removed", "snapshot", img.SnapSpec(snap))
	return nil
}

// ExportDiff writes the diff between base and snap to w. An empty base
// exports the whole image up to snap.
func (c *Client) ExportDiff(ctx context.Context, img Image, snap, base string, w io.Writer) error {
	args := []string{"export-diff", "--no-progress", img.SnapSpec(snap)}
	if base != "" {
		args = append(args, "--from-snap", base)
	}
	args = append(args, "-")
	if err := c.cmd.Stream(ctx, c.script(args...), nil, w); err != nil {
		return fmt.Errorf("exporting %s: %w", img.SnapSpec(snap), err)
	}
	return nil
}

// ImportDiff applies the diff read from r to the image.
func (c *Client) ImportDiff(ctx context.Context, img Image, r io.Reader) error {
	if err := c.cmd.Stream(ctx, c.script("import-diff", "--no-progress", "-", img.Spec()), r, io.Discard); err != nil {
		return fmt.Errorf("importing diff into %s: %w", img, err)
	}
	return nil
}

// Revert rolls the image back to snap.
func (c *Client) Revert(ctx context.Context, img Image, snap string) error {
	if _, err := c.cmd.Run(ctx, c.script("snap", "revert", "--no-progress", img.SnapSpec(snap))); err != nil {
		return fmt.Errorf("reverting %s: %w", img.SnapSpec(snap), err)
	}
	c.logger.Info("image reverted", "snapshot", img.SnapSpec(snap))
	return nil
}

// isNotFound matches rbd's ENOENT report, e.g.
// "rbd: failed to remove snapshot: (2) No such file or directory".
func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "(2) No such file or directory")
}
