package archive

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/BadgerOps/rbdbackup/internal/retention"
)

// TempSuffix marks archives that are still being written.
const TempSuffix = ".tmp"

// Dir is the archive directory of one volume.
type Dir struct {
	Path   string
	logger *slog.Logger
}

// NewDir returns the archive directory at path. It is created on first write.
func NewDir(path string, logger *slog.Logger) *Dir {
	return &Dir{Path: path, logger: logger}
}

// List returns the archive files of the directory sorted by name. Temporary
// files and subdirectories are skipped; a missing directory is empty.
func (d *Dir) List() ([]retention.ArchiveFile, error) {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", d.Path, err)
	}
	var files []retention.ArchiveFile
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), TempSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		files = append(files, retention.ArchiveFile{Name: e.Name(), Size: info.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Write compresses everything fill writes into name. Data goes to
// name+".tmp" first and is renamed into place once complete, so readers
// never see a partial archive. It returns the archive size.
func (d *Dir) Write(ctx context.Context, name string, fill func(w io.Writer) error) (int64, error) {
	if err := checkFileName(name); err != nil {
		return 0, err
	}
	codec, err := CodecForFile(name)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(d.Path, 0o755); err != nil {
		return 0, fmt.Errorf("creating %s: %w", d.Path, err)
	}

	final := filepath.Join(d.Path, name)
	tmp := final + TempSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", tmp, err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}

	buf := bufio.NewWriterSize(f, 1<<20)
	enc, err := codec.NewWriter(buf)
	if err != nil {
		cleanup()
		return 0, fmt.Errorf("creating %s writer: %w", codec.Name(), err)
	}
	if err := fill(enc); err != nil {
		_ = enc.Close()
		cleanup()
		return 0, err
	}
	if err := enc.Close(); err != nil {
		cleanup()
		return 0, fmt.Errorf("closing %s writer: %w", codec.Name(), err)
	}
	if err := buf.Flush(); err != nil {
		cleanup()
		return 0, fmt.Errorf("flushing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return 0, fmt.Errorf("syncing %s: %w", tmp, err)
	}
	info, err := f.Stat()
	if err != nil {
		cleanup()
		return 0, fmt.Errorf("stat %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("closing %s: %w", tmp, err)
	}

	if err := retry(ctx, "rename", func() error { return os.Rename(tmp, final) }); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if d.logger != nil {
		d.logger.Debug("archive written", "file", final, "size", info.Size())
	}
	return info.Size(), nil
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloser) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open returns the decompressed content of an archive.
func (d *Dir) Open(name string) (io.ReadCloser, error) {
	if err := checkFileName(name); err != nil {
		return nil, err
	}
	codec, err := CodecForFile(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(d.Path, name))
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	dec, err := codec.NewReader(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("creating %s reader for %s: %w", codec.Name(), name, err)
	}
	return &readCloser{Reader: dec, closers: []io.Closer{dec, f}}, nil
}

// Remove deletes an archive. A missing file is not an error.
func (d *Dir) Remove(name string) error {
	if err := checkFileName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(d.Path, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing archive %s: %w", name, err)
	}
	return nil
}

// CleanTemp removes leftovers of interrupted writes and returns their names.
func (d *Dir) CleanTemp() ([]string, error) {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", d.Path, err)
	}
	var removed []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), TempSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(d.Path, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("removing %s: %w", e.Name(), err)
		}
		removed = append(removed, e.Name())
	}
	return removed, nil
}

// Usage returns the total size of the archives in the directory.
func (d *Dir) Usage() (int64, error) {
	files, err := d.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total, nil
}

// retryAttempts bounds how often a transient filesystem failure is retried.
const retryAttempts = 5

// retry runs fn with exponential backoff while it fails with a transient
// filesystem error. Other errors are returned after the first attempt.
func retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, retryAttempts-1), ctx))
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return err
	case isTransient(err):
		return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
	default:
		return fmt.Errorf("%s failed: %w", op, err)
	}
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.ETIMEDOUT)
}
