// Package retention implements the periodic RetentionMaintainer task and
// its archival collaborator (spec §4.7, expanded §4.8).
package retention

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/lumenmq/lumenmq/engine/brokererr"
)

// Archiver submits segment files for archival before they're deleted
// (spec §4.7 "If an archiver is configured and archive_expired is set,
// submit those segment files for archival; only on success mark
// deletable").
type Archiver interface {
	Archive(ctx context.Context, files []string) error
	IsArchived(ctx context.Context, path string) (bool, error)
}

// Noop disables archival; Archive is a no-op and IsArchived always
// reports false, matching the "without archiver, delete directly" branch
// (spec §4.7).
type Noop struct{}

func (Noop) Archive(ctx context.Context, files []string) error { return nil }

func (Noop) IsArchived(ctx context.Context, path string) (bool, error) { return false, nil }

// Local gzip-compresses each segment file into a configured archive root,
// mirroring friggdb/backend/local/local.go's mkdir-then-write-then-rename
// shape for crash-safe writes.
type Local struct {
	Root string
}

func NewLocal(root string) *Local {
	return &Local{Root: root}
}

func (l *Local) Archive(ctx context.Context, files []string) error {
	if err := os.MkdirAll(l.Root, 0755); err != nil {
		return brokererr.Wrap(brokererr.CodeIOFailure, "create archive root", err)
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.archiveOne(path); err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) archiveOne(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return brokererr.Wrap(brokererr.CodeIOFailure, "open segment file for archival", err)
	}
	defer src.Close()

	dest := l.archivePath(path)
	tmp := dest + ".tmp"

	out, err := os.Create(tmp)
	if err != nil {
		return brokererr.Wrap(brokererr.CodeIOFailure, "create archive temp file", err)
	}

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		out.Close()
		_ = os.Remove(tmp)
		return brokererr.Wrap(brokererr.CodeIOFailure, "gzip segment file", err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return brokererr.Wrap(brokererr.CodeIOFailure, "close gzip writer", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return brokererr.Wrap(brokererr.CodeIOFailure, "close archive temp file", err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		return brokererr.Wrap(brokererr.CodeIOFailure, "rename archive file into place", err)
	}
	return nil
}

func (l *Local) IsArchived(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(l.archivePath(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, brokererr.Wrap(brokererr.CodeIOFailure, "stat archive file", err)
}

func (l *Local) archivePath(segmentPath string) string {
	return filepath.Join(l.Root, fmt.Sprintf("%s.gz", filepath.Base(segmentPath)))
}
