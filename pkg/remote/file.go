package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	syncerrors "github.com/super-productivity/sync-core/pkg/errors"
)

// ErrNotFound is returned by Download when path does not exist yet —
// the first-ever sync for an account, before any client has uploaded a
// blob.
var ErrNotFound = errors.New("remote: blob not found")

// RemoteFile is the inbound "remote file" interface of spec.md §6:
// download/upload by opaque path. Whether the underlying store supports
// ETags is irrelevant; C7 relies on syncVersion inside the blob itself.
// Every call takes the caller-supplied timeout/cancellation of spec.md
// §5 as a context.Context.
type RemoteFile interface {
	Download(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, path string, data []byte) (revID string, err error)
}

// LocalFile is a RemoteFile backed by the local filesystem, standing in
// for a real object-store client in the CLI demo and in tests. Upload is
// atomic (write to a temp file, rename over the destination) and keeps
// exactly one backup generation at path+".bak", per spec.md §3's
// "previous version is preserved once as …bak".
type LocalFile struct{}

// NewLocalFile constructs a LocalFile adapter.
func NewLocalFile() LocalFile { return LocalFile{} }

// checkContext reports a transient-I/O SyncError if ctx has already been
// cancelled or its deadline has passed, the way every suspension point in
// spec.md §5 ("every I/O call") must honor the caller's timeout.
func checkContext(ctx context.Context, component, operation string) error {
	select {
	case <-ctx.Done():
		return syncerrors.Wrap(syncerrors.KindTransientIO, component, operation, ctx.Err())
	default:
		return nil
	}
}

func (LocalFile) Download(ctx context.Context, path string) ([]byte, error) {
	if err := checkContext(ctx, "remote", "Download"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("remote: download %s: %w", path, err)
	}

	if err := checkContext(ctx, "remote", "Download"); err != nil {
		return nil, err
	}
	return data, nil
}

func (LocalFile) Upload(ctx context.Context, path string, data []byte) (string, error) {
	if err := checkContext(ctx, "remote", "Upload"); err != nil {
		return "", err
	}

	if existing, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".bak", existing, 0o644); err != nil {
			return "", fmt.Errorf("remote: write backup for %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("remote: read %s before backup: %w", path, err)
	}

	if err := checkContext(ctx, "remote", "Upload"); err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("remote: create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("remote: write temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("remote: close temp file for %s: %w", path, err)
	}

	if err := checkContext(ctx, "remote", "Upload"); err != nil {
		os.Remove(tmpName)
		return "", err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("remote: rename temp file into %s: %w", path, err)
	}
	return path, nil
}
