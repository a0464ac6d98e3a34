package remote

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "github.com/super-productivity/sync-core/pkg/errors"
)

func TestLocalFileDownloadNotFound(t *testing.T) {
	f := NewLocalFile()
	_, err := f.Download(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalFileUploadThenDownloadRoundTrips(t *testing.T) {
	f := NewLocalFile()
	path := filepath.Join(t.TempDir(), "blob.yaml")

	_, err := f.Upload(context.Background(), path, []byte("first"))
	require.NoError(t, err)

	got, err := f.Download(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func TestLocalFileUploadKeepsOneBackupGeneration(t *testing.T) {
	f := NewLocalFile()
	path := filepath.Join(t.TempDir(), "blob.yaml")

	_, err := f.Upload(context.Background(), path, []byte("v1"))
	require.NoError(t, err)
	_, err = f.Upload(context.Background(), path, []byte("v2"))
	require.NoError(t, err)

	backup, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), backup)

	current, err := f.Download(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), current)
}

func TestLocalFileDownloadReportsCancelledContextAsTransientIO(t *testing.T) {
	f := NewLocalFile()
	path := filepath.Join(t.TempDir(), "blob.yaml")
	_, err := f.Upload(context.Background(), path, []byte("data"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.Download(ctx, path)
	require.Error(t, err)
	se, ok := err.(*syncerrors.SyncError)
	require.True(t, ok)
	assert.Equal(t, syncerrors.KindTransientIO, se.Kind)
}

func TestLocalFileUploadReportsExpiredDeadlineAsTransientIO(t *testing.T) {
	f := NewLocalFile()
	path := filepath.Join(t.TempDir(), "blob.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	_, err := f.Upload(ctx, path, []byte("data"))
	require.Error(t, err)
	se, ok := err.(*syncerrors.SyncError)
	require.True(t, ok)
	assert.Equal(t, syncerrors.KindTransientIO, se.Kind)
}
