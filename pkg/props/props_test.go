package props

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamesFor(t *testing.T) {
	t.Parallel()

	n := NamesFor("cm")

	assert.Equal(t, "persist.cm.enabled", n.Enabled)
	assert.Equal(t, "persist.cm.rootdir", n.RootDir)
	assert.Equal(t, "persist.cm.diskimage", n.DiskImage)
	assert.Equal(t, "persist.cm.diskimage.size", n.DiskImageSize)
	assert.Equal(t, "sys.cm.diskimage.mounted", n.DiskImageMounted)
	assert.Equal(t, "sys.cm.ramdisk.mounted", n.RamdiskMounted)
	assert.Len(t, n.All(), 6)
}

func TestMemStore_GetSet(t *testing.T) {
	t.Parallel()

	s := NewMemStore()

	got, err := s.Get("persist.cm.enabled")
	require.NoError(t, err)
	assert.Equal(t, "", got, "unset property reads empty")

	require.NoError(t, s.Set("persist.cm.enabled", "true"))

	got, err = s.Get("persist.cm.enabled")
	require.NoError(t, err)
	assert.Equal(t, "true", got)
}

func TestMemStore_WaitFor(t *testing.T) {
	t.Parallel()

	s := NewMemStore()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- s.WaitFor(ctx, "sys.cm.ramdisk.mounted", "true")
	}()

	// Intermediate value must not release the waiter
	require.NoError(t, s.Set("sys.cm.ramdisk.mounted", "false"))
	require.NoError(t, s.Set("sys.cm.ramdisk.mounted", "true"))

	require.NoError(t, <-done)
}

func TestMemStore_WaitForAlreadySet(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	require.NoError(t, s.Set("persist.cm.enabled", "true"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.WaitFor(ctx, "persist.cm.enabled", "true"))
}

func TestFileStore_GetSet(t *testing.T) {
	t.Parallel()

	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	got, err := s.Get("persist.cm.rootdir")
	require.NoError(t, err)
	assert.Equal(t, "", got)

	require.NoError(t, s.Set("persist.cm.rootdir", "/data/debian"))

	got, err = s.Get("persist.cm.rootdir")
	require.NoError(t, err)
	assert.Equal(t, "/data/debian", got)

	// Overwrite wins
	require.NoError(t, s.Set("persist.cm.rootdir", "/data/other"))
	got, err = s.Get("persist.cm.rootdir")
	require.NoError(t, err)
	assert.Equal(t, "/data/other", got)
}

func TestFileStore_WaitFor(t *testing.T) {
	t.Parallel()

	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- s.WaitFor(ctx, "persist.cm.enabled", "true")
	}()

	// Give the watcher a moment to be established
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.Set("persist.cm.enabled", "true"))

	require.NoError(t, <-done)
}

func TestFileStore_WaitForTimeout(t *testing.T) {
	t.Parallel()

	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = s.WaitFor(ctx, "persist.cm.enabled", "true")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
