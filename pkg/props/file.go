package props

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// FileStore persists properties as one file per property under a
// directory, so the tool works on plain Linux hosts without Android's
// property service. WaitFor uses inotify on the directory.
//
// Property names map to filenames directly ("persist.cm.enabled" is a
// file of that name); values are the file contents without a trailing
// newline.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed Store rooted at dir, creating the
// directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create property dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(name string) string {
	return filepath.Join(f.dir, name)
}

// Get implements Store. A missing file reads as "".
func (f *FileStore) Get(name string) (string, error) {
	data, err := os.ReadFile(f.path(name))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read property %s: %w", name, err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// Set implements Store. The write is atomic (temp file + rename) so a
// concurrent reader never observes a torn value.
func (f *FileStore) Set(name, value string) error {
	tmp, err := os.CreateTemp(f.dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("write property %s: %w", name, err)
	}
	if _, err := tmp.WriteString(value + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write property %s: %w", name, err)
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), f.path(name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write property %s: %w", name, err)
	}
	return nil
}

// WaitFor implements Store using an fsnotify watch on the property
// directory. The value is re-read after every event so a transition
// that lands between watcher setup and the first event is not missed.
func (f *FileStore) WaitFor(ctx context.Context, name, want string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create property watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(f.dir); err != nil {
		return fmt.Errorf("watch property dir: %w", err)
	}

	// Check after the watch is in place, not before
	got, err := f.Get(name)
	if err != nil {
		return err
	}
	if got == want {
		return nil
	}

	target := f.path(name)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("property watcher closed")
			}
			if event.Name != target {
				continue
			}
			got, err := f.Get(name)
			if err != nil {
				return err
			}
			if got == want {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("property watcher closed")
			}
			return fmt.Errorf("property watcher: %w", err)
		}
	}
}
