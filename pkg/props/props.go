// Package props is the adapter over the host's property service — the
// persisted key/value store that records both configuration
// (persist.<ns>.*) and session lifecycle state (sys.<ns>.*).
//
// Property semantics: last-write-wins, no atomicity across writes. The
// lifecycle layer therefore re-derives state from the mount flags on
// every operation instead of caching it.
package props

import (
	"context"
	"strings"
	"sync"
)

// Store reads and writes named string properties.
//
// Properties prefixed "persist." survive reboots; "sys." properties
// live for the current session only. An unset property reads as "".
type Store interface {
	Get(name string) (string, error)
	Set(name, value string) error

	// WaitFor blocks until the property equals want or ctx is done.
	// It is the hook for the host's boot-trigger supervision contract.
	WaitFor(ctx context.Context, name, want string) error
}

// Names derives the full property names for a given namespace.
//
// With namespace "cm" the six lifecycle properties are:
//
//	persist.cm.enabled
//	persist.cm.rootdir
//	persist.cm.diskimage
//	persist.cm.diskimage.size
//	sys.cm.diskimage.mounted
//	sys.cm.ramdisk.mounted
type Names struct {
	Enabled          string
	RootDir          string
	DiskImage        string
	DiskImageSize    string
	DiskImageMounted string
	RamdiskMounted   string
}

// NamesFor builds the property name set for a namespace.
func NamesFor(ns string) Names {
	ns = strings.Trim(ns, ".")
	return Names{
		Enabled:          "persist." + ns + ".enabled",
		RootDir:          "persist." + ns + ".rootdir",
		DiskImage:        "persist." + ns + ".diskimage",
		DiskImageSize:    "persist." + ns + ".diskimage.size",
		DiskImageMounted: "sys." + ns + ".diskimage.mounted",
		RamdiskMounted:   "sys." + ns + ".ramdisk.mounted",
	}
}

// All returns every property name in a stable display order.
func (n Names) All() []string {
	return []string{
		n.Enabled,
		n.RootDir,
		n.DiskImage,
		n.DiskImageSize,
		n.DiskImageMounted,
		n.RamdiskMounted,
	}
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu      sync.Mutex
	values  map[string]string
	waiters map[string][]chan string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		values:  make(map[string]string),
		waiters: make(map[string][]chan string),
	}
}

// Get implements Store.
func (m *MemStore) Get(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[name], nil
}

// Set implements Store.
func (m *MemStore) Set(name, value string) error {
	m.mu.Lock()
	m.values[name] = value
	waiters := m.waiters[name]
	delete(m.waiters, name)
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- value
	}
	return nil
}

// WaitFor implements Store.
func (m *MemStore) WaitFor(ctx context.Context, name, want string) error {
	for {
		m.mu.Lock()
		if m.values[name] == want {
			m.mu.Unlock()
			return nil
		}
		ch := make(chan string, 1)
		m.waiters[name] = append(m.waiters[name], ch)
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case got := <-ch:
			if got == want {
				return nil
			}
		}
	}
}

// Snapshot returns a copy of all values, for assertions.
func (m *MemStore) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}
