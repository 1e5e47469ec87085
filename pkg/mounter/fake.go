package mounter

import (
	"fmt"
	"sync"
)

// MountCall records one Mount invocation.
type MountCall struct {
	Source string
	Target string
	FSType string
	Flags  uintptr
	Data   string
}

// Fake is an in-memory mount table for tests. FailMount/FailUnmount
// inject failures keyed by target path.
type Fake struct {
	mu sync.Mutex

	// Mounts is every Mount call in order.
	Mounts []MountCall

	// Unmounts is every Unmount target in order.
	Unmounts []string

	// FailMount maps target paths to injected mount errors.
	FailMount map[string]error

	// FailUnmount maps target paths to injected unmount errors.
	FailUnmount map[string]error

	mounted map[string]bool
}

// NewFake creates an empty fake mount table.
func NewFake() *Fake {
	return &Fake{
		FailMount:   make(map[string]error),
		FailUnmount: make(map[string]error),
		mounted:     make(map[string]bool),
	}
}

// Mount implements Interface.
func (f *Fake) Mount(source, target, fstype string, flags uintptr, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.FailMount[target]; err != nil {
		return err
	}

	f.Mounts = append(f.Mounts, MountCall{
		Source: source,
		Target: target,
		FSType: fstype,
		Flags:  flags,
		Data:   data,
	})

	// A remount changes flags on an existing mount, it adds no entry
	if flags&FlagRemount == 0 {
		f.mounted[target] = true
	}
	return nil
}

// Unmount implements Interface.
func (f *Fake) Unmount(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.FailUnmount[target]; err != nil {
		return err
	}
	if !f.mounted[target] {
		return fmt.Errorf("%s: not mounted", target)
	}

	f.Unmounts = append(f.Unmounts, target)
	delete(f.mounted, target)
	return nil
}

// IsMounted reports whether target is currently mounted in the fake
// table.
func (f *Fake) IsMounted(target string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mounted[target]
}

// MountedTargets returns every currently mounted target.
func (f *Fake) MountedTargets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for t := range f.mounted {
		out = append(out, t)
	}
	return out
}
