// Package mounter is the narrow capability interface over the kernel
// mount table. Production code issues real mount syscalls; tests use
// Fake to script failures and assert the exact mount sequence.
package mounter

import (
	"golang.org/x/sys/unix"
)

// Remount flag aliases, re-exported so callers do not import unix
// directly for the common cases.
const (
	FlagReadOnly = uintptr(unix.MS_RDONLY)
	FlagRemount  = uintptr(unix.MS_REMOUNT)
	FlagNoSuid   = uintptr(unix.MS_NOSUID)
	FlagNoDev    = uintptr(unix.MS_NODEV)
)

// Interface mutates the mount table.
type Interface interface {
	// Mount attaches source at target with the given filesystem type,
	// flags and options data.
	Mount(source, target, fstype string, flags uintptr, data string) error

	// Unmount detaches the filesystem mounted at target.
	Unmount(target string) error
}

// Unix issues real mount(2)/umount(2) syscalls.
type Unix struct{}

// New creates the production mounter.
func New() *Unix {
	return &Unix{}
}

// Mount implements Interface.
func (u *Unix) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

// Unmount implements Interface.
func (u *Unix) Unmount(target string) error {
	return unix.Unmount(target, 0)
}
