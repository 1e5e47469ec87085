// Package diskimage owns the loopback disk image backing the
// environment root: creation, attach/detach through a fixed loop
// device slot, integrity checking and resizing.
//
// The package performs physical operations only. Preconditions and the
// sys.<ns>.diskimage.mounted flag are the lifecycle layer's business:
// flags are recorded there, after the physical step has succeeded.
package diskimage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ContainerDroid/android-vendor-cm/internal/bytesize"
	"github.com/ContainerDroid/android-vendor-cm/internal/execx"
	"github.com/ContainerDroid/android-vendor-cm/internal/logger"
	"github.com/ContainerDroid/android-vendor-cm/pkg/mounter"
)

// ErrSizeMissing means a disk image was configured without a size.
var ErrSizeMissing = errors.New("disk image size not configured")

// DefaultLoopDevice is the fixed loop slot the image binds to. Exactly
// one image per host; attaching while attached fails instead of
// allocating another slot.
const DefaultLoopDevice = "/dev/block/loop7"

// Manager performs disk image operations.
type Manager struct {
	runner  execx.Runner
	mounter mounter.Interface

	// LoopDevice is the loop slot used for attach.
	LoopDevice string
}

// NewManager creates a disk image manager.
func NewManager(runner execx.Runner, mnt mounter.Interface) *Manager {
	return &Manager{
		runner:     runner,
		mounter:    mnt,
		LoopDevice: DefaultLoopDevice,
	}
}

// Exists reports whether the image file is present.
func (m *Manager) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureCreated allocates and formats the image if the file does not
// already exist. The allocation is sparse; blocks materialize as the
// environment fills. Formatting uses ext4 for its journal: the image
// lives on storage that can lose power mid-write.
func (m *Manager) EnsureCreated(ctx context.Context, path string, size bytesize.ByteSize) error {
	if m.Exists(path) {
		logger.Debug("disk image already exists", "path", path)
		return nil
	}
	if size == 0 {
		return ErrSizeMissing
	}

	logger.Info("creating disk image", "path", path, "size", size.String())

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create disk image: %w", err)
	}
	if err := f.Truncate(size.Int64()); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("allocate disk image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("create disk image: %w", err)
	}

	if _, err := m.runner.Run(ctx, "mkfs.ext4", "-q", path); err != nil {
		os.Remove(path)
		return fmt.Errorf("format disk image: %w", err)
	}
	return nil
}

// Attach binds the image to the loop slot and mounts it at mountpoint.
// The image is integrity-checked first.
func (m *Manager) Attach(ctx context.Context, path, mountpoint string) error {
	if err := m.Check(ctx, path); err != nil {
		return err
	}

	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return fmt.Errorf("create mountpoint: %w", err)
	}

	if _, err := m.runner.Run(ctx, "losetup", m.LoopDevice, path); err != nil {
		return fmt.Errorf("attach loop device: %w", err)
	}

	if err := m.mounter.Mount(m.LoopDevice, mountpoint, "ext4", 0, ""); err != nil {
		// Leave no dangling loop binding behind
		if _, derr := m.runner.Run(ctx, "losetup", "-d", m.LoopDevice); derr != nil {
			logger.Warn("loop device release failed during attach rollback",
				"device", m.LoopDevice, "error", derr)
		}
		return fmt.Errorf("mount disk image: %w", err)
	}

	logger.Info("disk image attached", "path", path, "device", m.LoopDevice, "mountpoint", mountpoint)
	return nil
}

// Detach unmounts the image and releases the loop slot, then
// integrity-checks the now-quiescent image.
func (m *Manager) Detach(ctx context.Context, path, mountpoint string) error {
	if err := m.mounter.Unmount(mountpoint); err != nil {
		return fmt.Errorf("unmount disk image: %w", err)
	}

	if _, err := m.runner.Run(ctx, "losetup", "-d", m.LoopDevice); err != nil {
		return fmt.Errorf("release loop device: %w", err)
	}

	if err := m.Check(ctx, path); err != nil {
		return err
	}

	logger.Info("disk image detached", "path", path, "mountpoint", mountpoint)
	return nil
}

// Resize changes the image to newSize: integrity check, truncate,
// grow/shrink the filesystem structures, check again.
//
// Shrinking is unsafe: ext4 blocks past the new end are cut off before
// resize2fs runs, and data in them is lost. Callers are expected to
// warn the operator; nothing here guards against it.
func (m *Manager) Resize(ctx context.Context, path string, newSize bytesize.ByteSize) error {
	if newSize == 0 {
		return ErrSizeMissing
	}

	if err := m.Check(ctx, path); err != nil {
		return err
	}

	logger.Info("resizing disk image", "path", path, "size", newSize.String())

	if err := os.Truncate(path, newSize.Int64()); err != nil {
		return fmt.Errorf("truncate disk image: %w", err)
	}

	if _, err := m.runner.Run(ctx, "resize2fs", path); err != nil {
		return fmt.Errorf("resize filesystem: %w", err)
	}

	return m.Check(ctx, path)
}

// Remove deletes the image file. Missing files are fine.
func (m *Manager) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove disk image: %w", err)
	}
	return nil
}

// Check runs a forced filesystem check, repairing what it can.
func (m *Manager) Check(ctx context.Context, path string) error {
	if _, err := m.runner.Run(ctx, "e2fsck", "-fy", path); err != nil {
		return fmt.Errorf("filesystem check: %w", err)
	}
	return nil
}
