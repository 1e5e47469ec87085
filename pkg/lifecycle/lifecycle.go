// Package lifecycle sequences the environment operations: bootstrap,
// disk image attach/detach, overlay mount/unmount, resize, delete,
// enter and status.
//
// The orchestrator is the only writer of lifecycle properties. The
// component managers perform physical work and report success or
// failure; the corresponding flag is recorded here, strictly after the
// physical operation has succeeded.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ContainerDroid/android-vendor-cm/internal/bytesize"
	"github.com/ContainerDroid/android-vendor-cm/internal/execx"
	"github.com/ContainerDroid/android-vendor-cm/internal/logger"
	"github.com/ContainerDroid/android-vendor-cm/pkg/props"
	"github.com/ContainerDroid/android-vendor-cm/pkg/state"
)

var (
	// ErrPreconditionViolation means the requested operation does not
	// apply in the current lifecycle state. No state is mutated.
	ErrPreconditionViolation = errors.New("operation not valid in current state")

	// ErrConfigurationMissing means a required property (rootdir,
	// image size) is unset.
	ErrConfigurationMissing = errors.New("required configuration missing")

	// ErrBusy means another invocation holds the lock file.
	ErrBusy = errors.New("another invocation is running")
)

// DefaultLockPath is where the invocation lock file lives. The
// property-based precondition checks cannot stop two concurrent
// invocations from racing the mount table, so every mutating operation
// takes an exclusive flock here first.
const DefaultLockPath = "/data/local/tmp/cm.lock"

// DiskManager is the disk image surface the orchestrator drives.
type DiskManager interface {
	EnsureCreated(ctx context.Context, path string, size bytesize.ByteSize) error
	Attach(ctx context.Context, path, mountpoint string) error
	Detach(ctx context.Context, path, mountpoint string) error
	Resize(ctx context.Context, path string, newSize bytesize.ByteSize) error
	Remove(path string) error
}

// OverlayManager is the union mount surface the orchestrator drives.
type OverlayManager interface {
	Mount(envRoot string) error
	Unmount(envRoot string) error
}

// Provisioner is the first-time setup surface the orchestrator drives
// during bootstrap.
type Provisioner interface {
	CreateSkeleton(envRoot string) error
	FetchPackages(ctx context.Context, envRoot string) ([]string, error)
	LinkShell(envRoot string) error
	InstallPackages(ctx context.Context, paths []string) error
	WriteAptConfig(envRoot string) error
	TrustRepositoryKey(ctx context.Context, envRoot string) error
	SyncPackageIndex(ctx context.Context) error
	NormalizeTree(ctx context.Context, envRoot string) error
}

// Orchestrator dispatches lifecycle operations with precondition gates.
type Orchestrator struct {
	store props.Store
	names props.Names
	probe *state.Probe
	disk  DiskManager
	ovl   OverlayManager
	prov  Provisioner

	// LockPath is the exclusive invocation lock file.
	LockPath string

	// interactive hands the user a terminal-attached process; swapped
	// out in tests.
	interactive func(ctx context.Context, name string, args ...string) error
}

// New creates an Orchestrator over the given store and managers.
func New(store props.Store, names props.Names, disk DiskManager, ovl OverlayManager, prov Provisioner) *Orchestrator {
	return &Orchestrator{
		store:       store,
		names:       names,
		probe:       state.NewProbe(store, names),
		disk:        disk,
		ovl:         ovl,
		prov:        prov,
		LockPath:    DefaultLockPath,
		interactive: execx.Interactive,
	}
}

// acquire takes the exclusive invocation lock. The returned release
// must run before the process exits.
func (o *Orchestrator) acquire() (func(), error) {
	f, err := os.OpenFile(o.LockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w (lock file %s)", ErrBusy, o.LockPath)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

func (o *Orchestrator) setBool(name string, v bool) error {
	val := "false"
	if v {
		val = "true"
	}
	if err := o.store.Set(name, val); err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	return nil
}

// rootDir returns the configured environment root or
// ErrConfigurationMissing.
func (o *Orchestrator) rootDir() (string, error) {
	root, err := o.probe.RootDir()
	if err != nil {
		return "", err
	}
	if root == "" {
		return "", fmt.Errorf("%w: %s", ErrConfigurationMissing, o.names.RootDir)
	}
	return root, nil
}

// requireEnabled gates operations that only apply to a provisioned
// environment.
func (o *Orchestrator) requireEnabled() error {
	enabled, err := o.probe.IsEnabled()
	if err != nil {
		return err
	}
	if !enabled {
		return fmt.Errorf("%w: environment is not provisioned", ErrPreconditionViolation)
	}
	return nil
}

// attachIfNeeded attaches the configured disk image when one exists
// and it is not attached yet. No-op when no image is configured.
func (o *Orchestrator) attachIfNeeded(ctx context.Context, root string) error {
	image, err := o.probe.DiskImage()
	if err != nil {
		return err
	}
	if image == "" {
		return nil
	}
	mounted, err := o.probe.IsDiskImageMounted()
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}
	if err := o.disk.Attach(ctx, image, root); err != nil {
		return err
	}
	return o.setBool(o.names.DiskImageMounted, true)
}

// detachIfNeeded releases the disk image when one is attached,
// unmounting the overlay first when it is live.
func (o *Orchestrator) detachIfNeeded(ctx context.Context, root string) error {
	if err := o.unmountIfNeeded(root); err != nil {
		return err
	}
	image, err := o.probe.DiskImage()
	if err != nil {
		return err
	}
	if image == "" {
		return nil
	}
	mounted, err := o.probe.IsDiskImageMounted()
	if err != nil {
		return err
	}
	if !mounted {
		return nil
	}
	if err := o.disk.Detach(ctx, image, root); err != nil {
		return err
	}
	return o.setBool(o.names.DiskImageMounted, false)
}

// unmountIfNeeded tears down the overlay when it is live.
func (o *Orchestrator) unmountIfNeeded(root string) error {
	mounted, err := o.probe.IsRamdiskMounted()
	if err != nil {
		return err
	}
	if !mounted {
		return nil
	}
	if err := o.ovl.Unmount(root); err != nil {
		return err
	}
	return o.setBool(o.names.RamdiskMounted, false)
}

// Bootstrap provisions the environment from scratch: disk image (when
// configured), directory skeleton, package download, overlay mount and
// package installation. Fails when the environment is already
// provisioned.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	release, err := o.acquire()
	if err != nil {
		return err
	}
	defer release()

	enabled, err := o.probe.IsEnabled()
	if err != nil {
		return err
	}
	if enabled {
		return fmt.Errorf("%w: environment is already provisioned, delete first", ErrPreconditionViolation)
	}

	root, err := o.rootDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create environment root: %w", err)
	}

	image, err := o.probe.DiskImage()
	if err != nil {
		return err
	}
	if image != "" {
		sizeStr, err := o.probe.DiskImageSize()
		if err != nil {
			return err
		}
		if sizeStr == "" {
			return fmt.Errorf("%w: %s", ErrConfigurationMissing, o.names.DiskImageSize)
		}
		size, err := bytesize.Parse(sizeStr)
		if err != nil {
			return fmt.Errorf("parse %s: %w", o.names.DiskImageSize, err)
		}
		if err := o.disk.EnsureCreated(ctx, image, size); err != nil {
			return err
		}
		if err := o.disk.Attach(ctx, image, root); err != nil {
			return err
		}
		if err := o.setBool(o.names.DiskImageMounted, true); err != nil {
			return err
		}
	}

	if err := o.prov.CreateSkeleton(root); err != nil {
		return err
	}
	archives, err := o.prov.FetchPackages(ctx, root)
	if err != nil {
		return err
	}
	if err := o.prov.LinkShell(root); err != nil {
		return err
	}

	if err := o.setBool(o.names.Enabled, true); err != nil {
		return err
	}
	if err := o.ovl.Mount(root); err != nil {
		return err
	}
	if err := o.setBool(o.names.RamdiskMounted, true); err != nil {
		return err
	}

	// The overlay is live from here: dpkg and apt operate on the real
	// path structure, backed by the environment's upper directories.
	if err := o.prov.InstallPackages(ctx, archives); err != nil {
		return err
	}
	if err := o.prov.WriteAptConfig(root); err != nil {
		return err
	}
	if err := o.prov.TrustRepositoryKey(ctx, root); err != nil {
		return err
	}
	if err := o.prov.SyncPackageIndex(ctx); err != nil {
		return err
	}
	if err := o.prov.NormalizeTree(ctx, root); err != nil {
		return err
	}

	logger.Info("bootstrap complete", "root", root)
	return nil
}

// DiskImageMount attaches the configured disk image at the environment
// root. Fails when no image is configured, when the overlay is live or
// when the image is already attached.
func (o *Orchestrator) DiskImageMount(ctx context.Context) error {
	release, err := o.acquire()
	if err != nil {
		return err
	}
	defer release()

	if err := o.requireEnabled(); err != nil {
		return err
	}
	image, err := o.probe.DiskImage()
	if err != nil {
		return err
	}
	if image == "" {
		return fmt.Errorf("%w: %s", ErrConfigurationMissing, o.names.DiskImage)
	}

	if mounted, err := o.probe.IsRamdiskMounted(); err != nil {
		return err
	} else if mounted {
		return fmt.Errorf("%w: overlay is mounted", ErrPreconditionViolation)
	}
	if mounted, err := o.probe.IsDiskImageMounted(); err != nil {
		return err
	} else if mounted {
		return fmt.Errorf("%w: disk image is already attached", ErrPreconditionViolation)
	}

	root, err := o.rootDir()
	if err != nil {
		return err
	}
	if err := o.disk.Attach(ctx, image, root); err != nil {
		return err
	}
	return o.setBool(o.names.DiskImageMounted, true)
}

// DiskImageUnmount detaches the disk image, unmounting the overlay
// first when it is live. No-op when the image is not attached.
func (o *Orchestrator) DiskImageUnmount(ctx context.Context) error {
	release, err := o.acquire()
	if err != nil {
		return err
	}
	defer release()

	if err := o.requireEnabled(); err != nil {
		return err
	}
	root, err := o.rootDir()
	if err != nil {
		return err
	}
	return o.detachIfNeeded(ctx, root)
}

// Mount brings the overlay up, attaching the disk image first when one
// is configured. Fails when the overlay is already mounted.
func (o *Orchestrator) Mount(ctx context.Context) error {
	release, err := o.acquire()
	if err != nil {
		return err
	}
	defer release()

	if err := o.requireEnabled(); err != nil {
		return err
	}
	if mounted, err := o.probe.IsRamdiskMounted(); err != nil {
		return err
	} else if mounted {
		return fmt.Errorf("%w: overlay is already mounted", ErrPreconditionViolation)
	}

	root, err := o.rootDir()
	if err != nil {
		return err
	}
	if err := o.attachIfNeeded(ctx, root); err != nil {
		return err
	}
	if err := o.ovl.Mount(root); err != nil {
		return err
	}
	return o.setBool(o.names.RamdiskMounted, true)
}

// Unmount tears the overlay down. Fails when it is not mounted; the
// cascading paths (detach, resize, delete) skip silently instead.
func (o *Orchestrator) Unmount(ctx context.Context) error {
	release, err := o.acquire()
	if err != nil {
		return err
	}
	defer release()

	if err := o.requireEnabled(); err != nil {
		return err
	}
	mounted, err := o.probe.IsRamdiskMounted()
	if err != nil {
		return err
	}
	if !mounted {
		return fmt.Errorf("%w: overlay is not mounted", ErrPreconditionViolation)
	}

	root, err := o.rootDir()
	if err != nil {
		return err
	}
	if err := o.ovl.Unmount(root); err != nil {
		return err
	}
	return o.setBool(o.names.RamdiskMounted, false)
}

// Resize grows the disk image to the size currently configured in the
// size property, cascading overlay unmount and image detach first.
// Shrinking is passed through but risks data loss.
func (o *Orchestrator) Resize(ctx context.Context) error {
	release, err := o.acquire()
	if err != nil {
		return err
	}
	defer release()

	if err := o.requireEnabled(); err != nil {
		return err
	}
	image, err := o.probe.DiskImage()
	if err != nil {
		return err
	}
	if image == "" {
		return fmt.Errorf("%w: %s", ErrConfigurationMissing, o.names.DiskImage)
	}
	sizeStr, err := o.probe.DiskImageSize()
	if err != nil {
		return err
	}
	if sizeStr == "" {
		return fmt.Errorf("%w: %s", ErrConfigurationMissing, o.names.DiskImageSize)
	}
	size, err := bytesize.Parse(sizeStr)
	if err != nil {
		return fmt.Errorf("parse %s: %w", o.names.DiskImageSize, err)
	}

	root, err := o.rootDir()
	if err != nil {
		return err
	}
	if err := o.detachIfNeeded(ctx, root); err != nil {
		return err
	}
	return o.disk.Resize(ctx, image, size)
}

// Delete destroys the environment: cascades unmount and detach, then
// removes the disk image file or the root directory tree and clears
// the enabled flag.
func (o *Orchestrator) Delete(ctx context.Context) error {
	release, err := o.acquire()
	if err != nil {
		return err
	}
	defer release()

	root, err := o.rootDir()
	if err != nil {
		return err
	}
	if err := o.detachIfNeeded(ctx, root); err != nil {
		return err
	}

	image, err := o.probe.DiskImage()
	if err != nil {
		return err
	}
	if image != "" {
		if err := o.disk.Remove(image); err != nil {
			return err
		}
	} else if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("remove environment root: %w", err)
	}

	if err := o.setBool(o.names.Enabled, false); err != nil {
		return err
	}
	logger.Info("environment deleted", "root", root)
	return nil
}

// Enter hands the user an interactive shell chrooted into the
// environment root, attaching the disk image first when needed.
func (o *Orchestrator) Enter(ctx context.Context) error {
	release, err := o.acquire()
	if err != nil {
		return err
	}
	defer release()

	if err := o.requireEnabled(); err != nil {
		return err
	}
	root, err := o.rootDir()
	if err != nil {
		return err
	}
	if err := o.attachIfNeeded(ctx, root); err != nil {
		return err
	}
	return o.interactive(ctx, "chroot", root, "/usr/bin/sh")
}

// Status reads every lifecycle property. It takes no lock and never
// fails; unreadable fields report their zero value.
func (o *Orchestrator) Status() state.Snapshot {
	return o.probe.Snapshot()
}
