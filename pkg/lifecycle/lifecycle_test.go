package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/ContainerDroid/android-vendor-cm/internal/bytesize"
	"github.com/ContainerDroid/android-vendor-cm/pkg/props"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDisk records disk image operations as rendered strings.
type fakeDisk struct {
	calls     []string
	createErr error
	attachErr error
	resizeErr error
}

func (f *fakeDisk) EnsureCreated(ctx context.Context, path string, size bytesize.ByteSize) error {
	f.calls = append(f.calls, fmt.Sprintf("create %s %d", path, size.Uint64()))
	return f.createErr
}

func (f *fakeDisk) Attach(ctx context.Context, path, mountpoint string) error {
	f.calls = append(f.calls, fmt.Sprintf("attach %s %s", path, mountpoint))
	return f.attachErr
}

func (f *fakeDisk) Detach(ctx context.Context, path, mountpoint string) error {
	f.calls = append(f.calls, fmt.Sprintf("detach %s %s", path, mountpoint))
	return nil
}

func (f *fakeDisk) Resize(ctx context.Context, path string, newSize bytesize.ByteSize) error {
	f.calls = append(f.calls, fmt.Sprintf("resize %s %d", path, newSize.Uint64()))
	return f.resizeErr
}

func (f *fakeDisk) Remove(path string) error {
	f.calls = append(f.calls, "remove "+path)
	return nil
}

// fakeOverlay records mount/unmount calls.
type fakeOverlay struct {
	calls    []string
	mountErr error
}

func (f *fakeOverlay) Mount(envRoot string) error {
	f.calls = append(f.calls, "mount "+envRoot)
	return f.mountErr
}

func (f *fakeOverlay) Unmount(envRoot string) error {
	f.calls = append(f.calls, "unmount "+envRoot)
	return nil
}

// fakeProv records the provisioning phases in invocation order.
type fakeProv struct {
	calls    []string
	fetchErr error
}

func (f *fakeProv) CreateSkeleton(envRoot string) error {
	f.calls = append(f.calls, "skeleton")
	return nil
}

func (f *fakeProv) FetchPackages(ctx context.Context, envRoot string) ([]string, error) {
	f.calls = append(f.calls, "fetch")
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return []string{"/cache/a.deb", "/cache/b.deb"}, nil
}

func (f *fakeProv) LinkShell(envRoot string) error {
	f.calls = append(f.calls, "shell")
	return nil
}

func (f *fakeProv) InstallPackages(ctx context.Context, paths []string) error {
	f.calls = append(f.calls, fmt.Sprintf("install %d", len(paths)))
	return nil
}

func (f *fakeProv) WriteAptConfig(envRoot string) error {
	f.calls = append(f.calls, "aptconfig")
	return nil
}

func (f *fakeProv) TrustRepositoryKey(ctx context.Context, envRoot string) error {
	f.calls = append(f.calls, "key")
	return nil
}

func (f *fakeProv) SyncPackageIndex(ctx context.Context) error {
	f.calls = append(f.calls, "update")
	return nil
}

func (f *fakeProv) NormalizeTree(ctx context.Context, envRoot string) error {
	f.calls = append(f.calls, "normalize")
	return nil
}

type fixture struct {
	orc   *Orchestrator
	store *props.MemStore
	names props.Names
	disk  *fakeDisk
	ovl   *fakeOverlay
	prov  *fakeProv
	root  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store: props.NewMemStore(),
		names: props.NamesFor("cm"),
		disk:  &fakeDisk{},
		ovl:   &fakeOverlay{},
		prov:  &fakeProv{},
		root:  filepath.Join(t.TempDir(), "env"),
	}
	f.orc = New(f.store, f.names, f.disk, f.ovl, f.prov)
	f.orc.LockPath = filepath.Join(t.TempDir(), "cm.lock")
	f.orc.interactive = func(ctx context.Context, name string, args ...string) error {
		return nil
	}
	require.NoError(t, f.store.Set(f.names.RootDir, f.root))
	return f
}

func (f *fixture) enable(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.Set(f.names.Enabled, "true"))
}

func (f *fixture) withImage(t *testing.T, size string) string {
	t.Helper()
	image := filepath.Join(filepath.Dir(f.root), "env.img")
	require.NoError(t, f.store.Set(f.names.DiskImage, image))
	if size != "" {
		require.NoError(t, f.store.Set(f.names.DiskImageSize, size))
	}
	return image
}

func (f *fixture) prop(t *testing.T, name string) string {
	t.Helper()
	v, err := f.store.Get(name)
	require.NoError(t, err)
	return v
}

func TestBootstrap_PlainDirectory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.orc.Bootstrap(context.Background()))

	// No image configured: the loop device path is never touched
	assert.Empty(t, f.disk.calls)

	info, err := os.Stat(f.root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.Equal(t, "true", f.prop(t, f.names.Enabled))
	assert.Equal(t, "true", f.prop(t, f.names.RamdiskMounted))

	// Package installation happens against the live overlay
	assert.Equal(t, []string{"skeleton", "fetch", "shell", "install 2", "aptconfig", "key", "update", "normalize"}, f.prov.calls)
	assert.Equal(t, []string{"mount " + f.root}, f.ovl.calls)
}

func TestBootstrap_WithDiskImage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	image := f.withImage(t, "1Gi")

	require.NoError(t, f.orc.Bootstrap(context.Background()))

	assert.Equal(t, []string{
		fmt.Sprintf("create %s %d", image, uint64(1<<30)),
		fmt.Sprintf("attach %s %s", image, f.root),
	}, f.disk.calls)
	assert.Equal(t, "true", f.prop(t, f.names.DiskImageMounted))
	assert.Equal(t, "true", f.prop(t, f.names.RamdiskMounted))
	assert.Equal(t, "true", f.prop(t, f.names.Enabled))
}

func TestBootstrap_AlreadyProvisioned(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enable(t)

	err := f.orc.Bootstrap(context.Background())
	assert.ErrorIs(t, err, ErrPreconditionViolation)
	assert.Empty(t, f.prov.calls)
}

func TestBootstrap_MissingRootDir(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.store.Set(f.names.RootDir, ""))
	before := f.store.Snapshot()

	err := f.orc.Bootstrap(context.Background())
	assert.ErrorIs(t, err, ErrConfigurationMissing)
	assert.Equal(t, before, f.store.Snapshot(), "failure must not mutate properties")
}

func TestBootstrap_MissingImageSize(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.withImage(t, "")

	err := f.orc.Bootstrap(context.Background())
	assert.ErrorIs(t, err, ErrConfigurationMissing)
	assert.Empty(t, f.disk.calls)
}

func TestBootstrap_FetchFailureLeavesDisabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.prov.fetchErr = assert.AnError

	err := f.orc.Bootstrap(context.Background())
	require.Error(t, err)
	assert.NotEqual(t, "true", f.prop(t, f.names.Enabled))
	assert.Empty(t, f.ovl.calls)
}

func TestOperationsRequireEnabled(t *testing.T) {
	t.Parallel()

	ops := map[string]func(*Orchestrator) error{
		"mount":             func(o *Orchestrator) error { return o.Mount(context.Background()) },
		"unmount":           func(o *Orchestrator) error { return o.Unmount(context.Background()) },
		"diskimage-mount":   func(o *Orchestrator) error { return o.DiskImageMount(context.Background()) },
		"diskimage-unmount": func(o *Orchestrator) error { return o.DiskImageUnmount(context.Background()) },
		"resize":            func(o *Orchestrator) error { return o.Resize(context.Background()) },
		"enter":             func(o *Orchestrator) error { return o.Enter(context.Background()) },
	}

	for name, op := range ops {
		op := op
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.withImage(t, "1Gi")
			before := f.store.Snapshot()

			err := op(f.orc)
			assert.ErrorIs(t, err, ErrPreconditionViolation)
			assert.Equal(t, before, f.store.Snapshot(), "violation must leave properties unchanged")
			assert.Empty(t, f.disk.calls)
			assert.Empty(t, f.ovl.calls)
		})
	}
}

func TestMount_AutoAttachesImage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enable(t)
	image := f.withImage(t, "1Gi")

	require.NoError(t, f.orc.Mount(context.Background()))

	assert.Equal(t, []string{fmt.Sprintf("attach %s %s", image, f.root)}, f.disk.calls)
	assert.Equal(t, []string{"mount " + f.root}, f.ovl.calls)
	assert.Equal(t, "true", f.prop(t, f.names.DiskImageMounted))
	assert.Equal(t, "true", f.prop(t, f.names.RamdiskMounted))
}

func TestMount_AlreadyMounted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enable(t)
	require.NoError(t, f.store.Set(f.names.RamdiskMounted, "true"))

	err := f.orc.Mount(context.Background())
	assert.ErrorIs(t, err, ErrPreconditionViolation)
	assert.Empty(t, f.ovl.calls)
}

func TestMount_FailureLeavesFlagUnset(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enable(t)
	f.ovl.mountErr = assert.AnError

	err := f.orc.Mount(context.Background())
	require.Error(t, err)
	assert.NotEqual(t, "true", f.prop(t, f.names.RamdiskMounted))
}

func TestUnmount_FailsWhenNotMounted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enable(t)
	before := f.store.Snapshot()

	err := f.orc.Unmount(context.Background())
	assert.ErrorIs(t, err, ErrPreconditionViolation)
	assert.Contains(t, err.Error(), "not mounted")
	assert.Empty(t, f.ovl.calls)
	assert.Equal(t, before, f.store.Snapshot())
}

func TestMountUnmountCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enable(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.orc.Mount(context.Background()))
		assert.Equal(t, "true", f.prop(t, f.names.RamdiskMounted))
		require.NoError(t, f.orc.Unmount(context.Background()))
		assert.Equal(t, "false", f.prop(t, f.names.RamdiskMounted))
	}
}

func TestDiskImageMount_RequiresImageConfigured(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enable(t)

	err := f.orc.DiskImageMount(context.Background())
	assert.ErrorIs(t, err, ErrConfigurationMissing)
}

func TestDiskImageMount_RejectsWhileOverlayLive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enable(t)
	f.withImage(t, "1Gi")
	require.NoError(t, f.store.Set(f.names.RamdiskMounted, "true"))

	err := f.orc.DiskImageMount(context.Background())
	assert.ErrorIs(t, err, ErrPreconditionViolation)
	assert.Empty(t, f.disk.calls)
}

func TestDiskImageUnmount_CascadesOverlay(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enable(t)
	image := f.withImage(t, "1Gi")
	require.NoError(t, f.store.Set(f.names.DiskImageMounted, "true"))
	require.NoError(t, f.store.Set(f.names.RamdiskMounted, "true"))

	require.NoError(t, f.orc.DiskImageUnmount(context.Background()))

	assert.Equal(t, []string{"unmount " + f.root}, f.ovl.calls)
	assert.Equal(t, []string{fmt.Sprintf("detach %s %s", image, f.root)}, f.disk.calls)
	assert.Equal(t, "false", f.prop(t, f.names.RamdiskMounted))
	assert.Equal(t, "false", f.prop(t, f.names.DiskImageMounted))
}

func TestResize_CascadesUnmounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enable(t)
	image := f.withImage(t, "2Gi")
	require.NoError(t, f.store.Set(f.names.DiskImageMounted, "true"))
	require.NoError(t, f.store.Set(f.names.RamdiskMounted, "true"))

	require.NoError(t, f.orc.Resize(context.Background()))

	assert.Equal(t, []string{"unmount " + f.root}, f.ovl.calls)
	assert.Equal(t, []string{
		fmt.Sprintf("detach %s %s", image, f.root),
		fmt.Sprintf("resize %s %d", image, uint64(2<<30)),
	}, f.disk.calls)
}

func TestDelete_PlainDirectory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enable(t)
	require.NoError(t, os.MkdirAll(f.root, 0755))

	require.NoError(t, f.orc.Delete(context.Background()))

	_, err := os.Stat(f.root)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, "false", f.prop(t, f.names.Enabled))
}

func TestDelete_WithImage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enable(t)
	image := f.withImage(t, "1Gi")
	require.NoError(t, f.store.Set(f.names.DiskImageMounted, "true"))

	require.NoError(t, f.orc.Delete(context.Background()))

	assert.Equal(t, []string{
		fmt.Sprintf("detach %s %s", image, f.root),
		"remove " + image,
	}, f.disk.calls)
	assert.Equal(t, "false", f.prop(t, f.names.Enabled))
}

func TestEnter_ChrootsIntoRoot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enable(t)

	var gotName string
	var gotArgs []string
	f.orc.interactive = func(ctx context.Context, name string, args ...string) error {
		gotName = name
		gotArgs = args
		return nil
	}

	require.NoError(t, f.orc.Enter(context.Background()))
	assert.Equal(t, "chroot", gotName)
	assert.Equal(t, []string{f.root, "/usr/bin/sh"}, gotArgs)
}

func TestAcquire_RejectsConcurrentInvocation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enable(t)

	// Hold the lock the way a concurrent invocation would
	held, err := os.OpenFile(f.orc.LockPath, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	defer held.Close()
	require.NoError(t, unix.Flock(int(held.Fd()), unix.LOCK_EX|unix.LOCK_NB))

	err = f.orc.Mount(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, unix.Flock(int(held.Fd()), unix.LOCK_UN))
	require.NoError(t, f.orc.Mount(context.Background()))
}

func TestStatus_NeverFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	snap := f.orc.Status()
	assert.False(t, snap.Enabled)
	assert.Equal(t, f.root, snap.RootDir)
	assert.Equal(t, "not provisioned", snap.Describe())

	f.enable(t)
	require.NoError(t, f.store.Set(f.names.RamdiskMounted, "true"))
	assert.Equal(t, "mounted", f.orc.Status().Describe())
}
