// Package overlay composes the host's read-only system tree and the
// environment root into the live union-mounted filesystem view.
//
// The mounted set — two overlay mounts, one tmpfs and five
// compatibility symlinks — is all-or-nothing. Mounting runs as a stack
// of reversible steps: when any step fails the already-applied steps
// are reverted in reverse order, leaving the host root read-only and
// /etc a plain symlink to the system tree.
package overlay

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ContainerDroid/android-vendor-cm/internal/logger"
	"github.com/ContainerDroid/android-vendor-cm/pkg/mounter"
)

// ErrOverlayUnsupported means the kernel has no overlay filesystem.
var ErrOverlayUnsupported = errors.New("kernel does not support overlay filesystem")

// Manager owns the union-mount resource.
type Manager struct {
	mnt mounter.Interface

	// Root is the host filesystem root, "/" in production.
	Root string

	// System is the host's read-only system tree, "/system" in
	// production. Its etc and usr subtrees are the overlay lowers.
	System string

	// ProcFilesystems is the kernel filesystem list consulted for
	// overlay support.
	ProcFilesystems string
}

// NewManager creates an overlay manager for the production layout.
func NewManager(mnt mounter.Interface) *Manager {
	return &Manager{
		mnt:             mnt,
		Root:            "/",
		System:          "/system",
		ProcFilesystems: "/proc/filesystems",
	}
}

// The union-mounted directories under Root.
func (m *Manager) etcDir() string { return filepath.Join(m.Root, "etc") }
func (m *Manager) usrDir() string { return filepath.Join(m.Root, "usr") }
func (m *Manager) tmpDir() string { return filepath.Join(m.Root, "tmp") }

// symlinkSet returns the five compatibility symlinks as target →
// destination pairs, in creation order.
func (m *Manager) symlinkSet(envRoot string) [][2]string {
	return [][2]string{
		{filepath.Join(m.Root, "home"), filepath.Join(envRoot, "home")},
		{filepath.Join(m.Root, "srv"), filepath.Join(envRoot, "srv")},
		{filepath.Join(m.Root, "var"), filepath.Join(envRoot, "var")},
		{filepath.Join(m.Root, "run"), filepath.Join(envRoot, "var", "run")},
		{filepath.Join(m.Root, "bin"), filepath.Join(envRoot, "usr", "bin")},
	}
}

// step is one reversible mount operation.
type step struct {
	name   string
	apply  func() error
	revert func()
}

// runSteps applies steps in order; on failure it reverts the applied
// prefix in reverse order and returns the failing step's error.
func runSteps(steps []step) error {
	applied := make([]step, 0, len(steps))
	for _, s := range steps {
		if err := s.apply(); err != nil {
			logger.Error("mount step failed, rolling back", "step", s.name, "error", err)
			for i := len(applied) - 1; i >= 0; i-- {
				applied[i].revert()
			}
			return fmt.Errorf("%s: %w", s.name, err)
		}
		applied = append(applied, s)
	}
	return nil
}

// supported reports whether the kernel lists the overlay filesystem.
func (m *Manager) supported() bool {
	data, err := os.ReadFile(m.ProcFilesystems)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(strings.TrimPrefix(line, "nodev")) == "overlay" {
			return true
		}
	}
	return false
}

// warnShadowed logs every filename present in both the lower and upper
// directory of an overlay. Such files are shadowed, not merged: the
// upper entry wins and the host's copy becomes invisible.
func (m *Manager) warnShadowed(lower, upper string) {
	lowerEntries, err := os.ReadDir(lower)
	if err != nil {
		return
	}
	upperNames := make(map[string]bool)
	if entries, err := os.ReadDir(upper); err == nil {
		for _, e := range entries {
			upperNames[e.Name()] = true
		}
	}
	for _, e := range lowerEntries {
		if upperNames[e.Name()] {
			logger.Warn("host file shadowed by environment copy",
				"name", e.Name(), "host", filepath.Join(lower, e.Name()),
				"environment", filepath.Join(upper, e.Name()))
		}
	}
}

// remountRW remounts the host root read-write.
func (m *Manager) remountRW() error {
	return m.mnt.Mount("", m.Root, "", mounter.FlagRemount, "")
}

// remountRO remounts the host root read-only.
func (m *Manager) remountRO() error {
	return m.mnt.Mount("", m.Root, "", mounter.FlagRemount|mounter.FlagReadOnly, "")
}

// overlayData builds overlayfs mount options. The workdir must live on
// the same filesystem as the upper directory.
func overlayData(lower, upper, work string) string {
	return fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
}

// Mount builds the full overlay set over envRoot. On any step failure
// the host is rolled back to its unmounted shape and an error wrapping
// the failing step is returned.
func (m *Manager) Mount(envRoot string) error {
	if !m.supported() {
		return ErrOverlayUnsupported
	}

	etcLower := filepath.Join(m.System, "etc")
	usrLower := filepath.Join(m.System, "usr")
	etcUpper := filepath.Join(envRoot, "etc")
	usrUpper := filepath.Join(envRoot, "usr")
	etcWork := filepath.Join(envRoot, ".work", "etc")
	usrWork := filepath.Join(envRoot, ".work", "usr")

	// Purely informational; shadowed files are a visibility hazard the
	// operator must know about, not an error.
	m.warnShadowed(etcLower, etcUpper)
	m.warnShadowed(usrLower, usrUpper)

	var savedEtcLink string

	steps := []step{
		{
			name:  "remount root read-write",
			apply: m.remountRW,
			revert: func() {
				if err := m.remountRO(); err != nil {
					logger.Error("failed to restore read-only root", "error", err)
				}
			},
		},
		{
			name: "replace /etc symlink",
			apply: func() error {
				target, err := os.Readlink(m.etcDir())
				if err == nil {
					savedEtcLink = target
					return os.Remove(m.etcDir())
				}
				if os.IsNotExist(err) {
					savedEtcLink = etcLower
					return nil
				}
				return err
			},
			revert: func() {
				os.Remove(m.etcDir())
				if err := os.Symlink(savedEtcLink, m.etcDir()); err != nil {
					logger.Error("failed to restore /etc symlink", "target", savedEtcLink, "error", err)
				}
			},
		},
		{
			name: "create mount directories",
			apply: func() error {
				for _, dir := range []string{m.etcDir(), m.usrDir(), m.tmpDir(), etcWork, usrWork} {
					if err := os.MkdirAll(dir, 0755); err != nil {
						return err
					}
				}
				return nil
			},
			revert: func() {
				for _, dir := range []string{m.tmpDir(), m.usrDir(), m.etcDir()} {
					os.Remove(dir)
				}
			},
		},
		{
			name: "mount tmpfs on /tmp",
			apply: func() error {
				return m.mnt.Mount("tmpfs", m.tmpDir(), "tmpfs", mounter.FlagNoSuid|mounter.FlagNoDev, "mode=1777")
			},
			revert: func() {
				if err := m.mnt.Unmount(m.tmpDir()); err != nil {
					logger.Error("rollback unmount failed", "target", m.tmpDir(), "error", err)
				}
			},
		},
		{
			name: "mount /usr overlay",
			apply: func() error {
				return m.mnt.Mount("overlay", m.usrDir(), "overlay", 0, overlayData(usrLower, usrUpper, usrWork))
			},
			revert: func() {
				if err := m.mnt.Unmount(m.usrDir()); err != nil {
					logger.Error("rollback unmount failed", "target", m.usrDir(), "error", err)
				}
			},
		},
		{
			name: "mount /etc overlay",
			apply: func() error {
				return m.mnt.Mount("overlay", m.etcDir(), "overlay", 0, overlayData(etcLower, etcUpper, etcWork))
			},
			revert: func() {
				if err := m.mnt.Unmount(m.etcDir()); err != nil {
					logger.Error("rollback unmount failed", "target", m.etcDir(), "error", err)
				}
			},
		},
		{
			name: "create compatibility symlinks",
			apply: func() error {
				created := 0
				for _, link := range m.symlinkSet(envRoot) {
					if err := os.Symlink(link[1], link[0]); err != nil {
						// Remove the partial set before failing the step
						for _, done := range m.symlinkSet(envRoot)[:created] {
							os.Remove(done[0])
						}
						return err
					}
					created++
				}
				return nil
			},
			revert: func() {
				for _, link := range m.symlinkSet(envRoot) {
					os.Remove(link[0])
				}
			},
		},
		{
			name:   "remount root read-only",
			apply:  m.remountRO,
			revert: func() {},
		},
	}

	if err := runSteps(steps); err != nil {
		return fmt.Errorf("mount overlay: %w", err)
	}

	logger.Info("overlay mounted", "root", envRoot)
	return nil
}

// Unmount tears the overlay set down in reverse construction order and
// restores the plain /etc symlink to the host system tree.
func (m *Manager) Unmount(envRoot string) error {
	if err := m.remountRW(); err != nil {
		return fmt.Errorf("unmount overlay: remount root read-write: %w", err)
	}

	var firstErr error
	record := func(what string, err error) {
		if err != nil {
			logger.Error("unmount step failed", "step", what, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", what, err)
			}
		}
	}

	for _, link := range m.symlinkSet(envRoot) {
		if err := os.Remove(link[0]); err != nil && !os.IsNotExist(err) {
			record("remove symlink "+link[0], err)
		}
	}

	record("unmount /etc", m.mnt.Unmount(m.etcDir()))
	record("unmount /usr", m.mnt.Unmount(m.usrDir()))
	record("unmount /tmp", m.mnt.Unmount(m.tmpDir()))

	for _, dir := range []string{m.etcDir(), m.usrDir(), m.tmpDir()} {
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			record("remove "+dir, err)
		}
	}

	if err := os.Symlink(filepath.Join(m.System, "etc"), m.etcDir()); err != nil && !os.IsExist(err) {
		record("restore /etc symlink", err)
	}

	if err := m.remountRO(); err != nil {
		record("remount root read-only", err)
	}

	if firstErr != nil {
		return fmt.Errorf("unmount overlay: %w", firstErr)
	}

	logger.Info("overlay unmounted", "root", envRoot)
	return nil
}
