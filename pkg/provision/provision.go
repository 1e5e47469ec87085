// Package provision populates a freshly created environment root with
// a minimal Debian system: directory skeleton, verified package
// downloads, ordered dpkg installation, apt repository configuration
// and a final ownership/permission normalization pass.
//
// The provisioner performs filesystem and package work only. Sequencing
// these phases around disk image attachment and overlay mounting, and
// recording the resulting lifecycle flags, is the caller's job.
package provision

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ContainerDroid/android-vendor-cm/internal/execx"
	"github.com/ContainerDroid/android-vendor-cm/internal/logger"
	"github.com/ContainerDroid/android-vendor-cm/pkg/fetch"
	"github.com/ContainerDroid/android-vendor-cm/pkg/manifest"
)

const (
	// DefaultSystemShell is the host shell linked into the environment
	// so package maintainer scripts can run before a packaged shell is
	// installed.
	DefaultSystemShell = "/system/bin/sh"

	// DefaultAptSource is the package source list written during
	// bootstrap.
	DefaultAptSource = "deb https://deb.debian.org/debian bookworm main\n"

	// DefaultReleaseVersion identifies the provisioned release.
	DefaultReleaseVersion = "12\n"
)

// archiveDir is where fetched package archives are cached, relative to
// the environment root. It doubles as apt's archive cache once apt is
// installed.
const archiveDir = "var/cache/apt/archives"

// Provisioner runs the first-time setup phases.
type Provisioner struct {
	runner  execx.Runner
	fetcher *fetch.Fetcher
	man     *manifest.Manifest

	// SystemShell is the host shell the compatibility symlink points
	// at.
	SystemShell string

	// AptSource is the full contents of the generated sources list.
	AptSource string

	// ReleaseVersion is the full contents of the generated release
	// file.
	ReleaseVersion string

	// KeyURL, when set, fetches an extra repository signing key into
	// the apt trust store. The archive keyring package from the
	// manifest covers the stock repositories.
	KeyURL string
}

// New creates a Provisioner with the default shell, source list and
// release identification.
func New(runner execx.Runner, fetcher *fetch.Fetcher, man *manifest.Manifest) *Provisioner {
	return &Provisioner{
		runner:         runner,
		fetcher:        fetcher,
		man:            man,
		SystemShell:    DefaultSystemShell,
		AptSource:      DefaultAptSource,
		ReleaseVersion: DefaultReleaseVersion,
	}
}

// skeletonDirs is the fixed directory skeleton of an environment root.
// dpkg and apt refuse to run without their metadata directories.
var skeletonDirs = []string{
	"etc/apt/trusted.gpg.d",
	"etc/network",
	"home",
	"srv",
	"usr/bin",
	"var/log",
	"var/run",
	"var/lib/dpkg/info",
	"var/lib/dpkg/updates",
	"var/lib/dpkg/triggers",
	"var/lib/apt/lists/partial",
	archiveDir + "/partial",
}

// skeletonFiles are defaults created only when absent. Re-running
// bootstrap over an existing root must not clobber operator edits.
var skeletonFiles = []struct {
	path    string
	content string
}{
	{"var/lib/dpkg/status", ""},
	{"var/lib/dpkg/available", ""},
	{"etc/hostname", "localhost\n"},
	{"etc/resolv.conf", "nameserver 8.8.8.8\nnameserver 8.8.4.4\n"},
	{"etc/network/interfaces", "auto lo\niface lo inet loopback\n"},
}

// CreateSkeleton lays down the directory skeleton and default files
// under envRoot. Idempotent; existing files are left untouched.
func (p *Provisioner) CreateSkeleton(envRoot string) error {
	for _, dir := range skeletonDirs {
		if err := os.MkdirAll(filepath.Join(envRoot, dir), 0755); err != nil {
			return fmt.Errorf("create skeleton: %w", err)
		}
	}
	for _, f := range skeletonFiles {
		if err := writeIfMissing(filepath.Join(envRoot, f.path), []byte(f.content), 0644); err != nil {
			return fmt.Errorf("create skeleton: %w", err)
		}
	}
	logger.Debug("skeleton created", "root", envRoot)
	return nil
}

// FetchPackages downloads every manifest entry into the archive cache
// under envRoot, verifying checksums. It returns the local archive
// paths in manifest order. Any fetch failure aborts provisioning.
func (p *Provisioner) FetchPackages(ctx context.Context, envRoot string) ([]string, error) {
	arch, err := manifest.HostArch()
	if err != nil {
		return nil, err
	}

	cache := filepath.Join(envRoot, filepath.FromSlash(archiveDir))
	paths := make([]string, 0, len(p.man.Packages))

	for _, e := range p.man.Packages {
		dest := filepath.Join(cache, e.File)
		if err := p.fetcher.Fetch(ctx, p.man.URL(e, arch), dest, e.SHA256); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", e.File, err)
		}
		paths = append(paths, dest)
	}

	logger.Info("packages fetched", "count", len(paths), "arch", arch)
	return paths, nil
}

// LinkShell points the environment's sh at the host shell so maintainer
// scripts can run before a packaged shell lands. Idempotent.
func (p *Provisioner) LinkShell(envRoot string) error {
	link := filepath.Join(envRoot, "usr", "bin", "sh")
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	if err := os.Symlink(p.SystemShell, link); err != nil {
		return fmt.Errorf("link shell: %w", err)
	}
	return nil
}

// InstallPackages runs dpkg over every archive, one at a time, in the
// order given. The manifest orders libraries before the packages that
// link against them, so installation must not reorder. Any dpkg
// failure aborts provisioning.
func (p *Provisioner) InstallPackages(ctx context.Context, paths []string) error {
	for _, path := range paths {
		if _, err := p.runner.Run(ctx, "dpkg", "-i", path); err != nil {
			return fmt.Errorf("install %s: %w", filepath.Base(path), err)
		}
		logger.Debug("package installed", "archive", filepath.Base(path))
	}
	logger.Info("packages installed", "count", len(paths))
	return nil
}

// WriteAptConfig writes the release identification file and the package
// source list under envRoot.
func (p *Provisioner) WriteAptConfig(envRoot string) error {
	files := []struct {
		path    string
		content string
	}{
		{"etc/debian_version", p.ReleaseVersion},
		{"etc/apt/sources.list", p.AptSource},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(envRoot, filepath.FromSlash(f.path)), []byte(f.content), 0644); err != nil {
			return fmt.Errorf("write apt config: %w", err)
		}
	}
	return nil
}

// TrustRepositoryKey installs an additional signing key into the apt
// trust store when KeyURL is configured. The stock archive keys arrive
// through the keyring package in the manifest.
func (p *Provisioner) TrustRepositoryKey(ctx context.Context, envRoot string) error {
	if p.KeyURL == "" {
		return nil
	}
	dest := filepath.Join(envRoot, "etc", "apt", "trusted.gpg.d", "vendor.gpg")
	if err := p.fetcher.Fetch(ctx, p.KeyURL, dest, ""); err != nil {
		return fmt.Errorf("trust repository key: %w", err)
	}
	return nil
}

// SyncPackageIndex refreshes apt's package index. Runs against the
// live overlay, so it must be called with the overlay mounted. Failure
// aborts provisioning.
func (p *Provisioner) SyncPackageIndex(ctx context.Context) error {
	if _, err := p.runner.Run(ctx, "apt-get", "update"); err != nil {
		return fmt.Errorf("sync package index: %w", err)
	}
	return nil
}

// NormalizeTree walks envRoot and normalizes ownership to root:root,
// directories to 0755, files to 0644 and executable content (ELF
// binaries and scripts) to 0755, then reapplies the host's security
// labels. Ownership and label failures are logged and skipped.
func (p *Provisioner) NormalizeTree(ctx context.Context, envRoot string) error {
	err := filepath.WalkDir(envRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if err := os.Chown(path, 0, 0); err != nil {
			logger.Debug("chown skipped", "path", path, "error", err)
		}

		mode := os.FileMode(0644)
		if d.IsDir() || isExecutableContent(path) {
			mode = 0755
		}
		if err := os.Chmod(path, mode); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("normalize tree: %w", err)
	}

	if _, err := p.runner.Run(ctx, "restorecon", "-R", envRoot); err != nil {
		logger.Warn("security label restore failed", "root", envRoot, "error", err)
	}
	return nil
}

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// isExecutableContent sniffs the first bytes of a file for an ELF
// header or a shebang line.
func isExecutableContent(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	head := make([]byte, 4)
	n, err := f.Read(head)
	if err != nil || n < 2 {
		return false
	}
	if n >= 4 && bytes.Equal(head[:4], elfMagic) {
		return true
	}
	return head[0] == '#' && head[1] == '!'
}

func writeIfMissing(path string, content []byte, mode os.FileMode) error {
	if _, err := os.Lstat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(path, content, mode)
}
