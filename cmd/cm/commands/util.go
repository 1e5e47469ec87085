package commands

import (
	"fmt"
	"os"

	"github.com/ContainerDroid/android-vendor-cm/internal/execx"
	"github.com/ContainerDroid/android-vendor-cm/pkg/config"
	"github.com/ContainerDroid/android-vendor-cm/pkg/diskimage"
	"github.com/ContainerDroid/android-vendor-cm/pkg/fetch"
	"github.com/ContainerDroid/android-vendor-cm/pkg/lifecycle"
	"github.com/ContainerDroid/android-vendor-cm/pkg/manifest"
	"github.com/ContainerDroid/android-vendor-cm/pkg/mounter"
	"github.com/ContainerDroid/android-vendor-cm/pkg/overlay"
	"github.com/ContainerDroid/android-vendor-cm/pkg/props"
	"github.com/ContainerDroid/android-vendor-cm/pkg/provision"
)

// newStore builds the property store selected by the configuration.
func newStore(cfg *config.Config, runner execx.Runner) (props.Store, error) {
	switch cfg.Properties.Backend {
	case "file":
		return props.NewFileStore(cfg.Properties.Dir)
	default:
		store := props.NewAndroidStore(runner)
		store.PollInterval = cfg.Properties.PollInterval
		return store, nil
	}
}

// loadManifest returns the package manifest, applying any configured
// overrides.
func loadManifest(cfg *config.Config) (*manifest.Manifest, error) {
	var (
		man *manifest.Manifest
		err error
	)
	if cfg.Manifest.Path != "" {
		data, rerr := os.ReadFile(cfg.Manifest.Path)
		if rerr != nil {
			return nil, fmt.Errorf("read manifest: %w", rerr)
		}
		man, err = manifest.Parse(data)
	} else {
		man, err = manifest.Default()
	}
	if err != nil {
		return nil, err
	}
	if cfg.Manifest.Repository != "" {
		man.Repository = cfg.Manifest.Repository
	}
	return man, nil
}

// newOrchestrator wires the managers together from the loaded
// configuration.
func newOrchestrator(cfg *config.Config) (*lifecycle.Orchestrator, props.Store, error) {
	runner := execx.NewShellRunner()

	store, err := newStore(cfg, runner)
	if err != nil {
		return nil, nil, err
	}
	names := props.NamesFor(cfg.Namespace)

	mnt := mounter.New()

	disk := diskimage.NewManager(runner, mnt)
	disk.LoopDevice = cfg.Disk.LoopDevice

	ovl := overlay.NewManager(mnt)

	fetcher := fetch.New()
	fetcher.Attempts = cfg.Fetch.Attempts
	fetcher.RetryInterval = cfg.Fetch.RetryInterval

	man, err := loadManifest(cfg)
	if err != nil {
		return nil, nil, err
	}
	prov := provision.New(runner, fetcher, man)

	orc := lifecycle.New(store, names, disk, ovl, prov)
	orc.LockPath = cfg.LockPath
	return orc, store, nil
}
