package commands

import (
	"github.com/spf13/cobra"

	"github.com/ContainerDroid/android-vendor-cm/pkg/props"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Provision the overlay environment",
	Long: `Provision the overlay environment from scratch.

Creates the environment root (and the backing disk image when the
persist.<ns>.diskimage property is set), downloads and verifies the base
packages, mounts the overlay and installs everything in order. On
success the persist.<ns>.enabled property is set.

Bootstrap refuses to run over an already provisioned environment; use
"cm delete" first to start over.

Examples:
  # Plain directory environment
  setprop persist.cm.rootdir /data/cm/rootfs
  cm bootstrap

  # Disk image backed environment
  setprop persist.cm.rootdir /data/cm/rootfs
  setprop persist.cm.diskimage /data/cm/env.img
  setprop persist.cm.diskimage.size 2Gi
  cm bootstrap`,
	RunE: runBootstrap,
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	orc, store, err := newOrchestrator(cfg)
	if err != nil {
		return err
	}

	// Seed the image size from config when the operator set an image
	// path but no size
	if cfg.Disk.DefaultSize > 0 {
		names := props.NamesFor(cfg.Namespace)
		image, _ := store.Get(names.DiskImage)
		size, _ := store.Get(names.DiskImageSize)
		if image != "" && size == "" {
			if err := store.Set(names.DiskImageSize, cfg.Disk.DefaultSize.String()); err != nil {
				return err
			}
		}
	}

	return orc.Bootstrap(cmd.Context())
}
