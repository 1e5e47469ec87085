package commands

import (
	"github.com/spf13/cobra"
)

var diskImageMountCmd = &cobra.Command{
	Use:   "diskimage-mount",
	Short: "Attach the disk image at the environment root",
	Long: `Attach the configured disk image to its loop device and mount it at
the environment root.

Runs a filesystem check first. Fails when no image is configured, when
the image is already attached or while the overlay is mounted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		orc, _, err := newOrchestrator(cfg)
		if err != nil {
			return err
		}
		return orc.DiskImageMount(cmd.Context())
	},
}

var diskImageUnmountCmd = &cobra.Command{
	Use:   "diskimage-unmount",
	Short: "Detach the disk image",
	Long: `Unmount the environment root and release the loop device.

Unmounts the overlay first when it is live. A no-op when the image is
not attached.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		orc, _, err := newOrchestrator(cfg)
		if err != nil {
			return err
		}
		return orc.DiskImageUnmount(cmd.Context())
	},
}

var resizeCmd = &cobra.Command{
	Use:   "resize",
	Short: "Resize the disk image",
	Long: `Resize the disk image to the size in the persist.<ns>.diskimage.size
property.

Cascades an overlay unmount and image detach first, then grows the
image file and its filesystem. Shrinking is passed through to the
filesystem tools but risks data loss; prefer growing only.

Example:
  setprop persist.cm.diskimage.size 4Gi
  cm resize`,
	RunE: func(cmd *cobra.Command, args []string) error {
		orc, _, err := newOrchestrator(cfg)
		if err != nil {
			return err
		}
		return orc.Resize(cmd.Context())
	},
}
