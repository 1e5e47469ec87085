package commands

import (
	"github.com/spf13/cobra"
)

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Mount the overlay environment",
	Long: `Mount the overlay environment over the host filesystem.

Attaches the disk image first when one is configured, then builds the
/etc and /usr overlays, the /tmp tmpfs and the compatibility symlinks.
Fails when the overlay is already mounted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		orc, _, err := newOrchestrator(cfg)
		if err != nil {
			return err
		}
		return orc.Mount(cmd.Context())
	},
}

var unmountCmd = &cobra.Command{
	Use:   "unmount",
	Short: "Unmount the overlay environment",
	Long: `Tear the overlay environment down.

Removes the overlays, the tmpfs and the compatibility symlinks and
restores the host's plain /etc symlink. Fails when the overlay is not
mounted. The disk image stays attached; use "cm diskimage-unmount" to
release it too.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		orc, _, err := newOrchestrator(cfg)
		if err != nil {
			return err
		}
		return orc.Unmount(cmd.Context())
	},
}
