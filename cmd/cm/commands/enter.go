package commands

import (
	"github.com/spf13/cobra"
)

var enterCmd = &cobra.Command{
	Use:   "enter",
	Short: "Open a shell inside the environment",
	Long: `Open an interactive shell chrooted into the environment root.

Attaches the disk image first when one is configured. The shell is the
environment's /usr/bin/sh; exit it to return to the host.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		orc, _, err := newOrchestrator(cfg)
		if err != nil {
			return err
		}
		return orc.Enter(cmd.Context())
	},
}
