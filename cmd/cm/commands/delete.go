package commands

import (
	"github.com/spf13/cobra"

	"github.com/ContainerDroid/android-vendor-cm/internal/cli/prompt"
)

var deleteForce bool

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Destroy the overlay environment",
	Long: `Destroy the overlay environment.

Unmounts the overlay and detaches the disk image when needed, then
removes the disk image file or the environment root directory and
clears the enabled property. All environment data is lost.`,
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "Skip confirmation prompt")
}

func runDelete(cmd *cobra.Command, args []string) error {
	ok, err := prompt.ConfirmWithForce("Delete the overlay environment and all its data", deleteForce)
	if err != nil {
		return err
	}
	if !ok {
		return prompt.ErrAborted
	}

	orc, _, err := newOrchestrator(cfg)
	if err != nil {
		return err
	}
	return orc.Delete(cmd.Context())
}
