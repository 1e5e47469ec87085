package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ContainerDroid/android-vendor-cm/internal/cli/output"
)

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show environment status",
	Long: `Display the lifecycle state of the overlay environment.

Reads every lifecycle property and reports it together with the derived
overall phase. Status always produces output, even for an unprovisioned
environment.

Examples:
  cm status
  cm status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	orc, _, err := newOrchestrator(cfg)
	if err != nil {
		return err
	}
	snap := orc.Status()

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, snap)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, snap)
	default:
		fmt.Printf("State: %s\n\n", snap.Describe())
		return output.SimpleTable(os.Stdout, [][2]string{
			{"Enabled", strconv.FormatBool(snap.Enabled)},
			{"Root directory", orDash(snap.RootDir)},
			{"Disk image", orDash(snap.DiskImage)},
			{"Disk image size", orDash(snap.DiskImageSize)},
			{"Disk image mounted", strconv.FormatBool(snap.DiskImageMounted)},
			{"Overlay mounted", strconv.FormatBool(snap.RamdiskMounted)},
		})
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
