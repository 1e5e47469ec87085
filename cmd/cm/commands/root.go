// Package commands implements the CLI commands for the overlay
// environment manager.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ContainerDroid/android-vendor-cm/internal/logger"
	"github.com/ContainerDroid/android-vendor-cm/pkg/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile   string
	logOutput string

	// cfg is loaded once before any command runs.
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "cm",
	Short: "Debian overlay environment manager",
	Long: `cm provisions and manages a secondary Debian-package-based root
filesystem on top of the read-only host, using a loopback disk image and
overlay mounts. Lifecycle state is recorded in persisted properties so
the environment survives reboots.

Use "cm [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logOutput != "" {
			loaded.Logging.Output = logOutput
		}
		if err := logger.Init(logger.Config{
			Level:  loaded.Logging.Level,
			Format: loaded.Logging.Format,
			Output: loaded.Logging.Output,
		}); err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		cfg = loaded
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Bare invocation prints usage and exits non-zero
		cmd.Usage()
		return fmt.Errorf("no command given")
	},
}

// Execute runs the root command. Errors are printed to stderr; the
// caller maps them to the exit code.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		rootCmd.PrintErrln("Error:", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: /data/vendor/cm/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "", "log destination: stdout, stderr or a file path")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(unmountCmd)
	rootCmd.AddCommand(diskImageMountCmd)
	rootCmd.AddCommand(diskImageUnmountCmd)
	rootCmd.AddCommand(resizeCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(enterCmd)
	rootCmd.AddCommand(statusCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cm %s (commit %s, built %s)\n", Version, Commit, Date)
	},
}
