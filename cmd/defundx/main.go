package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Rorqualx/defundx-go/internal/config"
	"github.com/Rorqualx/defundx-go/internal/ledger"
	"github.com/Rorqualx/defundx-go/internal/store"
	"github.com/Rorqualx/defundx-go/pkg/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "defundx",
	Short: "Browse X without feeding its trackers",
	Long: `defundx runs a browser session that strips tracking parameters,
removes tracking scripts and attributes, tears down the site's background
controller and counts the telemetry requests it sees.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch the protected browser session",
	RunE:  runRun,
}

var popupCmd = &cobra.Command{
	Use:   "popup",
	Short: "Show the live blocked-request counter",
	RunE:  runPopup,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Reset the counter and create a new installation identifier",
	RunE:  runInstall,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the counter and estimated impact",
	RunE:  runStatus,
}

var cleanCmd = &cobra.Command{
	Use:   "clean [file]",
	Short: "Strip tracking scripts, attributes and link parameters from an HTML file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runClean,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "defundx %s (%s)\n", version.Full(), version.GoVersion())
	},
}

func init() {
	runCmd.Flags().String("url", "", "start page (default: DEFUNDX_START_URL or the target origin)")
	runCmd.Flags().Bool("headless", false, "run the browser headless")
	cleanCmd.Flags().StringP("output", "o", "", "output file (default: stdout)")
	statusCmd.Flags().Bool("json", false, "print machine-readable output")

	rootCmd.AddCommand(runCmd, popupCmd, installCmd, statusCmd, cleanCmd, versionCmd)
}

// loadConfig loads the environment configuration and applies command flags.
func loadConfig(cmd *cobra.Command) *config.Config {
	cfg := config.Load()

	// Setup logging first so validation warnings are visible
	setupLogging(cfg.LogLevel)

	if f := cmd.Flags().Lookup("url"); f != nil && f.Changed {
		cfg.StartURL = f.Value.String()
	}
	if f := cmd.Flags().Lookup("headless"); f != nil && f.Changed {
		cfg.Headless, _ = cmd.Flags().GetBool("headless")
	}

	cfg.Validate()
	return cfg
}

// openLedger opens the store and the ledger over it. The caller closes the
// returned store.
func openLedger(cfg *config.Config) (*store.Store, *ledger.Ledger, error) {
	kv, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return kv, ledger.New(kv, cfg.ImpactRate), nil
}

// setupLogging configures zerolog based on the log level. Logs go to
// stderr so command output stays clean.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
     _       __                 _ __  __
  __| | ___ / _|_   _ _ __   __| |\ \/ /
 / _' |/ _ \ |_| | | | '_ \ / _' | \  /
| (_| |  __/  _| |_| | | | | (_| | /  \
 \__,_|\___|_|  \__,_|_| |_|\__,_|/_/\_\
`
	fmt.Fprintln(os.Stderr, banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting defundx")
}
