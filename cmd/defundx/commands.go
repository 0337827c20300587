package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Rorqualx/defundx-go/internal/blocker"
	"github.com/Rorqualx/defundx-go/internal/ledger"
	"github.com/Rorqualx/defundx-go/internal/patterns"
	"github.com/Rorqualx/defundx-go/internal/popup"
	"github.com/Rorqualx/defundx-go/internal/sanitize"
)

func runPopup(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, l, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	return popup.Run(ctx, l)
}

func runInstall(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)

	kv, l, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	id, err := l.Install(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "installed %s\ncounter reset to 0 in %s\n", id, kv.Path())
	return nil
}

// statusOutput is the --json form of `status`.
type statusOutput struct {
	Count     int     `json:"blockedRequestCount"`
	Impact    string  `json:"impact"`
	Display   string  `json:"display"`
	Rate      float64 `json:"rate"`
	UUID      string  `json:"uuid"`
	StorePath string  `json:"storePath"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)

	kv, l, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	ctx := cmd.Context()
	count, err := l.Count(ctx)
	if err != nil {
		return err
	}
	id, err := l.InstallID(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(statusOutput{
			Count:     count,
			Impact:    ledger.Impact(count, l.Rate()),
			Display:   l.Display(count),
			Rate:      l.Rate(),
			UUID:      id,
			StorePath: kv.Path(),
		})
	}

	if id == "" {
		id = "(not installed)"
	}
	fmt.Fprintf(out, "%s\n", l.Display(count))
	fmt.Fprintf(out, "blocked requests: %d\n", count)
	fmt.Fprintf(out, "installation:     %s\n", id)
	fmt.Fprintf(out, "store:            %s\n", kv.Path())
	return nil
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)

	set, err := patterns.Load(cfg.PatternsPath)
	if err != nil {
		return fmt.Errorf("failed to load patterns: %w", err)
	}
	sanitizer := sanitize.New(set.TrackingParamNames())
	b := blocker.New(set.ScriptBlockTerms(), set.TrackingAttributes(), sanitizer)

	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	} else if isTerminal(in) {
		return errors.New("no input: pass a file or pipe HTML on stdin")
	}

	var out io.Writer = cmd.OutOrStdout()
	if path, _ := cmd.Flags().GetString("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	report, err := b.CleanHTML(in, out)
	if err != nil {
		return err
	}

	log.Info().
		Int("scripts_removed", report.ScriptsRemoved).
		Int("attributes_removed", report.AttributesRemoved).
		Int("links_sanitized", report.LinksSanitized).
		Msg("HTML cleaned")
	return nil
}

// isTerminal reports whether r is an interactive terminal.
func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
