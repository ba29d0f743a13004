package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeGROOVE-dev/starbar/pkg/logger"
	"github.com/codeGROOVE-dev/starbar/pkg/stars"
	"github.com/codeGROOVE-dev/starbar/pkg/state"
)

var scanLimit int

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one full scan and print star totals",
	Long: `Scan every repository you own with the GitHub API, update the saved
state, and print totals and the most recent stars. No tunnel is started
and no webhooks are changed.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().IntVarP(&scanLimit, "limit", "n", 10, "Number of recent stars to print")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	api, err := newAPIClient(ctx, cfg)
	if err != nil {
		return err
	}
	store := state.NewStore(cfg.StatePath)
	f, err := store.Load()
	if err != nil {
		return err
	}

	engine := stars.New(stars.Config{API: api, Logger: logger.Default()})
	engine.Restore(f.Snapshot)

	res, err := engine.FullScan(ctx)
	if err != nil {
		return fmt.Errorf("scanning: %w", err)
	}
	f.Snapshot = engine.Snapshot()
	if err := store.Save(f); err != nil {
		return err
	}

	printScan(cmd.OutOrStdout(), res, engine.Recent(), scanLimit)
	return nil
}

func printScan(w io.Writer, res stars.ScanResult, recent []stars.StarEvent, limit int) {
	fmt.Fprintf(w, "Scanned %d repositories: %d stars total, %d new\n", res.Repos, res.TotalStars, len(res.New))
	for _, name := range res.Failed {
		fmt.Fprintf(w, "  failed: %s\n", name)
	}
	if len(recent) == 0 || limit <= 0 {
		return
	}
	fmt.Fprintln(w, "\nRecent stars:")
	for i, ev := range recent {
		if i == limit {
			break
		}
		marker := " "
		if !ev.IsRead {
			marker = "*"
		}
		number := ""
		if ev.StarNumber > 0 {
			number = fmt.Sprintf(" (#%d)", ev.StarNumber)
		}
		fmt.Fprintf(w, "%s %s  %s from @%s%s\n", marker, ev.Timestamp.Local().Format(time.DateTime), ev.Repo, ev.User, number)
	}
}
