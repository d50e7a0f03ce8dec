package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/GLYSATVIK/VibeWalk/engine/seed"
	"github.com/GLYSATVIK/VibeWalk/pkg/resilience"
)

var seedSkipCrimes bool

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load crime data and curated reviews into the signal store",
	Long: `Fetch recent crime complaints from the configured Socrata endpoint,
keep those inside the demo area, add the curated reviews and store them all
in batches. Seeded signals have deterministic ids, so re-running is safe.`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().BoolVar(&seedSkipCrimes, "skip-crimes", false, "Load only the curated reviews")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(os.Stderr)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.seed(cmd.Context())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func (a *app) seed(ctx context.Context) (seed.Stats, error) {
	l := &seed.Loader{
		Embedder:  a.embedder,
		Store:     a.store,
		BatchSize: a.cfg.Seed.BatchSize,
		Logger:    a.log,
	}
	if !seedSkipCrimes {
		l.Crimes = seed.NewSocrata(a.cfg.Seed.CrimeURL, resilience.NewThrottle(a.cfg.Seed.Interval, 1), a.log)
	}
	stats, err := l.Run(ctx)
	if err != nil {
		return stats, err
	}
	a.log.Info("seeding complete", "crimes", stats.Crimes, "reviews", stats.Reviews,
		"stored", stats.Stored, "skipped", stats.Skipped)
	return stats, nil
}
