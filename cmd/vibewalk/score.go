package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/GLYSATVIK/VibeWalk/engine/navigate"
)

var (
	scoreStart     string
	scoreEnd       string
	scoreRadius    float64
	scoreThreshold float64
	scoreDanger    float64
	scoreNoRecs    bool
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score walking routes between two points",
	Long: `Fetch candidate walking routes between --start and --end, score each
against the signal store and print the result as JSON.`,
	Example: `  vibewalk score --start 40.7505,-73.9934 --end 40.7536,-73.9832`,
	RunE:    runScore,
}

func init() {
	scoreCmd.Flags().StringVar(&scoreStart, "start", "", "Start point as lat,lng")
	scoreCmd.Flags().StringVar(&scoreEnd, "end", "", "End point as lat,lng")
	scoreCmd.Flags().Float64Var(&scoreRadius, "radius", 0, "Search radius in meters (unset uses the configured default)")
	scoreCmd.Flags().Float64Var(&scoreThreshold, "threshold", 0, "Similarity threshold (unset uses the configured default)")
	scoreCmd.Flags().Float64Var(&scoreDanger, "danger-weight", 0, "Penalty per unit danger similarity (unset uses the configured default)")
	scoreCmd.Flags().BoolVar(&scoreNoRecs, "no-recommendations", false, "Skip safe-haven recommendations")
	_ = scoreCmd.MarkFlagRequired("start")
	_ = scoreCmd.MarkFlagRequired("end")
	rootCmd.AddCommand(scoreCmd)
}

func runScore(cmd *cobra.Command, _ []string) error {
	start, err := parsePoint(scoreStart)
	if err != nil {
		return fmt.Errorf("--start: %w", err)
	}
	end, err := parsePoint(scoreEnd)
	if err != nil {
		return fmt.Errorf("--end: %w", err)
	}

	cfg, logger, err := setup(os.Stderr)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	recommend := !scoreNoRecs
	req := navigate.RouteRequest{Start: &start, End: &end, Recommend: &recommend}
	flags := cmd.Flags()
	if flags.Changed("radius") {
		req.RadiusMeters = &scoreRadius
	}
	if flags.Changed("threshold") {
		req.Threshold = &scoreThreshold
	}
	if flags.Changed("danger-weight") {
		req.DangerWeight = &scoreDanger
	}
	resp, err := a.svc.Routes(cmd.Context(), req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
