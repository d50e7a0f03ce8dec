package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/GLYSATVIK/VibeWalk/pkg/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "vibewalk",
	Short: "VibeWalk - safety-scored walking routes",
	Long: `VibeWalk scores candidate walking routes against a semantic store of
geotagged safety signals (crime reports, reviews and live user reports) and
suggests safe havens along the safest one.`,
	SilenceUsage: true,
}

func init() {
	def := os.Getenv("VIBEWALK_CONFIG")
	if def == "" {
		def = "vibewalk.yaml"
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", def,
		"Path to the YAML config file (a missing file means built-in defaults)")
}

// setup loads configuration and installs a JSON logger writing to w.
func setup(w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}
