package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var forgetCmd = &cobra.Command{
	Use:   "forget <signal-id>...",
	Short: "Remove signals from the store and the provenance ledger",
	Long: `Delete the given signals from the signal store, then drop their
ledger entries when a ledger is configured. Use it to retract abusive or
mistaken user reports.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runForget,
}

func init() {
	rootCmd.AddCommand(forgetCmd)
}

func runForget(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(os.Stderr)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.forget(cmd.Context(), args)
}

// forget clears ids from the store before the ledger. After a ledger error
// the signals no longer affect scores.
func (a *app) forget(ctx context.Context, ids []string) error {
	if err := a.store.Delete(ctx, ids...); err != nil {
		return fmt.Errorf("forget: %w", err)
	}
	a.log.Info("signals removed", "ids", ids, "store", a.storeName)
	if a.ledger == nil {
		return nil
	}
	var errs []error
	for _, id := range ids {
		if err := a.ledger.Forget(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
