package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/GLYSATVIK/VibeWalk/engine/report"
	"github.com/GLYSATVIK/VibeWalk/pkg/mid"
)

var serveSeed bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the VibeWalk HTTP API. When NATS is configured, report submissions
are also consumed from the submit subject and every stored signal is
announced on the created subject.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveSeed, "seed", false, "Seed the store before serving if it is empty")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if serveSeed {
		if n, err := a.store.Count(ctx); err != nil {
			logger.Warn("count before seeding failed", "err", err)
		} else if n == 0 {
			if _, err := a.seed(ctx); err != nil {
				logger.Error("seeding failed", "err", err)
			}
		}
	}

	if a.nc != nil {
		sub, err := report.StartConsumer(a.nc, a.ingestor, logger)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
		logger.Info("report consumer started", "subject", report.SubmitSubject, "queue", report.QueueGroup)
	}

	stopRuntime := make(chan struct{})
	defer close(stopRuntime)
	a.metrics.CollectRuntime("vibewalk", 15*time.Second, stopRuntime)

	handler := mid.Chain(newMux(a.svc, a.ledger, a.metrics, logger),
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.Metrics(a.metrics),
		mid.CORS(cfg.Server.CORSOrigin),
		mid.OTel("vibewalk"),
	)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", cfg.Server.Addr, "store", a.storeName)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
