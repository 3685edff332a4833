package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	qhttp "spendwise/http"
	"spendwise/monitoring"
	"spendwise/serving"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load (or train) the model and serve the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

type bootOutcome struct {
	svc *serving.Service
	err error
}

// runServe starts listening right away; prediction routes answer 503 until
// the bootstrap finishes. A failed bootstrap stops the server and exits
// non-zero.
func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := monitoring.NewHub(a.cfg.Events.HistorySize, a.log)
	go hub.Run(ctx)
	defer hub.Stop()

	metrics := monitoring.NewMetricsCollector()
	boot := serving.NewBootstrapper(a.trainer(), hub, a.log)
	srv := qhttp.NewServer(a.cfg.ServerConfig(), qhttp.Dependencies{
		Status:  boot,
		History: a.db,
		Events:  hub,
		Metrics: metrics,
		Logger:  a.log,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	ready := make(chan bootOutcome, 1)
	go func(out chan<- bootOutcome) {
		res, err := boot.Start(ctx)
		if err != nil {
			out <- bootOutcome{err: err}
			return
		}
		svc, err := serving.NewService(res, a.cfg.ServingOptions(), hub, a.log)
		out <- bootOutcome{svc: svc, err: err}
	}(ready)

	var (
		svc    *serving.Service
		runErr error
	)
loop:
	for {
		select {
		case <-ctx.Done():
			a.log.Info("shutdown requested")
			break loop
		case err := <-serveErr:
			runErr = err
			break loop
		case out := <-ready:
			ready = nil
			if out.err != nil {
				runErr = out.err
				break loop
			}
			svc = out.svc
			srv.API().SetService(svc)
			a.log.Info("serving predictions", zap.String("generation", svc.Resources.Generation()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		a.log.Warn("stop server", zap.Error(err))
	}
	if svc != nil {
		if err := svc.Close(); err != nil {
			a.log.Warn("close service", zap.Error(err))
		}
	}
	return runErr
}
