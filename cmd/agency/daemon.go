package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/clawsnetwork/stream-agency/internal/admin"
	"github.com/clawsnetwork/stream-agency/internal/api"
	"github.com/clawsnetwork/stream-agency/internal/config"
	"github.com/clawsnetwork/stream-agency/internal/epoch"
	"github.com/clawsnetwork/stream-agency/internal/metrics"
	"github.com/clawsnetwork/stream-agency/internal/scheduler"
	"github.com/clawsnetwork/stream-agency/internal/settle"
	"github.com/clawsnetwork/stream-agency/internal/store"
	"github.com/clawsnetwork/stream-agency/internal/stream"
)

// buildScheduler wires the scheduler against live clients. The settlement
// executor is only built when billing is on; cfg.Validate has already
// guaranteed the escrow contract and operator PEM by then.
func buildScheduler(st *store.Store, cfg *config.Config, m *metrics.Metrics, log *zap.Logger) (*scheduler.Scheduler, error) {
	var settler scheduler.Settler
	if cfg.Billing.Enabled {
		ex, err := settle.NewExecutor(settle.Config{
			Binary:         cfg.Billing.Binary,
			EscrowContract: cfg.Billing.EscrowContract,
			OperatorPEM:    cfg.Billing.OperatorPEM,
			ProxyURL:       cfg.BillingProxy(),
			ChainID:        cfg.Billing.ChainID,
			GasLimit:       cfg.Billing.GasLimit,
			GasPrice:       cfg.Billing.GasPrice,
		})
		if err != nil {
			return nil, err
		}
		settler = ex
	}
	poster := stream.NewClient(cfg.Stream.URL)
	return scheduler.New(st, poster, epoch.NewOracle(cfg.Chain.APIURL), settler, cfg, m, log), nil
}

func runAction(c *cli.Context) error {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	st, err := openStore(c.Context, cfg)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	sched, err := buildScheduler(st, cfg, nil, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
		<-quit
		log.Info("shutting down...")
		cancel()
	}()

	log.Info("scheduler starting",
		zap.Int64("poll_seconds", cfg.Scheduler.PollSec),
		zap.Bool("billing_enabled", cfg.Billing.Enabled),
	)
	sched.Run(ctx)

	log.Info("shutdown complete")
	return nil
}

func apiAction(c *cli.Context) error {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	st, err := openStore(c.Context, cfg)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	m := metrics.New(prometheus.DefaultRegisterer)
	sched, err := buildScheduler(st, cfg, m, log)
	if err != nil {
		return err
	}
	svc := admin.NewService(st, stream.NewClient(cfg.Stream.URL), cfg, log)
	router := api.NewRouter(api.NewHandler(svc, sched, cfg, log), cfg.Server.Token)

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	// The scheduler goroutine is optional; the /tick endpoint drives the same
	// pass on demand either way.
	withScheduler := c.Bool(withSchedulerFlag.Name)
	done := make(chan struct{})
	if withScheduler {
		go func() {
			defer close(done)
			sched.Run(ctx)
		}()
	} else {
		close(done)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info("HTTP server starting",
			zap.String("addr", srv.Addr),
			zap.Bool("with_scheduler", withScheduler),
			zap.Bool("token_auth", cfg.Server.Token != ""),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")

	// Stop accepting requests first, then wind down the scheduler so an
	// in-flight tick can finish its store writes.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		log.Warn("scheduler did not stop in time")
	}

	log.Info("shutdown complete")
	return nil
}
