package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/marko911/paywatch/internal/adapter"
	"github.com/marko911/paywatch/internal/adapter/solana"
	"github.com/marko911/paywatch/internal/adapter/xrpl"
	"github.com/marko911/paywatch/internal/config"
	"github.com/marko911/paywatch/internal/payment"
	"github.com/marko911/paywatch/internal/platform/kafka"
	pnats "github.com/marko911/paywatch/internal/platform/nats"
	"github.com/marko911/paywatch/internal/platform/storage"
	"github.com/marko911/paywatch/internal/platform/watchstore"
	"github.com/marko911/paywatch/internal/rates"
	"github.com/marko911/paywatch/internal/reconcile"
)

// run wires every component and blocks until ctx is cancelled or one of
// them fails.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	log := logger.With("component", "paywatch")

	db, err := storage.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	log.Info("connected to database and applied migrations",
		"host", cfg.Database.Host,
		"database", cfg.Database.Database,
	)

	watches, err := watchstore.NewRedisStore(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer watches.Close()

	adapters := buildAdapters(cfg, logger)
	defer adapters.Close()

	oracle, err := rates.NewStatic(cfg.Rates)
	if err != nil {
		return fmt.Errorf("load rates: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	deps := reconcile.Deps{
		Repository: storage.NewPaymentRepository(db, storage.NewOutboxRepository(db, kafka.TopicForEvent)),
		Adapters:   adapters,
		Oracle:     oracle,
		Allocator:  storage.NewInstallmentAllocator(db, logger),
		Watches:    watches,
		Metrics:    reconcile.NewMetrics(reg),
	}

	var natsClient *pnats.Client
	if cfg.NATS.Enabled {
		natsClient, err = pnats.Connect(ctx, cfg.NATS.Conn, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsClient.Close()

		if _, err := pnats.EnsureStream(ctx, natsClient.JetStream(), pnats.DefaultPaymentsStreamConfig()); err != nil {
			return err
		}
		deps.Sink = pnats.NewSink(natsClient.JetStream(), logger)
	}

	svc, err := reconcile.New(cfg.Reconcile(), deps, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	restored, err := svc.Restore(ctx)
	if err != nil {
		log.Warn("restoring watches failed", "error", err)
	}
	log.Info("watches restored", "count", restored, "chains", adapters.Chains())

	var consumer *pnats.ReportConsumer
	if natsClient != nil {
		consumer, err = pnats.NewReportConsumer(ctx, natsClient.JetStream(), cfg.NATS.Reports, reportFunc(svc, log), logger)
		if err != nil {
			return err
		}
	}

	checks := map[string]healthCheck{
		"database": db.Health,
		"redis":    watches.Ping,
		"chains":   adapters.Health,
	}
	if natsClient != nil {
		checks["nats"] = natsClient.Health
	}

	g, gctx := errgroup.WithContext(ctx)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newMux(checks, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if consumer != nil {
		g.Go(func() error { return consumer.Run(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			consumer.Stop()
			return nil
		})
	}

	g.Go(func() error {
		pruneWatches(gctx, watches, cfg.Engine.PruneInterval, log)
		return nil
	})

	return g.Wait()
}

func buildAdapters(cfg config.Config, logger *slog.Logger) *adapter.Registry {
	reg := adapter.NewRegistry()
	if cfg.XRPL.Enabled {
		reg.Register(xrpl.New(cfg.XRPL.Config, logger))
	}
	if cfg.Solana.Enabled {
		conn := solana.NewConn(cfg.Solana.Config, logger)
		reg.Register(solana.NewNative(conn, cfg.Solana.Config, logger))
		reg.Register(solana.NewSPL(conn, cfg.Solana.Config, logger))
	}
	return reg
}

func reportFunc(svc *reconcile.Service, logger *slog.Logger) pnats.ReportFunc {
	return func(ctx context.Context, paymentID string, ev payment.ClientEvidence) error {
		res, err := svc.ReportClientObservation(ctx, paymentID, ev)
		if err != nil {
			return err
		}
		logger.Debug("client report checked",
			"payment_id", paymentID,
			"status", res.Payment.Status,
			"transitioned", res.Transitioned,
		)
		return nil
	}
}

func pruneWatches(ctx context.Context, store *watchstore.Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Prune(ctx)
			if err != nil {
				logger.Warn("pruning watch registry failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("pruned expired watches", "count", n)
			}
		}
	}
}
