package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mutter0815/campaign-engine/internal/delivery"
	"github.com/Mutter0815/campaign-engine/internal/engagement"
	"github.com/Mutter0815/campaign-engine/internal/engine"
	"github.com/Mutter0815/campaign-engine/internal/store"
	"github.com/Mutter0815/campaign-engine/internal/tracking"
	"github.com/Mutter0815/campaign-engine/pkg/config"
	"github.com/Mutter0815/campaign-engine/pkg/db"
	"github.com/Mutter0815/campaign-engine/pkg/logx"
	"github.com/Mutter0815/campaign-engine/pkg/metrics"
	"github.com/Mutter0815/campaign-engine/pkg/rmq"
	"github.com/Mutter0815/campaign-engine/services/sender-worker/worker"
)

func main() {
	logx.Init()
	defer logx.Sync()

	config.MustLoadWorker()
	cfg := config.Worker

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqlDB, err := db.Open(cfg.DBDSN)
	if err != nil {
		logx.L().Fatalw("db_open_error", "error", err)
	}
	defer sqlDB.Close()

	st := store.New(sqlDB)
	if err := st.Migrate(ctx); err != nil {
		logx.L().Fatalw("db_migrate_error", "error", err)
	}

	rc, err := engagement.Dial(ctx, cfg.RedisURL)
	if err != nil {
		logx.L().Fatalw("redis_init_error", "error", err)
	}
	defer rc.Close()
	sig := engagement.NewRedis(rc, "")

	var tr delivery.Transport
	switch cfg.Transport {
	case "rmq":
		pub, err := rmq.NewPublisher(cfg.RMQURL, cfg.Queue)
		if err != nil {
			logx.L().Fatalw("rmq_init_error", "error", err)
		}
		defer pub.Close()
		tr = delivery.NewRMQTransport(pub)
	default:
		tr = delivery.NewSimulated(cfg.FailureRate, time.Now().UnixNano())
	}

	links := tracking.NewLinks(cfg.Tracking.BaseURL, cfg.Tracking.Secret)
	eng := engine.New(st, tr, sig, tracking.NewInjector(links), engine.Config{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		Lookahead:    cfg.Lookahead,
		MaxAttempts:  cfg.MaxAttempts,
		BackoffBase:  cfg.BackoffBase,
		BackoffMax:   cfg.BackoffMax,
		ClaimTimeout: cfg.ClaimTimeout,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })

	if cfg.RMQURL != "" {
		cons, err := rmq.NewConsumer(cfg.RMQURL, cfg.EngagementQueue, 0)
		if err != nil {
			logx.L().Fatalw("rmq_consumer_init_error", "error", err)
		}
		defer cons.Close()
		w := worker.New(eng, cons, cons.Queue())
		g.Go(func() error { return w.Run(gctx) })
	}

	msrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	g.Go(func() error {
		logx.L().Infow("metrics_listen_start", "addr", cfg.MetricsAddr)
		if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return msrv.Shutdown(shCtx)
	})

	logx.L().Infow("sender-worker started", "transport", cfg.Transport, "workers", cfg.Workers)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logx.L().Errorw("sender-worker stopped with error", "error", err)
		return
	}
	logx.L().Infow("sender-worker stopped gracefully")
}
