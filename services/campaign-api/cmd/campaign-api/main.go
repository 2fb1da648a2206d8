package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mutter0815/campaign-engine/internal/engagement"
	"github.com/Mutter0815/campaign-engine/internal/engine"
	"github.com/Mutter0815/campaign-engine/internal/store"
	"github.com/Mutter0815/campaign-engine/internal/tracking"
	"github.com/Mutter0815/campaign-engine/pkg/config"
	"github.com/Mutter0815/campaign-engine/pkg/db"
	"github.com/Mutter0815/campaign-engine/pkg/logx"
	"github.com/Mutter0815/campaign-engine/services/campaign-api/server"
)

func main() {
	logx.Init()
	defer logx.Sync()

	config.MustLoadAPI()
	cfg := config.API

	sqlDB, err := db.Open(cfg.DBDSN)
	if err != nil {
		logx.L().Fatalw("db_open_error", "error", err)
	}
	defer func() {
		if err := sqlDB.Close(); err != nil {
			logx.L().Warnw("db_close_error", "error", err)
		} else {
			logx.L().Infow("db_closed")
		}
	}()

	st := store.New(sqlDB)
	migCtx, migCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := st.Migrate(migCtx); err != nil {
		migCancel()
		logx.L().Fatalw("db_migrate_error", "error", err)
	}
	migCancel()

	// Engagement signals are shared with the sender-worker through Redis.
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	rc, err := engagement.Dial(dialCtx, cfg.RedisURL)
	dialCancel()
	if err != nil {
		logx.L().Fatalw("redis_init_error", "error", err)
	}
	defer func() {
		if err := rc.Close(); err != nil {
			logx.L().Warnw("redis_close_error", "error", err)
		}
	}()
	sig := engagement.NewRedis(rc, "")

	links := tracking.NewLinks(cfg.Tracking.BaseURL, cfg.Tracking.Secret)
	// The API only mutates state; the sender-worker owns dispatch.
	eng := engine.New(st, nil, sig, tracking.NewInjector(links), engine.DefaultConfig())

	h := server.NewHandlers(eng, links)
	srv := server.NewHTTPServer(":"+cfg.Port, h)

	go func() {
		logx.L().Infow("api_listen_start", "addr", ":"+cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.L().Fatalw("http_server_error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	s := <-stop
	logx.L().Infow("signal_received", "signal", s.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logx.L().Errorw("server_shutdown_error", "error", err)
	} else {
		logx.L().Infow("server_shutdown_success")
	}

	logx.L().Infow("campaign-api stopped gracefully")
}
