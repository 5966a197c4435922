package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/oldsparrow/internal/app"
	"github.com/suPer8Hu/oldsparrow/internal/config"
	"github.com/suPer8Hu/oldsparrow/internal/httpapi"
	"github.com/suPer8Hu/oldsparrow/internal/httpapi/handlers"
	"github.com/suPer8Hu/oldsparrow/internal/logger"
	"github.com/suPer8Hu/oldsparrow/internal/store/rabbitmq"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer lg.Sync()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		lg.Fatal("rabbit connect failed", "err", err)
	}

	a, err := app.Build(ctx, cfg, lg, pub)
	if err != nil {
		_ = pub.Close()
		lg.Fatal("bootstrap failed", "err", err)
	}
	a.AddCloser(pub.Close)

	h := handlers.NewHandler(cfg, a.Chat, a.Anonymous, lg)
	srv := &http.Server{
		Addr:              cfg.ListenAddress(),
		Handler:           httpapi.NewRouter(cfg, h, lg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		lg.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		lg.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			lg.Error("server failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("http shutdown", "err", err)
	}
	// generations outlive their requests; let them persist before the DB closes
	if err := a.Chat.Engine().Drain(shutdownCtx); err != nil {
		lg.Warn("generations still running at shutdown", "err", err)
	}
	if err := a.Close(); err != nil {
		lg.Error("close dependencies", "err", err)
	}
}
