package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/suPer8Hu/oldsparrow/internal/app"
	"github.com/suPer8Hu/oldsparrow/internal/config"
	"github.com/suPer8Hu/oldsparrow/internal/logger"
	"github.com/suPer8Hu/oldsparrow/internal/store/rabbitmq"
)

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the worker never enqueues, so no publisher
	a, err := app.Build(ctx, cfg, lg, nil)
	if err != nil {
		lg.Fatal("bootstrap failed", "err", err)
	}

	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         cfg.RabbitURL,
		Queue:       cfg.RabbitQueue,
		Concurrency: cfg.WorkerConcurrency,
		MaxRetries:  cfg.RabbitMaxRetries,
		RetryDelay:  cfg.RabbitRetryDelay,
	}, lg)
	if err != nil {
		_ = a.Close()
		lg.Fatal("rabbit connect failed", "err", err)
	}
	a.AddCloser(consumer.Close)

	runErr := consumer.Run(ctx, a.Chat.RunJob)
	if err := a.Close(); err != nil {
		lg.Error("shutdown", "err", err)
	}
	if runErr != nil {
		lg.Fatal("worker stopped", "err", runErr)
	}
	lg.Info("worker exited")
}
