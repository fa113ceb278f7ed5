package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"qrattendance/internal/app"
	"qrattendance/internal/attendance"
	"qrattendance/internal/config"
	"qrattendance/internal/directory"
	"qrattendance/internal/notify"
	"qrattendance/internal/store"
)

// Worker consumes notification jobs, delivers them, and periodically
// retries notifications that did not go out on every channel.
func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend == "memory" {
		log.Fatal("worker needs QUEUE_BACKEND=redis; the API drains the in-memory queue itself")
	}

	db, err := store.NewDB(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Printf("WARNING: redis at %s not reachable yet, consumer will keep retrying", cfg.RedisAddr)
	}

	dispatcher, err := app.Dispatcher(cfg, db)
	if err != nil {
		log.Fatalf("notification providers: %v", err)
	}
	records := attendance.NewRepository(db.Client)
	dir := directory.NewRepository(db.Client)
	notifier := notify.NewRecordNotifier(dispatcher, records, cfg.Location(), cfg.AbsenteeCutoff)

	go retryLoop(ctx, dispatcher, 5*time.Minute)

	worker := notify.NewWorker(app.Queue(cfg, redisClient), notifier, records, dir)
	if err := worker.Run(ctx); err != nil {
		log.Fatalf("worker: %v", err)
	}
}

func retryLoop(ctx context.Context, d *notify.Dispatcher, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.RetryPending(ctx); err != nil {
				log.Printf("[worker] retry pass failed: %v", err)
			}
		}
	}
}
