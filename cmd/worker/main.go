// The worker binary executes campaigns: it consumes tick jobs to pace
// batches, consumes send jobs to deliver through pooled SMTP
// connections, and sweeps the calendar for due scheduled campaigns.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/crypto"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/queue"
	"github.com/ignite/campaign-engine/internal/render"
	"github.com/ignite/campaign-engine/internal/scheduler"
	"github.com/ignite/campaign-engine/internal/sender"
	"github.com/ignite/campaign-engine/internal/smtppool"
	"github.com/ignite/campaign-engine/internal/store"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	st, err := store.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer st.Close()

	rdb, err := openRedis(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer rdb.Close()

	box, err := crypto.NewBox(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("init encryption: %v", err)
	}

	tickQ := queue.New("campaign-tick", rdb)
	sendQ := queue.New("email-send", rdb)

	pools := smtppool.NewManager(smtppool.NewDialer(0, 0), smtppool.Options{
		MaxConnections: cfg.SmtpPool.MaxConnections,
		MaxMessages:    cfg.SmtpPool.MaxMessages,
		IdleTimeout:    cfg.SmtpPool.IdleTimeout(),
		RateLimit:      rate.Limit(cfg.SmtpPool.RateLimit),
	}, cfg.SmtpPool.MaxPoolSize)
	pools.StartReaper(time.Minute)
	defer pools.ShutdownAll()

	sched := scheduler.New(st, tickQ, sendQ, cfg.Sending)
	snd := sender.New(st, sendQ, pools, box, render.New(cfg.UnsubscribeBaseURL), cfg.Sending)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		tickQ.Run(ctx, cfg.Workers.TickConcurrency, sched.HandleTick)
	}()
	go func() {
		defer wg.Done()
		sendQ.Run(ctx, cfg.Workers.SendConcurrency, snd.HandleSend)
	}()
	go func() {
		defer wg.Done()
		lock := distlock.NewLock(rdb, st.DB(), "campaign-sweep", 90*time.Second)
		sched.RunCalendarSweep(ctx, lock)
	}()

	logger.Info("worker started",
		"tick_concurrency", cfg.Workers.TickConcurrency,
		"send_concurrency", cfg.Workers.SendConcurrency)

	<-ctx.Done()
	logger.Info("worker shutting down")
	wg.Wait()
}

func openRedis(url string) (*redis.Client, error) {
	opts := &redis.Options{Addr: "localhost:6379"}
	if url != "" {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}
