// Command tarpit runs the connection-holding service: it binds the
// configured address and keeps every inbound TCP connection open
// indefinitely, writing one opaque byte per emission interval until the
// peer gives up. SIGINT or SIGTERM triggers a graceful shutdown that
// releases every held socket before exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/tarpit"
	"github.com/cyberinferno/tarpit/config"
	"github.com/cyberinferno/tarpit/logger"
	"github.com/cyberinferno/tarpit/monitor"
	"github.com/cyberinferno/tarpit/tracker"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (empty uses built-in defaults)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log := logger.NewZerologLogger(os.Stdout, "tarpit", level)

	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	track := tracker.New(store, cfg.Tracker.PeerTTL.Std(), log)

	srv, err := tarpit.NewServer(tarpit.Config{
		Addr:             cfg.Server.Addr(),
		EmissionInterval: cfg.Server.EmissionInterval.Std(),
		WriteTimeout:     cfg.Server.WriteTimeout.Std(),
		Logger:           log,
		Source:           tarpit.NewRandByteSource(),
		Observer:         track,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}

	mon, err := monitor.New(cfg.Monitor.ReportInterval.Std(), srv.LiveCount, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		srv.Shutdown()
		return nil
	})

	err = g.Wait()
	track.LogSummary()
	return err
}

// newStore selects the peer revisit store from configuration. Memory is
// the default; Redis is for fleets that want to share scanner
// accounting across instances.
func newStore(cfg *config.Config) (tracker.Store, error) {
	if cfg.Tracker.Backend != "redis" {
		return tracker.NewMemoryStore(10 * time.Minute), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Tracker.Redis.Addr,
		Password: cfg.Tracker.Redis.Password,
		DB:       cfg.Tracker.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Tracker.Redis.Addr, err)
	}

	return tracker.NewRedisStore(client, cfg.Tracker.Redis.KeyPrefix), nil
}
