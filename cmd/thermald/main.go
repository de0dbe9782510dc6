package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"thermal-gate/internal/api"
	"thermal-gate/internal/archive"
	"thermal-gate/internal/config"
	"thermal-gate/internal/lease"
	"thermal-gate/internal/power"
	"thermal-gate/internal/ratelimit"
	"thermal-gate/internal/scheduler"
	"thermal-gate/internal/sensor"
	"thermal-gate/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Printf("shutdown requested")
		cancel()
	}()

	var st store.Store
	if cfg.DevStore {
		log.Printf("using in-memory store; nothing will survive restart")
		st = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		st = pg
	}

	var applier power.ProfileApplier
	if cfg.DryRun {
		applier = power.DryRunApplier{}
	} else {
		applier = &power.ExecApplier{
			Argv:     cfg.ApplierCommand,
			Profiles: power.DefaultProfiles(),
		}
	}
	controller, err := power.NewController(ctx, st, applier)
	if err != nil {
		log.Fatalf("power controller: %v", err)
	}

	var (
		limiter  *ratelimit.TokenBucket
		schedule *lease.Lease
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

		hostname, _ := os.Hostname()
		owner := fmt.Sprintf("%s-%d", hostname, os.Getpid())
		schedule = lease.New(rdb, cfg.LeaseKey, owner, cfg.LeaseTTL)
	} else {
		log.Printf("redis not configured; running without scheduler lease or rate limiting")
	}

	runtime := config.NewRuntime(cfg.Tunables)
	probe := sensor.NewSysfs(cfg.SensorPath, cfg.SensorTimeout)
	loop := scheduler.New(st, probe, controller, schedule, runtime)
	if cfg.DryRun {
		loop.Register("exec", scheduler.NoopRunner("exec"))
	} else {
		loop.Register("exec", scheduler.ExecRunner(0))
	}

	if err := loop.ReportOrphans(ctx); err != nil {
		log.Printf("orphan report: %v", err)
	}

	server := api.New(st, loop, controller, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("operator api listening on :%s", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		log.Printf("daemon loop started: poll=%s ceiling=%.1fC critical=%.1fC dwell=%s",
			cfg.Tunables.PollInterval, cfg.Tunables.Thresholds.CeilingC,
			cfg.Tunables.Thresholds.CriticalC, cfg.Tunables.MinDwell)
		return loop.Run(gctx)
	})

	if cfg.TunablesFile != "" {
		g.Go(func() error {
			return runtime.Watch(gctx, cfg.TunablesFile)
		})
	}

	archiver, err := archive.NewS3Archiver(ctx, cfg, st)
	if err != nil {
		log.Fatalf("archive: %v", err)
	}
	if archiver != nil {
		g.Go(func() error {
			return archiver.Run(gctx, cfg.ArchiveInterval)
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Printf("daemon stopped: %v", err)
		os.Exit(1)
	}
	log.Printf("daemon stopped cleanly")
}
