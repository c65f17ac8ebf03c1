// Command artcached is the minimal process host for the allocation engine:
// it loads configuration, wires the engine's dependencies, and serves as
// the place compaction and lookup callers would be wired in. The core
// itself owns no CLI or process-level configuration parsing; this is glue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dase955/artcache/internal/engine"
	"github.com/dase955/artcache/internal/segment"
	"github.com/dase955/artcache/pkg/config"
	"github.com/dase955/artcache/pkg/logging"
	"github.com/dase955/artcache/pkg/workers"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to a JSON configuration file (defaults only if empty)")
		initConfig = pflag.Bool("init-config", false, "write the default configuration to --config and exit")
		showConfig = pflag.Bool("show-config", false, "print the resolved configuration and exit")
	)
	pflag.Parse()

	if *initConfig {
		if *configPath == "" {
			fmt.Fprintln(os.Stderr, "--init-config requires --config")
			os.Exit(1)
		}
		if err := config.DefaultConfig().SaveToFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *showConfig {
		fmt.Printf("%+v\n", cfg)
		return
	}

	logCfg := logging.DefaultConfig()
	level, levErr := logging.ParseLogLevel(cfg.LogLevel)
	if levErr == nil {
		logCfg.Level = level
	}
	log := logging.NewLogger(logCfg)

	resultLog := log.WithComponent("workers-result")
	pool := workers.NewPool(workers.Config{
		WorkerCount: cfg.FilterCacheThreadsNum,
		OnResult: func(r workers.Result) {
			if r.Error != nil {
				return // already logged a warning from inside the worker
			}
			resultLog.WithField("task", r.TaskID).Debugf("background task completed in %s", r.Duration)
		},
	}, log)
	if err := pool.Start(); err != nil {
		log.Errorf("failed to start background pool: %v", err)
		os.Exit(1)
	}
	defer pool.Shutdown()

	// The key source is supplied by the host embedding this engine inside
	// an LSM store; artcached alone has no segments to read keys from.
	noKeys := func(sid segment.ID) [][]byte { return nil }

	eng := engine.New(cfg, log, pool, noKeys)

	stats := eng.Stats()
	log.Infof("artcache engine ready on %s:%d, cache budget %d bits (used=%d level0=%d segments=%d)",
		cfg.Host, cfg.Port, cfg.CacheSpaceSizeBits, stats.UsedBits, stats.Level0UsedBits, stats.SegmentCount)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go eng.RunAdjustLoop(ctx, 0)

	<-ctx.Done()
	log.Info("shutting down")
}
