// Command bfffsd runs a single-process storage engine instance: it builds
// an in-memory demo pool, syncs a transaction group on a fixed interval,
// and exits cleanly on SIGINT/SIGTERM. It has no network listener and no
// process-supervision concerns (pidfiles, respawn, systemd units) — those
// are explicitly out of scope; this binary exists so the engine's ambient
// dependencies (structured logging, TOML configuration) have a real,
// runnable home, the way cmd/geth's main.go does for go-ethereum.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/internal/blog"
	"github.com/bfffs/bfffs/internal/engine"
	"github.com/naoina/toml"
)

// tomlSettings mirrors cmd/geth/config.go's tomlSettings: the default
// naoina/toml behavior with unknown keys rejected, so a typo in the
// config file is a startup error rather than a silently-ignored field.
var tomlSettings = toml.Config{
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// fileConfig is the on-disk shape of bfffsd's config file, loaded with
// naoina/toml the same way cmd/geth's config.go loads its TOML config,
// then applied on top of engine.DefaultConfig.
type fileConfig struct {
	Name        string
	NumClusters int
	Disks       int
	ParityDisks int
	ChunkSize   uint64
	Stride      int
	Zones       uint32
	LBAsPerZone uint64
	CacheBytes  int
	SyncSeconds int
}

func loadConfig(path string) (engine.Config, int, error) {
	cfg := engine.DefaultConfig("bfffsd")
	syncSeconds := 5
	if path == "" {
		return cfg, syncSeconds, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, syncSeconds, fmt.Errorf("bfffsd: open config: %w", err)
	}
	defer f.Close()

	var fc fileConfig
	if err := tomlSettings.NewDecoder(f).Decode(&fc); err != nil {
		return cfg, syncSeconds, fmt.Errorf("bfffsd: parse config: %w", err)
	}
	if fc.Name != "" {
		cfg.Name = fc.Name
	}
	if fc.NumClusters != 0 {
		cfg.NumClusters = fc.NumClusters
	}
	if fc.Disks != 0 {
		cfg.Disks = fc.Disks
	}
	if fc.ParityDisks != 0 {
		cfg.ParityDisks = fc.ParityDisks
	}
	if fc.ChunkSize != 0 {
		cfg.ChunkSize = fc.ChunkSize
	}
	if fc.Stride != 0 {
		cfg.Stride = fc.Stride
	}
	if fc.Zones != 0 {
		cfg.Zones = common.ZoneT(fc.Zones)
	}
	if fc.LBAsPerZone != 0 {
		cfg.LBAsPerZone = common.LBA(fc.LBAsPerZone)
	}
	if fc.CacheBytes != 0 {
		cfg.CacheBytes = fc.CacheBytes
	}
	if fc.SyncSeconds != 0 {
		syncSeconds = fc.SyncSeconds
	}
	return cfg, syncSeconds, nil
}

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		blog.SetLevel(slog.LevelDebug)
	}
	log := blog.New("module", "bfffsd")

	cfg, syncSeconds, err := loadConfig(*configPath)
	if err != nil {
		log.Error("config load failed", "err", err)
		os.Exit(1)
	}

	eng, err := engine.Build(cfg)
	if err != nil {
		log.Error("engine build failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(time.Duration(syncSeconds) * time.Second)
	defer ticker.Stop()

	log.Info("bfffsd started", "name", cfg.Name, "sync_interval_s", syncSeconds)
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down, running final sync")
			if err := eng.Sync(context.Background()); err != nil {
				log.Error("final sync failed", "err", err)
				os.Exit(1)
			}
			return
		case <-ticker.C:
			if err := eng.Sync(ctx); err != nil {
				log.Error("sync failed", "err", err)
			}
		}
	}
}
