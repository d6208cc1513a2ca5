// Package main is the entry point for the flow engine.
//
// It wires the engine together from environment configuration: flow
// definitions and integration configs are loaded from disk, compiled
// once, and then ingestion events are read from stdin as one JSON
// object per line. Each event's outcomes are printed to stdout as
// JSON. There is no network listener; ingestion transport belongs to
// the surrounding platform.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/devicehub/flowengine/internal/config"
	"github.com/devicehub/flowengine/internal/connector"
	"github.com/devicehub/flowengine/internal/dispatcher"
	"github.com/devicehub/flowengine/internal/executor"
	"github.com/devicehub/flowengine/internal/flowgraph"
	"github.com/devicehub/flowengine/internal/sandbox"
	"github.com/devicehub/flowengine/internal/statestore"
	"github.com/devicehub/flowengine/pkg/types"
)

func main() {
	cfg := config.Load()
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := run(cfg); err != nil {
		log.Fatalf("flowengine: %v", err)
	}
}

func run(cfg *config.Config) error {
	store := buildStore(cfg)
	defer store.Close()

	registry, err := buildConnectors(cfg)
	if err != nil {
		return err
	}
	defer registry.Close()

	sb := sandbox.New(sandbox.Options{
		MaxScriptLen: cfg.ScriptMaxLen,
		MaxSteps:     cfg.ScriptMaxSteps,
		Timeout:      cfg.ScriptTimeout,
	})

	cache := flowgraph.NewCache(sb, registry)
	if err := loadFlows(cache, cfg.FlowDir); err != nil {
		return err
	}
	log.Printf("compiled %d flows from %s", len(cache.All()), cfg.FlowDir)

	exec := executor.New(sb, registry, executor.Config{
		MaxParallelism: cfg.MaxParallelism,
		FlowTimeout:    cfg.FlowTimeout,
		Retry: types.RetryPolicy{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: cfg.InitialBackoff,
			BackoffCap:     cfg.BackoffCap,
		},
	})

	d := dispatcher.New(dispatcher.CacheResolver{Cache: cache}, exec, store,
		dispatcher.Config{EventTimeout: cfg.EventTimeout})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return readEvents(ctx, d)
}

// buildStore selects the outcome store, falling back to memory when
// Redis is unreachable so the engine still processes events.
func buildStore(cfg *config.Config) statestore.Store {
	storeCfg := &statestore.Config{
		OutcomeTTL: cfg.OutcomeTTL,
		StatusTTL:  cfg.StatusTTL,
	}

	if cfg.StoreType == "redis" {
		redisStore, err := statestore.NewRedisStore(&statestore.RedisConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}, storeCfg)
		if err == nil {
			log.Printf("using redis store at %s", cfg.RedisURL)
			return redisStore
		}
		log.Printf("redis unavailable, falling back to memory store: %v", err)
	}

	log.Printf("using in-memory store")
	return statestore.NewMemoryStore(storeCfg)
}

// buildConnectors loads integration configs and constructs the shared
// connector registry. A missing integrations file means no integration
// nodes; flows that reference one will fail compilation.
func buildConnectors(cfg *config.Config) (*connector.Registry, error) {
	var configs []types.IntegrationConfig

	data, err := os.ReadFile(cfg.IntegrationsFile)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &configs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", cfg.IntegrationsFile, err)
		}
	case os.IsNotExist(err):
		log.Printf("no integrations file at %s", cfg.IntegrationsFile)
	default:
		return nil, fmt.Errorf("read %s: %w", cfg.IntegrationsFile, err)
	}

	registry, err := connector.Build(configs, connector.RegistryConfig{
		SendRPS:   cfg.ConnectorRPS,
		SendBurst: cfg.ConnectorBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("build connectors: %w", err)
	}
	log.Printf("built %d connectors from %s", len(configs), cfg.IntegrationsFile)
	return registry, nil
}

// loadFlows parses and compiles every .json definition in dir. A
// single bad definition fails startup; a half-loaded flow set would
// silently drop telemetry.
func loadFlows(cache *flowgraph.Cache, dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return fmt.Errorf("scan flow dir: %w", err)
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		flow, err := flowgraph.ParseDefinition(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if _, err := cache.Get(flow); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

// readEvents consumes one ingestion event per stdin line and prints
// the outcomes for each as a JSON array.
func readEvents(ctx context.Context, d *dispatcher.Dispatcher) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	out := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			log.Printf("shutting down")
			return nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev types.IngestEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Printf("skipping malformed event: %v", err)
			continue
		}
		if ev.DeviceID == "" {
			log.Printf("skipping event with no device_id")
			continue
		}

		outcomes, err := d.HandleIngestEvent(ctx, &ev)
		if err != nil {
			log.Printf("device %s: %v", ev.DeviceID, err)
			continue
		}
		if err := out.Encode(outcomes); err != nil {
			return fmt.Errorf("write outcomes: %w", err)
		}
	}
	return scanner.Err()
}
