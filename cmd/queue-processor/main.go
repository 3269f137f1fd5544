// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/queue-processor-system/internal/broker"
	"github.com/flyingrobots/queue-processor-system/internal/config"
	"github.com/flyingrobots/queue-processor-system/internal/controlapi"
	"github.com/flyingrobots/queue-processor-system/internal/dispatcher"
	"github.com/flyingrobots/queue-processor-system/internal/handler"
	"github.com/flyingrobots/queue-processor-system/internal/job"
	"github.com/flyingrobots/queue-processor-system/internal/lifecycle"
	"github.com/flyingrobots/queue-processor-system/internal/metrics"
	"github.com/flyingrobots/queue-processor-system/internal/obs"
	"github.com/flyingrobots/queue-processor-system/internal/reaper"
	"github.com/flyingrobots/queue-processor-system/internal/redisclient"
	"github.com/flyingrobots/queue-processor-system/internal/store"
)

var version = "dev"

func main() {
	var role, configPath string
	var adminCmd, adminQueueType, adminTaskType string
	var adminCount int
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: server|worker|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|queue-stats|peek|retry-failed|purge-dlq")
	fs.StringVar(&adminQueueType, "type", "", "Queue type for admin peek/purge-dlq")
	fs.StringVar(&adminTaskType, "task-type", "", "Task type filter for admin retry-failed (all types if empty)")
	fs.IntVar(&adminCount, "count", 10, "Item count for admin peek")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := store.Migrate(cfg); err != nil {
		logger.Fatal("store migration failed", obs.Err(err))
	}
	st, err := store.New(cfg)
	if err != nil {
		logger.Fatal("store connect failed", obs.Err(err))
	}
	defer st.Close()

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	br := broker.New(cfg, rdb)
	lc := lifecycle.New(cfg, st, br, logger)
	agg := metrics.New(cfg, st, br)
	registry := handler.NewRegistry()
	registerHandlers(cfg, registry)
	disp := dispatcher.New(cfg, br, lc, registry, logger)

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(cfg.Worker.ShutdownGracePeriod):
		}
	}()

	switch role {
	case "admin":
		runAdmin(ctx, cfg, lc, st, br, agg, disp, logger, adminCmd, adminQueueType, adminTaskType, adminCount)
		return
	case "server":
		runServer(ctx, cfg, rdb, lc, st, br, agg, disp, logger)
	case "worker":
		runWorker(ctx, cfg, st, br, disp, logger)
	case "all":
		go runWorker(ctx, cfg, st, br, disp, logger)
		runServer(ctx, cfg, rdb, lc, st, br, agg, disp, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

// registerHandlers wires every configured queue type's job handler. A real
// deployment would register domain-specific handlers here (email send, image
// resize, and so on); this module ships only the framework (spec.md's
// Non-goals exclude concrete business handlers), so every type in cfg.Worker.Queues
// gets a no-op handler that reports success immediately. Iterating the
// resolved config (rather than a separately hand-typed list) keeps this in
// sync with whatever queue types the operator actually configured.
func registerHandlers(cfg *config.Config, registry *handler.Registry) {
	noop := handler.HandlerFunc(func(ctx context.Context, e job.Envelope, progress handler.ProgressFunc) (json.RawMessage, error) {
		progress(100)
		return json.RawMessage(`{}`), nil
	})
	for t := range cfg.Worker.Queues {
		registry.Register(t, noop)
	}
}

func runServer(ctx context.Context, cfg *config.Config, rdb *redis.Client, lc *lifecycle.Coordinator, st *store.Store, br *broker.Broker, agg *metrics.Aggregator, disp *dispatcher.Dispatcher, logger *zap.Logger) {
	readyCheck := func(c context.Context) error {
		return rdb.Ping(c).Err()
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	obs.StartQueueDepthUpdater(ctx, cfg, rdb, logger)

	api := controlapi.New(cfg, lc, st, br, agg, disp, logger)
	if err := api.Start(ctx); err != nil {
		logger.Fatal("control api error", obs.Err(err))
	}
}

func runWorker(ctx context.Context, cfg *config.Config, st *store.Store, br *broker.Broker, disp *dispatcher.Dispatcher, logger *zap.Logger) {
	rep := reaper.New(cfg, st, br, logger)
	go rep.Run(ctx)
	disp.Run(ctx)
}

func runAdmin(ctx context.Context, cfg *config.Config, lc *lifecycle.Coordinator, st *store.Store, br *broker.Broker, agg *metrics.Aggregator, disp *dispatcher.Dispatcher, logger *zap.Logger, cmd, qtype, taskType string, count int) {
	switch cmd {
	case "stats":
		m, err := agg.SystemMetrics(ctx)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		printJSON(m)
	case "queue-stats":
		s, err := agg.QueueStats(ctx)
		if err != nil {
			logger.Fatal("admin queue-stats error", obs.Err(err))
		}
		printJSON(s)
	case "peek":
		if qtype == "" {
			logger.Fatal("admin peek requires -type")
		}
		items, err := br.Peek(ctx, qtype, int64(count))
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		printJSON(items)
	case "retry-failed":
		types := []string{taskType}
		if taskType == "" {
			types = types[:0]
			for t := range cfg.Worker.Queues {
				types = append(types, t)
			}
		}
		total := 0
		for _, t := range types {
			n, err := lc.RequeueFailed(ctx, t, 1000)
			if err != nil {
				logger.Fatal("admin retry-failed error", obs.Err(err))
			}
			total += n
		}
		printJSON(struct {
			RetriedCount int `json:"retriedCount"`
		}{RetriedCount: total})
	case "purge-dlq":
		if qtype == "" {
			logger.Fatal("admin purge-dlq requires -type")
		}
		n, err := br.PurgeDLQ(ctx, qtype)
		if err != nil {
			logger.Fatal("admin purge-dlq error", obs.Err(err))
		}
		printJSON(struct {
			ItemsDeleted int64 `json:"itemsDeleted"`
		}{ItemsDeleted: n})
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
