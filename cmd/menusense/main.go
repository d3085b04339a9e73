// menusense-backend turns a photo of a Japanese menu into structured,
// translated, multilingual data through a staged fan-out pipeline.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/api"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/cleanup"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/config"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/database"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/events"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/masking"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/models"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/notify"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/orchestrator"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/providers"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/queue"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/stages"
	"github.com/kirie0319/menu-sense-backend-sub001/pkg/store"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("could not load %s: %v (continuing with existing environment)", envPath, err)
	}

	httpAddr := ":" + getEnv("HTTP_PORT", "8080")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("close database client", "error", err)
		}
	}()
	slog.Info("connected to database, migrations applied")

	st := store.New(dbClient.DB())
	qs := queue.NewStore(dbClient.DB())

	listener := events.NewListener(dbCfg.DSN())
	go func() {
		if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("event listener stopped", "error", err)
		}
	}()

	masker := masking.NewService(masking.Config{})
	notifier := notify.NewService(notify.ServiceConfig{URL: os.Getenv("COMPLETION_WEBHOOK_URL")})

	// Concrete provider adapters (an OCR vendor, translation API, image
	// search/synthesis backend) are out of scope; every capability here
	// is nil until a real adapter is wired in, which stage executors
	// treat as a permanent failure on that stage rather than a crash.
	reg := &providers.Registry{}

	orch := orchestrator.New(st, qs, listener, notifier, orchestrator.Config{
		FanoutChunkSize:  cfg.Stage("translate").ChunkSize,
		FanoutChunkPause: 100 * time.Millisecond,
		ImageWaitTimeout: cfg.Image.TranslateWait,
		SessionTimeout:   cfg.Session.Timeout,
	})

	pools, reapers := buildPools(cfg, dbClient, st, qs, reg, masker, orch)
	for _, p := range pools {
		go p.Run(ctx)
	}
	for _, r := range reapers {
		go r.Run(ctx)
	}

	cleanupSvc := cleanup.NewService(st, cleanup.Config{
		Retention: time.Duration(cfg.Session.RetentionSeconds) * time.Second,
		Interval:  1 * time.Hour,
	})
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()

	resumeProcessingSessions(ctx, st, orch)

	server := api.NewServer(cfg, dbClient, st, listener, orch)
	go func() {
		slog.Info("http server listening", "addr", httpAddr)
		if err := server.Start(httpAddr); err != nil {
			slog.Error("http server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown", "error", err)
	}
}

// reaperInterval is how often each queue's Reaper sweeps for orphans stuck
// past their visibility timeout with attempts exhausted. A fixed cadence is
// fine here: the sweep only ever touches rows Pool.runTask somehow never
// got to record, which is rare by construction.
const reaperInterval = 1 * time.Minute

// buildPools wires one worker pool per named queue (§4.4), each with its
// stage executor, dead-letter callback, and the orchestrator's
// per-session cancellation context. It also builds one Reaper per queue as
// a crash-recovery backstop behind Claim's own orphan revival (§8 property
// 5), sharing the same dead-letter callback so a task the Reaper gives up
// on still resolves its owning item's or session's stage column.
func buildPools(cfg *config.Config, dbClient *database.Client, st *store.Store, qs *queue.Store, reg *providers.Registry, masker *masking.Service, orch *orchestrator.Orchestrator) ([]*queue.Pool, []*queue.Reaper) {
	type queueDef struct {
		name         string
		exec         queue.Executor
		onDeadLetter func(context.Context, queue.Task, error) error
	}

	defs := []queueDef{
		{"ocr", stages.ExtractExecutor(st, reg, masker), stages.DeadLetterSessionStage(st, models.SessionStageExtract)},
		{"categorize", stages.CategorizeExecutor(st, reg, cfg.Session.MaxItems), stages.DeadLetterSessionStage(st, models.SessionStageCategorize)},
		{"translate", stages.TranslateExecutor(st, reg), stages.DeadLetterItemStage(st, models.StageTranslate)},
		{"describe", stages.DescribeExecutor(st, reg), stages.DeadLetterItemStage(st, models.StageDescribe)},
		{"allergens", stages.AllergensExecutor(st, reg), stages.DeadLetterItemStage(st, models.StageAllergens)},
		{"ingredients", stages.IngredientsExecutor(st, reg), stages.DeadLetterItemStage(st, models.StageIngredients)},
		{"image", stages.ImageExecutor(st, reg), stages.DeadLetterItemStage(st, models.StageImage)},
	}

	pools := make([]*queue.Pool, 0, len(defs))
	reapers := make([]*queue.Reaper, 0, len(defs))
	for _, d := range defs {
		qc := cfg.Queue(d.name)
		sc := cfg.Stage(d.name)
		pools = append(pools, queue.NewPool(queue.PoolConfig{
			Queue:              d.name,
			Concurrency:        qc.Concurrency,
			PollInterval:       qc.PollInterval,
			PollIntervalJitter: qc.PollIntervalJitter,
			VisibilityTimeout:  qc.VisibilityTimeout,
			MaxAttempts:        sc.MaxAttempts,
			OnDeadLetter:       d.onDeadLetter,
			DeriveContext:      orch.DeriveContext,
			MaskError:          masker.Mask,
		}, qs, d.exec))
		reapers = append(reapers, queue.NewReaper(dbClient.DB(), d.name, qc.VisibilityTimeout, sc.MaxAttempts, reaperInterval, d.onDeadLetter))
	}
	return pools, reapers
}

// resumeProcessingSessions re-attaches the orchestrator's watcher to
// every session still processing from before this restart (§4.6).
func resumeProcessingSessions(ctx context.Context, st *store.Store, orch *orchestrator.Orchestrator) {
	ids, err := st.ListProcessingSessionIDs(ctx)
	if err != nil {
		slog.Error("list processing sessions for resume", "error", err)
		return
	}
	if len(ids) > 0 {
		slog.Info("resuming in-flight sessions", "count", len(ids))
	}
	orch.Resume(ctx, ids)
}
