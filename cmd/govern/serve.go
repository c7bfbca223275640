package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pursuitworks/govern/pkg/api"
	"github.com/pursuitworks/govern/pkg/audit"
	"github.com/pursuitworks/govern/pkg/audit/blob"
	"github.com/pursuitworks/govern/pkg/config"
	"github.com/pursuitworks/govern/pkg/coordinator"
	"github.com/pursuitworks/govern/pkg/ledger"
	"github.com/pursuitworks/govern/pkg/observability"
	"github.com/pursuitworks/govern/pkg/policy"
	"github.com/pursuitworks/govern/pkg/store"
	"github.com/pursuitworks/govern/pkg/workflow"
)

// runServe starts the API server plus the two background loops: the SLA
// sweep and the outbox dispatcher. It blocks until SIGINT or SIGTERM.
func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		port       string
		policyPath string
	)
	cmd.StringVar(&port, "port", "", "Listen port (overrides PORT)")
	cmd.StringVar(&policyPath, "policy", "", "Workflow policy file (overrides POLICY_FILE)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if port != "" {
		cfg.Port = port
	}
	if policyPath != "" {
		cfg.PolicyPath = policyPath
	}

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	st := store.New(db)
	if err := st.Init(ctx); err != nil {
		return err
	}

	keyring, err := buildKeyring(cfg)
	if err != nil {
		return err
	}
	led := ledger.NewSQLLedger(db, keyring)
	if err := led.Init(ctx); err != nil {
		return err
	}

	doc, err := config.LoadPolicy(cfg.PolicyPath)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("policy file not found, using built-in defaults", "path", cfg.PolicyPath)
		doc = config.DefaultPolicy()
	} else if err != nil {
		return err
	}

	evaluator, err := policy.NewEvaluator()
	if err != nil {
		return err
	}

	metrics, err := observability.New()
	if err != nil {
		logger.Warn("metrics unavailable", "error", err)
	}

	var (
		notifier      coordinator.Notifier
		trigger       coordinator.AutomationTrigger
		qualification workflow.QualificationEngine
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		defer func() { _ = client.Close() }()
		notifier = coordinator.NewRedisNotifier(client, "")
		trigger = coordinator.NewRedisTrigger(client, "")
		qualification = &redisScores{client: client}
	} else {
		notifier = coordinator.LogNotifier{Logger: logger}
		trigger = coordinator.LogTrigger{Logger: logger}
	}

	engine, err := workflow.NewEngine(workflow.Params{
		Store:         st,
		Ledger:        led,
		Evaluator:     evaluator,
		Qualification: qualification,
		Assigner:      coordinator.NewDirectory(doc.RoleDirectory()),
		Policy:        doc.Autonomy,
		Template:      doc.Chain,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	packs, err := blob.NewStoreFromEnv(ctx)
	if err != nil {
		logger.Warn("pack storage unavailable, export endpoint will stream packs inline", "error", err)
		packs = nil
	}

	sweeper := coordinator.NewCoordinator(st, led, cfg.ApprovalSLA, metrics, logger)
	dispatcher := coordinator.NewDispatcher(coordinator.DispatcherParams{
		Store:    st,
		Notifier: notifier,
		Trigger:  trigger,
		Logger:   logger,
	})

	go func() {
		if err := sweeper.Run(ctx, cfg.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("escalation sweep stopped", "error", err)
		}
	}()
	go func() {
		if err := dispatcher.Run(ctx, cfg.DispatchInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("outbox dispatcher stopped", "error", err)
		}
	}()

	srv := api.NewServer(engine, audit.NewExporter(led), packs, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(api.NewJWTValidator(cfg.JWTSecret)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// redisScores reads qualification scores published by the upstream
// capture pipeline, keyed by opportunity id.
type redisScores struct {
	client *redis.Client
}

func (r *redisScores) Score(ctx context.Context, opportunityID string) (float64, error) {
	val, err := r.client.Get(ctx, "govern:scores:"+opportunityID).Result()
	if err != nil {
		return 0, fmt.Errorf("qualification score for %s unavailable: %w", opportunityID, err)
	}
	return strconv.ParseFloat(val, 64)
}
