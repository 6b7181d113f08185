package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/caarlos0/env/v10"
	"github.com/goliatone/go-logger/glog"
	goredis "github.com/redis/go-redis/v9"

	"github.com/goliatone/go-saga"
	sagaredis "github.com/goliatone/go-saga/redis"
)

// Config is the environment-driven runtime configuration.
type Config struct {
	LogLevel string        `env:"LOG_LEVEL" envDefault:"info"`
	Store    string        `env:"SAGA_STORE" envDefault:"memory"`
	LockTTL  time.Duration `env:"SAGA_LOCK_TTL" envDefault:"30s"`

	Redis RedisConfig
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type cli struct {
	Run    runCmd    `cmd:"" help:"Start a checkout run."`
	Resume resumeCmd `cmd:"" help:"Deliver an external completion event."`
	Status statusCmd `cmd:"" help:"Inspect a run."`
	Drain  drainCmd  `cmd:"" help:"Dispatch pending outbox notifications."`
}

type runCmd struct {
	RunID    string  `help:"Idempotency key; generated when omitted."`
	Customer string  `required:"" help:"Customer identifier."`
	Order    string  `required:"" help:"Order identifier."`
	Amount   float64 `default:"100" help:"Payment amount."`
}

type resumeCmd struct {
	Correlation string `arg:"" help:"Correlation id of the paused run."`
	Fail        bool   `help:"Deliver a failure event instead of success."`
	Reason      string `default:"provider rejected payment" help:"Failure reason."`
}

type statusCmd struct {
	RunID string `arg:"" help:"Run identifier."`
}

type drainCmd struct{}

type appContext struct {
	orchestrator *saga.Orchestrator
	dispatcher   *saga.NotificationDispatcher
	logger       saga.Logger
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newGlogAdapter(cfg.LogLevel)
	app, err := buildApp(cfg, logger)
	if err != nil {
		logger.Fatal("bootstrap failed: %v", err)
		os.Exit(1)
	}

	var root cli
	kctx := kong.Parse(&root,
		kong.Name("saga-checkout"),
		kong.Description("Checkout task orchestration over the saga engine."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(app))
}

func buildApp(cfg Config, logger saga.Logger) (*appContext, error) {
	var (
		store  saga.ContextStore
		outbox saga.OutboxStore
		locks  saga.LockManager
	)
	switch cfg.Store {
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisStore := sagaredis.NewContextStore(client, 0)
		store = redisStore
		outbox = redisStore
		locks = sagaredis.NewLockManager(client)
	default:
		memStore := saga.NewInMemoryContextStore()
		store = memStore
		outbox = memStore
		locks = saga.NewInMemoryLockManager()
	}

	tasks := saga.NewTaskRegistry()
	if err := tasks.Register(checkoutTask()); err != nil {
		return nil, err
	}

	orchestrator, err := saga.NewOrchestrator(tasks, store, locks,
		saga.WithLogger(logger),
		saga.WithLockTTL(cfg.LockTTL),
		saga.WithOutboxNotifications(),
	)
	if err != nil {
		return nil, err
	}

	notifier := saga.NotifierFunc(func(_ context.Context, n saga.Notification) error {
		payload, _ := json.Marshal(n)
		fmt.Printf("notification %s\n", payload)
		return nil
	})
	dispatcher, err := saga.NewNotificationDispatcher(outbox, notifier,
		saga.WithDispatcherLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	return &appContext{
		orchestrator: orchestrator,
		dispatcher:   dispatcher,
		logger:       logger,
	}, nil
}

func (c *runCmd) Run(app *appContext) error {
	result, err := app.orchestrator.Start(context.Background(), saga.StartRequest{
		RunID:    c.RunID,
		TaskKind: checkoutTaskKind,
		Params: map[string]any{
			"customer_id": c.Customer,
			"order_id":    c.Order,
			"amount":      c.Amount,
		},
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (c *resumeCmd) Run(app *appContext) error {
	event := saga.ExternalEvent{
		CorrelationID: c.Correlation,
		Kind:          saga.ExternalSuccess,
		Payload:       map[string]any{"provider_ref": "pay_" + c.Correlation},
	}
	if c.Fail {
		event.Kind = saga.ExternalFailure
		event.Reason = c.Reason
	}
	result, err := app.orchestrator.HandleExternalEvent(context.Background(), event)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (c *statusCmd) Run(app *appContext) error {
	status, err := app.orchestrator.Status(context.Background(), c.RunID)
	if err != nil {
		return err
	}
	return printJSON(status)
}

func (c *drainCmd) Run(app *appContext) error {
	report, err := app.dispatcher.RunOnce(context.Background())
	if err != nil {
		return err
	}
	return printJSON(report)
}

func printJSON(v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(payload))
	return nil
}

// glogAdapter bridges the structured logger into the engine Logger contract.
type glogAdapter struct {
	logger glog.Logger
}

func newGlogAdapter(level string) glogAdapter {
	return glogAdapter{logger: glog.NewLogger(
		glog.WithName("saga-checkout"),
		glog.WithLevel(level),
	)}
}

func (l glogAdapter) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l glogAdapter) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l glogAdapter) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l glogAdapter) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l glogAdapter) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l glogAdapter) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l glogAdapter) WithContext(ctx context.Context) saga.Logger {
	return glogAdapter{logger: l.logger.WithContext(ctx)}
}

func (l glogAdapter) WithFields(fields map[string]any) saga.Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogAdapter{logger: fl.WithFields(fields)}
	}
	return l
}
