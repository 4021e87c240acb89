// Package container assembles the weftd service: one engine, one bus, one
// workflow store, shared by every handler.
package container

import (
	"context"

	"github.com/weftlabs/weft/common/bootstrap"
	"github.com/weftlabs/weft/common/queue"
	"github.com/weftlabs/weft/common/ratelimit"
	"github.com/weftlabs/weft/common/repository"
	"github.com/weftlabs/weft/common/worker"
	"github.com/weftlabs/weft/common/workflows"
	"github.com/weftlabs/weft/engine/bus"
	"github.com/weftlabs/weft/engine/checkpoint"
	"github.com/weftlabs/weft/engine/executor"
	"github.com/weftlabs/weft/engine/handlers"
	"github.com/weftlabs/weft/engine/relay"
	"github.com/weftlabs/weft/engine/scheduler"
	"github.com/weftlabs/weft/engine/waits"
)

// Container holds the initialized services (singleton pattern)
type Container struct {
	Components *bootstrap.Components

	Bus       *bus.Bus
	Engine    *scheduler.Engine
	Workflows *workflows.Store
	RunQueue  queue.Queue

	// Executions is nil when postgres is disabled; handlers fall back to
	// live engine state only.
	Executions *repository.ExecutionRepository

	// Limiter is nil when rate limiting is disabled
	Limiter *ratelimit.RateLimiter

	// Relay is nil unless the cluster relay is enabled
	Relay *relay.Subscriber

	// Workers is nil when the instance runs no queue consumers
	Workers *worker.Pool

	sink checkpoint.Sink
}

// New initializes all services once
func New(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	b := bus.New()

	waitOpts := []waits.Option{waits.WithLogger(log)}
	if cfg.Waits.WebhookURL != "" {
		waitOpts = append(waitOpts, waits.WithNotifier(waits.NewWebhookNotifier(cfg.Waits.WebhookURL)))
	}
	coord := waits.NewCoordinator(waitOpts...)

	registry := executor.NewRegistry()
	handlers.Register(registry, handlers.Deps{
		Waits:  coord,
		Logger: log,
		LLM: handlers.LLMOptions{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			DefaultModel: cfg.LLM.DefaultModel,
			MaxRetries:   cfg.LLM.MaxRetries,
		},
	})

	engineOpts := []scheduler.Option{
		scheduler.WithBus(b),
		scheduler.WithWaits(coord),
		scheduler.WithLogger(log),
	}

	var relaySub *relay.Subscriber
	if cfg.Streaming.RelayEnabled {
		pub, sub := relay.New(b, components.Redis,
			relay.WithLogger(log),
			relay.WithTerminalFlush(cfg.Streaming.TerminalFlush),
		)
		engineOpts = append(engineOpts, scheduler.WithPublisher(pub))
		relaySub = sub
	}

	eng := scheduler.New(registry, engineOpts...)

	// checkpoints always land in redis; postgres rows are added when the
	// database is up
	redisSink := checkpoint.NewRedisSink(components.Redis)
	var sink checkpoint.Sink = redisSink
	var execRepo *repository.ExecutionRepository
	if components.DB != nil {
		execRepo = repository.NewExecutionRepository(components.DB)
		pgSink := checkpoint.NewPostgresSink(execRepo)
		sink = checkpoint.SinkFunc(func(ctx context.Context, st checkpoint.State) error {
			if err := redisSink.Save(ctx, st); err != nil {
				return err
			}
			return pgSink.Save(ctx, st)
		})
	}

	var limiter *ratelimit.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), log)
	}

	c := &Container{
		Components: components,
		Bus:        b,
		Engine:     eng,
		Workflows:  workflows.NewStore(components.Redis, components.Cache, log),
		RunQueue:   queue.NewRedisStreamQueue(components.Redis, cfg.Engine.RunQueueGroup, log),
		Executions: execRepo,
		Limiter:    limiter,
		Relay:      relaySub,
		sink:       sink,
	}

	if cfg.Engine.WorkerCount > 0 {
		var records worker.Records
		if execRepo != nil {
			records = execRepo
		}
		c.Workers = worker.NewPool(worker.Config{
			Queue:   c.RunQueue,
			Stream:  cfg.Engine.RunQueueStream,
			Workers: cfg.Engine.WorkerCount,
			Store:   c.Workflows,
			Engine:  eng,
			Records: records,
			Claims:  components.Redis,
			Options: c.RunOptions(),
			Logger:  log,
		})
	}

	return c, nil
}

// RunOptions is the per-run option baseline from config. Callers set the
// execution id on their copy.
func (c *Container) RunOptions() scheduler.Options {
	cfg := c.Components.Config
	return scheduler.Options{
		MaxConcurrentNodes: cfg.Engine.MaxConcurrentNodes,
		WorkflowTimeout:    cfg.Engine.WorkflowTimeout,
		KeepAliveInterval:  cfg.Streaming.KeepAliveInterval,
		TerminalFlush:      cfg.Streaming.TerminalFlush,
		Checkpoint:         c.sink,
	}
}
