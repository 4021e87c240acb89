// Package worker drains the async run queue: each worker claims queued
// execution requests, resolves the workflow, runs the engine and persists
// the outcome. Requests are acked only after a run attempt, so a crashed
// worker's requests are redelivered; the claim key keeps a redelivered
// request from running twice.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/common/logger"
	"github.com/weftlabs/weft/common/models"
	"github.com/weftlabs/weft/common/queue"
	"github.com/weftlabs/weft/common/workflows"
	"github.com/weftlabs/weft/engine/scheduler"
)

// DefaultClaimTTL is how long a claim key blocks duplicate runs
const DefaultClaimTTL = 24 * time.Hour

// RunRequest is the queued form of an execution start
type RunRequest struct {
	ExecutionID string                 `json:"executionId"`
	WorkflowID  string                 `json:"workflowId"`
	Inputs      map[string]interface{} `json:"inputs,omitempty"`
	SubmittedBy string                 `json:"submittedBy,omitempty"`
	CreatedAt   int64                  `json:"createdAt"`
}

// Enqueue puts a run request onto the stream
func Enqueue(ctx context.Context, q queue.Queue, stream string, req RunRequest) error {
	if req.CreatedAt == 0 {
		req.CreatedAt = time.Now().Unix()
	}
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal run request: %w", err)
	}
	return q.Publish(ctx, stream, req.ExecutionID, b)
}

// Records persists execution lifecycle transitions. The
// common/repository execution repository satisfies it.
type Records interface {
	MarkStarted(ctx context.Context, executionID uuid.UUID) error
	MarkFinished(ctx context.Context, executionID uuid.UUID, status models.ExecutionStatus, outputs []byte, errorKind, errorMessage *string) error
}

// Claims guards against running a redelivered request twice. The
// common/redis client satisfies it.
type Claims interface {
	SetNX(ctx context.Context, key, value string, expiry time.Duration) (bool, error)
}

// Config assembles a pool's collaborators
type Config struct {
	Queue   queue.Queue
	Stream  string
	Workers int

	Store  *workflows.Store
	Engine *scheduler.Engine

	// Records and Claims are optional; without them runs are not persisted
	// and redelivered requests re-run.
	Records Records
	Claims  Claims

	// Options is the per-run baseline; the request's execution id is set on
	// a copy for each run.
	Options scheduler.Options

	Logger *logger.Logger
}

// Pool consumes run requests with a set of concurrent workers
type Pool struct {
	queue   queue.Queue
	stream  string
	workers int

	store   *workflows.Store
	engine  *scheduler.Engine
	records Records
	claims  Claims
	opts    scheduler.Options

	log *logger.Logger
}

// NewPool creates a pool; Workers defaults to 1
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Pool{
		queue:   cfg.Queue,
		stream:  cfg.Stream,
		workers: cfg.Workers,
		store:   cfg.Store,
		engine:  cfg.Engine,
		records: cfg.Records,
		claims:  cfg.Claims,
		opts:    cfg.Options,
		log:     cfg.Logger,
	}
}

// Start subscribes the workers and returns; they run until ctx ends
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.workers; i++ {
		if err := p.queue.Subscribe(ctx, p.stream, p.handle); err != nil {
			return fmt.Errorf("failed to start worker %d: %w", i, err)
		}
	}
	p.log.Info("worker pool started", "stream", p.stream, "workers", p.workers)
	return nil
}

// handle processes one queued request. A returned error leaves the message
// unacked for redelivery; anything that would fail the same way again is
// logged and acked instead.
func (p *Pool) handle(ctx context.Context, key string, value []byte) error {
	var req RunRequest
	if err := json.Unmarshal(value, &req); err != nil {
		p.log.Error("dropping unreadable run request", "key", key, "error", err)
		return nil
	}
	if req.ExecutionID == "" || req.WorkflowID == "" {
		p.log.Error("dropping incomplete run request",
			"execution_id", req.ExecutionID, "workflow_id", req.WorkflowID)
		return nil
	}

	wf, err := p.store.Get(ctx, req.WorkflowID)
	if err != nil {
		if errors.Is(err, workflows.ErrNotFound) {
			p.log.Error("workflow gone, failing run",
				"execution_id", req.ExecutionID, "workflow_id", req.WorkflowID)
			p.persistFinished(ctx, req, nil, &scheduler.Error{
				Kind: scheduler.KindInvalidGraph,
				Err:  err,
			})
			return nil
		}
		// transient: no claim taken yet, safe to redeliver
		return fmt.Errorf("failed to resolve workflow %s: %w", req.WorkflowID, err)
	}

	if p.claims != nil {
		claimed, err := p.claims.SetNX(ctx, "run:claimed:"+req.ExecutionID, "1", DefaultClaimTTL)
		if err != nil {
			return fmt.Errorf("failed to claim run %s: %w", req.ExecutionID, err)
		}
		if !claimed {
			p.log.Debug("run already claimed, skipping", "execution_id", req.ExecutionID)
			return nil
		}
	}

	p.log.Info("running queued execution",
		"execution_id", req.ExecutionID, "workflow_id", req.WorkflowID,
		"submitted_by", req.SubmittedBy)

	p.persistStarted(ctx, req)

	opts := p.opts
	opts.ExecutionID = req.ExecutionID
	outputs, runErr := p.engine.Run(ctx, wf, req.Inputs, opts)

	p.persistFinished(ctx, req, outputs, runErr)
	return nil
}

func (p *Pool) persistStarted(ctx context.Context, req RunRequest) {
	if p.records == nil {
		return
	}
	id, err := uuid.Parse(req.ExecutionID)
	if err != nil {
		p.log.Warn("execution id is not a uuid, skipping records",
			"execution_id", req.ExecutionID)
		return
	}
	if err := p.records.MarkStarted(ctx, id); err != nil {
		p.log.Warn("failed to mark execution started",
			"execution_id", req.ExecutionID, "error", err)
	}
}

func (p *Pool) persistFinished(ctx context.Context, req RunRequest, outputs map[string]interface{}, runErr error) {
	if p.records == nil {
		return
	}
	id, err := uuid.Parse(req.ExecutionID)
	if err != nil {
		return
	}

	status, errorKind, errorMessage := FinishState(runErr)

	var outJSON []byte
	if outputs != nil {
		if outJSON, err = json.Marshal(outputs); err != nil {
			p.log.Warn("failed to marshal outputs",
				"execution_id", req.ExecutionID, "error", err)
			outJSON = nil
		}
	}

	if err := p.records.MarkFinished(ctx, id, status, outJSON, errorKind, errorMessage); err != nil {
		p.log.Warn("failed to mark execution finished",
			"execution_id", req.ExecutionID, "error", err)
	}
}

// FinishState maps a run error onto the execution record's terminal fields
func FinishState(runErr error) (models.ExecutionStatus, *string, *string) {
	if runErr == nil {
		return models.StatusCompleted, nil, nil
	}

	status := models.StatusFailed
	kind := string(scheduler.KindOf(runErr))
	if kind == "" {
		kind = "Internal"
	}
	if scheduler.KindOf(runErr) == scheduler.KindCancelled {
		status = models.StatusCancelled
	}
	msg := runErr.Error()
	return status, &kind, &msg
}
