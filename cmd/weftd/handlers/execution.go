package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/weftlabs/weft/cmd/weftd/container"
	"github.com/weftlabs/weft/common/models"
	"github.com/weftlabs/weft/common/ratelimit"
	"github.com/weftlabs/weft/common/worker"
	"github.com/weftlabs/weft/common/workflows"
	"github.com/weftlabs/weft/engine/scheduler"
	"github.com/weftlabs/weft/engine/stream"
	"github.com/weftlabs/weft/engine/workflow"
)

// ExecutionHandler handles execution lifecycle requests
type ExecutionHandler struct {
	container *container.Container
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(c *container.Container) *ExecutionHandler {
	return &ExecutionHandler{container: c}
}

// StartRequest is the body of POST /api/v1/executions
type StartRequest struct {
	WorkflowID string                 `json:"workflowId"`
	Inputs     map[string]interface{} `json:"inputs"`

	// Async enqueues the run for the worker pool instead of executing
	// in-process. Progress is still streamable via the events endpoint.
	Async bool `json:"async,omitempty"`

	// Stream keeps the request open and delivers events over SSE while
	// the run executes.
	Stream bool `json:"stream,omitempty"`

	MaxConcurrentNodes int `json:"maxConcurrentNodes,omitempty"`
	TimeoutSeconds     int `json:"timeoutSeconds,omitempty"`
}

// Start runs a registered workflow
// POST /api/v1/executions
func (h *ExecutionHandler) Start(c echo.Context) error {
	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, "invalid_request", "malformed request body")
	}
	if req.WorkflowID == "" {
		return errJSON(c, http.StatusBadRequest, "invalid_request", "workflowId is required")
	}
	if req.Async && req.Stream {
		return errJSON(c, http.StatusBadRequest, "invalid_request", "async runs stream via GET /api/v1/executions/:id/events")
	}

	ctx := c.Request().Context()

	wf, err := h.container.Workflows.Get(ctx, req.WorkflowID)
	if err != nil {
		if errors.Is(err, workflows.ErrNotFound) {
			return errJSON(c, http.StatusNotFound, "workflow_not_found", err.Error())
		}
		return errJSON(c, http.StatusInternalServerError, "workflow_load_failed", err.Error())
	}

	if limited, resp := h.enforceTierLimit(c, req.WorkflowID); limited {
		return resp
	}

	execID := uuid.NewString()
	username, _ := c.Get("username").(string)

	if req.Async {
		if err := h.createRecord(ctx, execID, req.WorkflowID, req.Inputs, username); err != nil {
			return errJSON(c, http.StatusInternalServerError, "execution_store_failed", err.Error())
		}
		err := worker.Enqueue(ctx, h.container.RunQueue, h.container.Components.Config.Engine.RunQueueStream, worker.RunRequest{
			ExecutionID: execID,
			WorkflowID:  req.WorkflowID,
			Inputs:      req.Inputs,
			SubmittedBy: username,
		})
		if err != nil {
			return errJSON(c, http.StatusInternalServerError, "enqueue_failed", err.Error())
		}
		return c.JSON(http.StatusAccepted, map[string]interface{}{
			"executionId": execID,
			"status":      models.StatusPending,
		})
	}

	opts := h.container.RunOptions()
	opts.ExecutionID = execID
	if req.MaxConcurrentNodes > 0 {
		opts.MaxConcurrentNodes = req.MaxConcurrentNodes
	}
	if req.TimeoutSeconds > 0 {
		opts.WorkflowTimeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	if req.Stream {
		// subscribe before the run starts so no event is missed
		sub := h.container.Bus.Subscribe(execID)

		if err := h.createRecord(ctx, execID, req.WorkflowID, req.Inputs, username); err != nil {
			sub.Close()
			return errJSON(c, http.StatusInternalServerError, "execution_store_failed", err.Error())
		}

		// the run is detached from the request context: a dropped client
		// stops the stream, not the workflow. WorkflowTimeout still bounds it.
		go func() {
			runCtx := context.Background()
			h.markStarted(runCtx, execID)
			outputs, runErr := h.runWorkflow(runCtx, wf, req.Inputs, opts)
			h.finishRecord(runCtx, execID, outputs, runErr)
		}()

		return stream.ServeSSE(c.Response(), c.Request(), sub, stream.SSEOptions{
			KeepAliveInterval: opts.KeepAliveInterval,
		})
	}

	if err := h.createRecord(ctx, execID, req.WorkflowID, req.Inputs, username); err != nil {
		return errJSON(c, http.StatusInternalServerError, "execution_store_failed", err.Error())
	}
	h.markStarted(ctx, execID)
	outputs, runErr := h.runWorkflow(ctx, wf, req.Inputs, opts)
	h.finishRecord(context.Background(), execID, outputs, runErr)

	status, errKind, errMsg := worker.FinishState(runErr)
	body := map[string]interface{}{
		"executionId": execID,
		"status":      status,
		"outputs":     outputs,
	}
	httpStatus := http.StatusOK
	if runErr != nil {
		body["errorKind"] = *errKind
		body["error"] = *errMsg
		if scheduler.KindOf(runErr) == scheduler.KindInvalidGraph {
			httpStatus = http.StatusBadRequest
		}
	}
	return c.JSON(httpStatus, body)
}

// Status reports a live execution from the engine, falling back to the
// persisted record for finished or queued runs
// GET /api/v1/executions/:id
func (h *ExecutionHandler) Status(c echo.Context) error {
	id := c.Param("id")

	if st, ok := h.container.Engine.ExecutionStatus(id); ok {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"executionId": st.ExecutionID,
			"workflowId":  st.WorkflowID,
			"status":      models.StatusRunning,
			"summary":     st.Summary,
			"buckets":     st.Buckets,
		})
	}

	if h.container.Executions == nil {
		return errJSON(c, http.StatusNotFound, "execution_not_found", "execution is not running on this instance")
	}

	uid, err := uuid.Parse(id)
	if err != nil {
		return errJSON(c, http.StatusBadRequest, "invalid_request", "execution id must be a uuid")
	}
	rec, err := h.container.Executions.GetByID(c.Request().Context(), uid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errJSON(c, http.StatusNotFound, "execution_not_found", "no execution with that id")
		}
		return errJSON(c, http.StatusInternalServerError, "execution_load_failed", err.Error())
	}

	body := map[string]interface{}{
		"executionId": rec.ExecutionID.String(),
		"workflowId":  rec.WorkflowID,
		"status":      rec.Status,
		"createdAt":   rec.CreatedAt,
	}
	if len(rec.Inputs) > 0 {
		body["inputs"] = json.RawMessage(rec.Inputs)
	}
	if len(rec.Outputs) > 0 {
		body["outputs"] = json.RawMessage(rec.Outputs)
	}
	if rec.ErrorKind != nil {
		body["errorKind"] = *rec.ErrorKind
	}
	if rec.ErrorMessage != nil {
		body["error"] = *rec.ErrorMessage
	}
	if rec.StartedAt != nil {
		body["startedAt"] = *rec.StartedAt
	}
	if rec.FinishedAt != nil {
		body["finishedAt"] = *rec.FinishedAt
	}
	return c.JSON(http.StatusOK, body)
}

// Signal resolves a pending wait node
// POST /api/v1/executions/:id/signals/:node
func (h *ExecutionHandler) Signal(c echo.Context) error {
	payload := map[string]interface{}{}
	if err := c.Bind(&payload); err != nil {
		return errJSON(c, http.StatusBadRequest, "invalid_request", "signal payload must be a JSON object")
	}

	res := h.container.Engine.DeliverSignal(c.Param("id"), c.Param("node"), payload)
	if !res.Delivered {
		switch res.Reason {
		case "already-resolved":
			return errJSON(c, http.StatusConflict, "signal_conflict", "wait already resolved")
		default:
			return errJSON(c, http.StatusNotFound, "wait_not_found", "no pending wait for that execution and node")
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"executionId": c.Param("id"),
		"nodeId":      c.Param("node"),
		"delivered":   true,
	})
}

// Cancel stops a running execution
// POST /api/v1/executions/:id/cancel
func (h *ExecutionHandler) Cancel(c echo.Context) error {
	id := c.Param("id")
	if !h.container.Engine.Cancel(id) {
		return errJSON(c, http.StatusNotFound, "execution_not_found", "execution is not running on this instance")
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"executionId": id,
		"status":      "cancelling",
	})
}

// enforceTierLimit applies the workflow-complexity rate limit. When the
// caller is over quota it writes the 429 response and reports limited.
// Limit checks fail open.
func (h *ExecutionHandler) enforceTierLimit(c echo.Context, workflowID string) (bool, error) {
	limiter := h.container.Limiter
	username, _ := c.Get("username").(string)
	if limiter == nil || username == "" {
		return false, nil
	}

	ctx := c.Request().Context()
	def, err := h.container.Workflows.Definition(ctx, workflowID)
	if err != nil {
		return false, nil
	}
	profile := ratelimit.InspectDefinition(def)
	result, err := limiter.CheckTieredLimit(ctx, username, profile.Tier)
	if err != nil || result.Allowed {
		return false, nil
	}

	return true, c.JSON(http.StatusTooManyRequests, map[string]interface{}{
		"error":   "tier_rate_limit_exceeded",
		"message": "You have exceeded the quota for workflows of this complexity.",
		"details": map[string]interface{}{
			"tier":                profile.Tier,
			"llm_nodes":           profile.LLMCount,
			"limit":               result.Limit,
			"window":              "60 seconds",
			"retry_after_seconds": result.RetryAfterSeconds,
		},
	})
}

// runWorkflow executes through the engine, recording the run duration
// when telemetry is enabled
func (h *ExecutionHandler) runWorkflow(ctx context.Context, wf *workflow.Workflow, inputs map[string]interface{}, opts scheduler.Options) (map[string]interface{}, error) {
	if tel := h.container.Components.Telemetry; tel != nil {
		defer tel.RecordDuration("workflow_run", time.Now())
	}
	return h.container.Engine.Run(ctx, wf, inputs, opts)
}

// createRecord persists the pending execution row when the repository is up
func (h *ExecutionHandler) createRecord(ctx context.Context, execID, workflowID string, inputs map[string]interface{}, username string) error {
	if h.container.Executions == nil {
		return nil
	}
	uid, err := uuid.Parse(execID)
	if err != nil {
		return err
	}
	inputsJSON, err := json.Marshal(inputs)
	if err != nil {
		return err
	}
	rec := &models.Execution{
		ExecutionID: uid,
		WorkflowID:  workflowID,
		Status:      models.StatusPending,
		Inputs:      inputsJSON,
		CreatedAt:   time.Now().UTC(),
	}
	if username != "" {
		rec.SubmittedBy = &username
	}
	return h.container.Executions.Create(ctx, rec)
}

func (h *ExecutionHandler) markStarted(ctx context.Context, execID string) {
	if h.container.Executions == nil {
		return
	}
	uid, err := uuid.Parse(execID)
	if err != nil {
		return
	}
	if err := h.container.Executions.MarkStarted(ctx, uid); err != nil {
		h.container.Components.Logger.Warn("failed to mark execution started", "execution_id", execID, "error", err)
	}
}

// finishRecord is best effort: a persistence failure must not mask the
// run outcome already delivered to the caller.
func (h *ExecutionHandler) finishRecord(ctx context.Context, execID string, outputs map[string]interface{}, runErr error) {
	if h.container.Executions == nil {
		return
	}
	uid, err := uuid.Parse(execID)
	if err != nil {
		return
	}
	status, errKind, errMsg := worker.FinishState(runErr)
	var outputsJSON []byte
	if outputs != nil {
		outputsJSON, _ = json.Marshal(outputs)
	}
	if err := h.container.Executions.MarkFinished(ctx, uid, status, outputsJSON, errKind, errMsg); err != nil {
		h.container.Components.Logger.Warn("failed to mark execution finished", "execution_id", execID, "error", err)
	}
}
