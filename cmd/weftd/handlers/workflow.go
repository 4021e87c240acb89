package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/weftlabs/weft/cmd/weftd/container"
	"github.com/weftlabs/weft/common/validation"
	"github.com/weftlabs/weft/common/workflows"
	"github.com/weftlabs/weft/engine/workflow"
)

// WorkflowHandler handles workflow registration, retrieval and patching
type WorkflowHandler struct {
	container *container.Container
	validator *validation.PatchValidator
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(c *container.Container) *WorkflowHandler {
	return &WorkflowHandler{
		container: c,
		validator: validation.NewPatchValidator(),
	}
}

// Register validates and stores a workflow definition
// POST /api/v1/workflows
func (h *WorkflowHandler) Register(c echo.Context) error {
	var def workflow.Definition
	if err := c.Bind(&def); err != nil {
		return errJSON(c, http.StatusBadRequest, "invalid_request", "request body must be a workflow definition")
	}

	// validate before touching storage so graph errors map to 400
	if _, err := workflow.Build(&def); err != nil {
		return errJSON(c, http.StatusBadRequest, "invalid_workflow", err.Error())
	}

	wf, err := h.container.Workflows.Register(c.Request().Context(), &def)
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, "workflow_store_failed", err.Error())
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"workflowId": wf.ID,
		"name":       wf.Name,
		"nodes":      len(wf.Nodes),
		"entryPoint": wf.TriggerNodeID,
	})
}

// Patch applies an RFC 6902 patch to a stored definition. The patched
// graph must still build.
// PATCH /api/v1/workflows/:id
func (h *WorkflowHandler) Patch(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return errJSON(c, http.StatusBadRequest, "invalid_request", "unable to read request body")
	}

	var ops []map[string]interface{}
	if err := json.Unmarshal(body, &ops); err != nil {
		return errJSON(c, http.StatusBadRequest, "invalid_request", "request body must be a JSON Patch array")
	}
	if err := h.validator.ValidateOperations(ops); err != nil {
		return errJSON(c, http.StatusBadRequest, "invalid_patch", err.Error())
	}

	wf, err := h.container.Workflows.Patch(c.Request().Context(), c.Param("id"), body)
	if err != nil {
		switch {
		case errors.Is(err, workflows.ErrNotFound):
			return errJSON(c, http.StatusNotFound, "workflow_not_found", err.Error())
		case errors.Is(err, workflows.ErrInvalidPatch):
			return errJSON(c, http.StatusBadRequest, "invalid_patch", err.Error())
		default:
			return errJSON(c, http.StatusInternalServerError, "workflow_store_failed", err.Error())
		}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflowId": wf.ID,
		"name":       wf.Name,
		"nodes":      len(wf.Nodes),
		"entryPoint": wf.TriggerNodeID,
	})
}

// Get returns a stored workflow definition
// GET /api/v1/workflows/:id
func (h *WorkflowHandler) Get(c echo.Context) error {
	def, err := h.container.Workflows.Definition(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, workflows.ErrNotFound) {
			return errJSON(c, http.StatusNotFound, "workflow_not_found", err.Error())
		}
		return errJSON(c, http.StatusInternalServerError, "workflow_load_failed", err.Error())
	}
	return c.JSON(http.StatusOK, def)
}
