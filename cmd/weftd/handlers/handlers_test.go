package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/cmd/weftd/container"
	"github.com/weftlabs/weft/common/bootstrap"
	"github.com/weftlabs/weft/common/cache"
	"github.com/weftlabs/weft/common/config"
	"github.com/weftlabs/weft/common/logger"
	"github.com/weftlabs/weft/common/queue"
	"github.com/weftlabs/weft/common/workflows"
	"github.com/weftlabs/weft/engine/bus"
	"github.com/weftlabs/weft/engine/executor"
	enginehandlers "github.com/weftlabs/weft/engine/handlers"
	"github.com/weftlabs/weft/engine/scheduler"
	"github.com/weftlabs/weft/engine/waits"
	"github.com/weftlabs/weft/engine/workflow"
)

// memoryBackend keeps workflow hashes in a map so handler tests run
// without redis
type memoryBackend struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{hashes: make(map[string]map[string]string)}
}

func (b *memoryBackend) SetHash(ctx context.Context, key, field, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hashes[key] == nil {
		b.hashes[key] = make(map[string]string)
	}
	b.hashes[key][field] = value
	return nil
}

func (b *memoryBackend) GetAllHash(ctx context.Context, key string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.hashes[key]))
	for k, v := range b.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// newTestContainer wires a full container around in-memory backends. No
// repository and no limiter, so handlers exercise their nil paths.
func newTestContainer(t *testing.T) *container.Container {
	t.Helper()
	log := logger.New("error", "json")

	cfg := &config.Config{
		Service: config.ServiceConfig{Name: "weftd-test"},
		Engine: config.EngineConfig{
			MaxConcurrentNodes: 4,
			WorkflowTimeout:    5 * time.Second,
			RunQueueStream:     "weft:runs",
			RunQueueGroup:      "weft-workers",
		},
		Streaming: config.StreamingConfig{
			KeepAliveInterval: time.Second,
			TerminalFlush:     time.Millisecond,
		},
	}

	b := bus.New()
	coord := waits.NewCoordinator(waits.WithLogger(log))
	registry := executor.NewRegistry()
	enginehandlers.Register(registry, enginehandlers.Deps{Waits: coord, Logger: log})
	eng := scheduler.New(registry,
		scheduler.WithBus(b),
		scheduler.WithWaits(coord),
		scheduler.WithLogger(log),
	)

	return &container.Container{
		Components: &bootstrap.Components{Config: cfg, Logger: log},
		Bus:        b,
		Engine:     eng,
		Workflows:  workflows.NewStore(newMemoryBackend(), cache.NewMemoryCache(log), log),
		RunQueue:   queue.NewMemoryQueue(log),
	}
}

func echoDefinition(id string) *workflow.Definition {
	return &workflow.Definition{
		ID:   id,
		Name: "echo",
		Nodes: []workflow.DefinitionNode{
			{ID: "in", Type: workflow.NodeInput},
			{ID: "out", Type: workflow.NodeOutput},
		},
		Edges:      []workflow.DefinitionEdge{{Source: "in", Target: "out"}},
		EntryPoint: "in",
	}
}

// gateDefinition blocks on a wait node between input and output
func gateDefinition(id string) *workflow.Definition {
	return &workflow.Definition{
		ID:   id,
		Name: "approval gate",
		Nodes: []workflow.DefinitionNode{
			{ID: "in", Type: workflow.NodeInput},
			{ID: "gate", Type: workflow.NodeWait, Config: map[string]interface{}{"waitType": "human-input"}},
			{ID: "out", Type: workflow.NodeOutput},
		},
		Edges: []workflow.DefinitionEdge{
			{Source: "in", Target: "gate"},
			{Source: "gate", Target: "out"},
		},
		EntryPoint: "in",
	}
}

func registerWorkflow(t *testing.T, c *container.Container, def *workflow.Definition) *workflow.Workflow {
	t.Helper()
	wf, err := c.Workflows.Register(context.Background(), def)
	require.NoError(t, err)
	return wf
}

// request builds an echo context with an optional JSON body
func request(t *testing.T, e *echo.Echo, method, target string, body interface{}) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func rawRequest(e *echo.Echo, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

// waitForEvent drains frames until the wanted event arrives
func waitForEvent(t *testing.T, sub *bus.Subscriber, event bus.EventType) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-sub.Frames():
			require.True(t, ok, "stream closed before %s", event)
			if f.Event == event {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}
