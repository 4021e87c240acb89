// Package telemetry exposes the runtime of a weft process: a pprof
// listener for profiling and a periodic sampler that logs scheduler
// pressure (goroutines, heap) without an external metrics stack.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"time"

	"github.com/weftlabs/weft/common/logger"
)

// DefaultSampleInterval is how often the runtime sampler logs.
const DefaultSampleInterval = 30 * time.Second

// Telemetry holds observability components
type Telemetry struct {
	log            *logger.Logger
	pprofAddr      string
	sampleInterval time.Duration
}

// New creates telemetry components
func New(pprofPort int, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log:            log,
		pprofAddr:      fmt.Sprintf("localhost:%d", pprofPort),
		sampleInterval: DefaultSampleInterval,
	}
}

// Start launches the pprof listener and the runtime sampler. Both stop
// when ctx is cancelled.
func (t *Telemetry) Start(ctx context.Context) error {
	srv := &http.Server{Addr: t.pprofAddr}
	go func() {
		t.log.Info("pprof server starting", "addr", t.pprofAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.log.Error("pprof server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	hostname, _ := os.Hostname()
	t.log.Info("runtime environment",
		"host", hostname,
		"os", runtime.GOOS,
		"arch", runtime.GOARCH,
		"cpus", runtime.NumCPU(),
		"go", runtime.Version(),
	)

	go t.sample(ctx)
	return nil
}

// sample logs runtime pressure on a fixed interval until ctx ends. Debug
// level keeps it quiet unless someone is watching.
func (t *Telemetry) sample(ctx context.Context) {
	ticker := time.NewTicker(t.sampleInterval)
	defer ticker.Stop()

	var mem runtime.MemStats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runtime.ReadMemStats(&mem)
			t.log.Debug("runtime sample",
				"goroutines", runtime.NumGoroutine(),
				"heap_mb", mem.HeapAlloc/(1<<20),
				"heap_objects", mem.HeapObjects,
				"gc_cycles", mem.NumGC,
				"gc_pause_total_ms", time.Duration(mem.PauseTotalNs).Milliseconds(),
			)
		}
	}
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}

// RecordEvent records a telemetry event
func (t *Telemetry) RecordEvent(event string, attrs map[string]any) {
	t.log.Info("telemetry_event",
		"event", event,
		"attrs", attrs,
	)
}
