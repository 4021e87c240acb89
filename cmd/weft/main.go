// weft runs a workflow definition in-process, without the weftd service.
// Events stream to stderr, final outputs print as JSON on stdout.
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

	"github.com/google/uuid"

	"github.com/weftlabs/weft/common/logger"
	"github.com/weftlabs/weft/engine/bus"
	"github.com/weftlabs/weft/engine/executor"
	"github.com/weftlabs/weft/engine/handlers"
	"github.com/weftlabs/weft/engine/scheduler"
	"github.com/weftlabs/weft/engine/waits"
	"github.com/weftlabs/weft/engine/workflow"
)

func main() {
	var (
		workflowPath  = flag.String("workflow", "", "path to a workflow definition JSON file")
		inputsJSON    = flag.String("inputs", "{}", "run inputs as a JSON object")
		streamEvents  = flag.Bool("stream", false, "print execution events to stderr")
		maxConcurrent = flag.Int("max-concurrent", 0, "max nodes running at once (0 = definition default)")
		timeout       = flag.Duration("timeout", 5*time.Minute, "workflow timeout")
		logLevel      = flag.String("log-level", "error", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	if *workflowPath == "" {
		fmt.Fprintln(os.Stderr, "usage: weft -workflow flow.json [-inputs '{...}'] [-stream]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(*workflowPath, *inputsJSON, *streamEvents, *maxConcurrent, *timeout, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "weft: %v\n", err)
		os.Exit(1)
	}
}

func run(path, inputsJSON string, streamEvents bool, maxConcurrent int, timeout time.Duration, logLevel string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read workflow: %w", err)
	}
	var def workflow.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return fmt.Errorf("parse workflow: %w", err)
	}
	wf, err := workflow.Build(&def)
	if err != nil {
		return err
	}

	inputs := map[string]interface{}{}
	if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
		return fmt.Errorf("parse inputs: %w", err)
	}

	log := logger.New(logLevel, "console")
	b := bus.New()
	coord := waits.NewCoordinator(waits.WithLogger(log))
	registry := executor.NewRegistry()
	handlers.Register(registry, handlers.Deps{
		Waits:  coord,
		Logger: log,
		LLM: handlers.LLMOptions{
			APIKey:       os.Getenv("OPENAI_API_KEY"),
			BaseURL:      os.Getenv("OPENAI_BASE_URL"),
			DefaultModel: os.Getenv("OPENAI_DEFAULT_MODEL"),
		},
	})
	eng := scheduler.New(registry,
		scheduler.WithBus(b),
		scheduler.WithWaits(coord),
		scheduler.WithLogger(log),
	)

	opts := scheduler.Options{
		ExecutionID:        uuid.NewString(),
		MaxConcurrentNodes: maxConcurrent,
		WorkflowTimeout:    timeout,
	}

	printerDone := make(chan struct{})
	if streamEvents {
		sub := b.Subscribe(opts.ExecutionID)
		go printEvents(sub, printerDone)
	} else {
		close(printerDone)
	}

	// ctrl-c cancels the run; the engine settles in-flight nodes and
	// returns a Cancelled error
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outputs, runErr := eng.Run(ctx, wf, inputs, opts)

	if streamEvents {
		// the terminal event closes the subscriber after the flush window
		select {
		case <-printerDone:
		case <-time.After(2 * scheduler.DefaultTerminalFlush):
		}
	}

	if runErr != nil {
		return runErr
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(outputs)
}

// printEvents writes one line per event: the event name and its payload
func printEvents(sub *bus.Subscriber, done chan<- struct{}) {
	defer close(done)
	for f := range sub.Frames() {
		if f.Comment != "" {
			continue
		}
		data, err := json.Marshal(f.Data)
		if err != nil {
			data = []byte("{}")
		}
		fmt.Fprintf(os.Stderr, "%-19s %s\n", f.Event, data)
	}
}
