// Package checkpoint persists execution progress after every settle so an
// external layer can resume or audit a run. The engine only writes; recovery
// is the caller's concern.
package checkpoint

import (
	"context"
	"time"

	"github.com/weftlabs/weft/engine/queue"
	"github.com/weftlabs/weft/engine/state"
)

// State is one checkpoint: the snapshot and queue shape right after a settle
type State struct {
	ExecutionID string                    `json:"executionId"`
	Seq         int64                     `json:"seq"`
	Snapshot    *state.Snapshot           `json:"snapshot"`
	Summary     queue.Summary             `json:"summary"`
	Buckets     map[queue.Bucket][]string `json:"buckets"`
	At          time.Time                 `json:"at"`
}

// Sink receives checkpoints. Save errors are logged and absorbed by the
// engine; a failing sink never fails the execution.
type Sink interface {
	Save(ctx context.Context, st State) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, st State) error

func (f SinkFunc) Save(ctx context.Context, st State) error {
	return f(ctx, st)
}
