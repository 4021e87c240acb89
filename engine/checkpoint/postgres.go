package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/common/models"
)

// CheckpointStore persists checkpoint rows. The execution repository
// satisfies it.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
}

// PostgresSink appends every checkpoint as a row, giving a full progress
// history per execution. Requires UUID execution ids.
type PostgresSink struct {
	store CheckpointStore
}

// NewPostgresSink creates a sink backed by the execution repository
func NewPostgresSink(store CheckpointStore) *PostgresSink {
	return &PostgresSink{store: store}
}

// Save inserts one checkpoint row
func (s *PostgresSink) Save(ctx context.Context, st State) error {
	id, err := uuid.Parse(st.ExecutionID)
	if err != nil {
		return fmt.Errorf("execution id %q is not a uuid: %w", st.ExecutionID, err)
	}
	snapshot, err := json.Marshal(st.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	summary, err := json.Marshal(st.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	return s.store.SaveCheckpoint(ctx, &models.Checkpoint{
		ExecutionID:  id,
		Seq:          st.Seq,
		Snapshot:     snapshot,
		QueueSummary: summary,
		CreatedAt:    st.At,
	})
}
