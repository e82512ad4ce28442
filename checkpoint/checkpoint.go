// Package checkpoint provides point-in-time snapshots of workflow run state
// and the storage contract used to persist them. A checkpoint captures the
// mailbox, shared state, and per-executor state blobs of a run, tagged with
// a graph signature that gates resumption against a structurally identical
// workflow.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// Storage errors
var (
	ErrNotFound = errors.New("checkpoint not found")
)

// CheckpointType distinguishes how a checkpoint was taken.
const (
	// TypeSuperstep marks the automatic checkpoint taken at each superstep
	// barrier.
	TypeSuperstep = "superstep"
)

// Metadata carries the structural context a checkpoint was taken in.
type Metadata struct {
	// GraphSignature is the structural hash of the workflow topology.
	// Restoring against a workflow with a different signature fails.
	GraphSignature string `json:"graph_signature" yaml:"graph_signature"`

	// Superstep is the superstep index after which the snapshot was taken.
	Superstep int `json:"superstep" yaml:"superstep"`

	// CheckpointType records how the checkpoint was produced.
	CheckpointType string `json:"checkpoint_type" yaml:"checkpoint_type"`
}

// EncodedMessage is a serialized in-flight message. Data holds the payload
// in tagged-value form (see Encode).
type EncodedMessage struct {
	Data     any    `json:"data" yaml:"data"`
	SourceID string `json:"source_id" yaml:"source_id"`
	TargetID string `json:"target_id,omitempty" yaml:"target_id,omitempty"`
}

// Checkpoint is a fully serializable snapshot of a workflow run: pending
// messages keyed by source executor ID, messages buffered inside stateful
// edge groups, the shared state, per-executor state blobs, and iteration
// bookkeeping. All payload fields are stored in tagged-value form.
type Checkpoint struct {
	ID             string                      `json:"id" yaml:"id"`
	WorkflowID     string                      `json:"workflow_id" yaml:"workflow_id"`
	Messages       map[string][]EncodedMessage `json:"messages" yaml:"messages"`

	// EdgeStates holds messages absorbed by an edge group but not yet
	// delivered (fan-in rounds awaiting the last contribution), keyed by
	// group signature and then by source ID.
	EdgeStates map[string]map[string][]EncodedMessage `json:"edge_states,omitempty" yaml:"edge_states,omitempty"`

	SharedState    any            `json:"shared_state" yaml:"shared_state"`
	ExecutorStates map[string]any `json:"executor_states" yaml:"executor_states"`
	IterationCount int            `json:"iteration_count" yaml:"iteration_count"`
	MaxIterations  int            `json:"max_iterations" yaml:"max_iterations"`
	Metadata       Metadata       `json:"metadata" yaml:"metadata"`
	CreatedAt      time.Time      `json:"created_at" yaml:"created_at"`
}

// Storage persists checkpoints. Implementations must be safe for concurrent
// use; durability semantics are implementation-defined.
type Storage interface {
	// Save persists the checkpoint and returns its ID, assigning one if the
	// checkpoint has none.
	Save(ctx context.Context, cp *Checkpoint) (string, error)

	// Load retrieves a checkpoint by ID. Returns ErrNotFound if absent.
	Load(ctx context.Context, id string) (*Checkpoint, error)

	// List returns checkpoints for a workflow, oldest first. An empty
	// workflowID lists all checkpoints.
	List(ctx context.Context, workflowID string) ([]*Checkpoint, error)

	// Delete removes a checkpoint by ID. Deleting a missing checkpoint
	// returns ErrNotFound.
	Delete(ctx context.Context, id string) error
}
