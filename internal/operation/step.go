package operation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/chanmgr/internal/model"
	"github.com/roach88/chanmgr/internal/store"
)

// Step is one resumable unit of an operation.
type Step struct {
	Name string
	Run  func(ctx context.Context, r *Run) Result
}

// Definition is the step plan of one operation type.
type Definition struct {
	Type  model.OperationType
	Steps []Step
}

// StepIndex returns the cursor value of the named step, or -1.
func (d Definition) StepIndex(name string) int {
	for i, s := range d.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

type resultKind int

const (
	resultNext resultKind = iota + 1
	resultGoto
	resultSuspend
	resultDone
	resultFail
)

// Result tells the Manager what to do after a step.
type Result struct {
	kind     resultKind
	target   int
	response any
	err      error
}

// Next advances to the following step.
func Next() Result { return Result{kind: resultNext} }

// Goto moves the cursor to an arbitrary step.
func Goto(step int) Result { return Result{kind: resultGoto, target: step} }

// Suspend parks the operation at its current step until Resume.
func Suspend() Result { return Result{kind: resultSuspend} }

// Done finishes the operation with response.
func Done(response any) Result { return Result{kind: resultDone, response: response} }

// Fail finishes the operation with err if err carries a model.Code.
// Any other error is treated as transient and the step is retried.
func Fail(err error) Result { return Result{kind: resultFail, err: err} }

// Run is the view of an operation handed to a step.
//
// State and metadata changes made through SetState and SetMetadata are
// persisted by the Manager when the step returns, or earlier by Commit.
type Run struct {
	Op model.Operation

	cursor   int
	state    json.RawMessage
	metadata json.RawMessage
}

func newRun(op model.Operation) *Run {
	return &Run{Op: op, cursor: op.Cursor, state: op.State}
}

// Payload decodes the immutable request into v.
func (r *Run) Payload(v any) error {
	if err := json.Unmarshal(r.Op.Payload, v); err != nil {
		return fmt.Errorf("decode payload of %s: %w", r.Op.ID, err)
	}
	return nil
}

// State decodes the step-private state into v. An empty state leaves v
// untouched.
func (r *Run) State(v any) error {
	if len(r.state) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.state, v); err != nil {
		return fmt.Errorf("decode state of %s: %w", r.Op.ID, err)
	}
	return nil
}

// SetState replaces the step-private state.
func (r *Run) SetState(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode state of %s: %w", r.Op.ID, err)
	}
	r.state = data
	return nil
}

// SetMetadata replaces the client-visible metadata.
func (r *Run) SetMetadata(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode metadata of %s: %w", r.Op.ID, err)
	}
	r.metadata = data
	return nil
}

// Commit persists state, metadata and the cursor of the following step
// inside tx, so they commit atomically with the step's own mutation.
func (r *Run) Commit(tx *store.Tx) error {
	return r.CommitAt(tx, r.Op.Cursor+1)
}

// CommitAt is Commit with an explicit cursor. A step that commits and
// then returns Suspend stays parked at the committed cursor.
func (r *Run) CommitAt(tx *store.Tx, cursor int) error {
	if _, err := tx.SaveProgress(r.Op.ID, cursor, r.state, r.metadata); err != nil {
		return err
	}
	r.cursor = cursor
	return nil
}
