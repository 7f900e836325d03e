package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/chanmgr/internal/model"
)

const operationColumns = `id, type, channel_id, execution_id, idempotency_key, request_hash, done, cursor,
	payload, state, metadata, response, error_code, error_message, created_at, updated_at`

// CreateOperation inserts op unless an operation with the same idempotency
// key exists. Returns the stored operation and whether it was created by
// this call.
//
// Uses INSERT ... ON CONFLICT(idempotency_key) DO NOTHING so N concurrent
// identical requests create exactly one row.
func (t *Tx) CreateOperation(op model.Operation) (model.Operation, bool, error) {
	payload := string(op.Payload)
	if payload == "" {
		payload = "{}"
	}
	state := string(op.State)
	if state == "" {
		state = "{}"
	}

	res, err := t.exec(`
		INSERT INTO operations
		(id, type, channel_id, execution_id, idempotency_key, request_hash, done, cursor,
		 payload, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`,
		op.ID,
		string(op.Type),
		op.ChannelID,
		op.ExecutionID,
		op.IdempotencyKey,
		op.RequestHash,
		payload,
		state,
		t.timestamp(),
		t.timestamp(),
	)
	if err != nil {
		return model.Operation{}, false, fmt.Errorf("create operation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return model.Operation{}, false, fmt.Errorf("create operation: rows affected: %w", err)
	}

	if n > 0 {
		stored, err := t.GetOperation(op.ID)
		return stored, true, err
	}

	row := t.queryRow(`SELECT `+operationColumns+` FROM operations WHERE idempotency_key = ?`,
		op.IdempotencyKey)
	existing, err := scanOperation(row)
	if err != nil {
		return model.Operation{}, false, fmt.Errorf("create operation: select existing: %w", err)
	}
	return existing, false, nil
}

// GetOperation returns an operation by id, or NOT_FOUND.
func (t *Tx) GetOperation(id string) (model.Operation, error) {
	row := t.queryRow(`SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Operation{}, model.NotFound("operation %s not found", id)
	}
	if err != nil {
		return model.Operation{}, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

// SaveProgress records the cursor, private state and client-visible
// metadata of a not-done operation. A nil metadata leaves it unchanged.
// Returns false if the operation is already done.
func (t *Tx) SaveProgress(id string, cursor int, state, metadata json.RawMessage) (bool, error) {
	if len(state) == 0 {
		state = json.RawMessage("{}")
	}
	var res sql.Result
	var err error
	if metadata == nil {
		res, err = t.exec(`
			UPDATE operations SET cursor = ?, state = ?, updated_at = ?
			WHERE id = ? AND done = 0
		`, cursor, string(state), t.timestamp(), id)
	} else {
		res, err = t.exec(`
			UPDATE operations SET cursor = ?, state = ?, metadata = ?, updated_at = ?
			WHERE id = ? AND done = 0
		`, cursor, string(state), string(metadata), t.timestamp(), id)
	}
	if err != nil {
		return false, fmt.Errorf("save progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save progress: %w", err)
	}
	return n > 0, nil
}

// CompleteOperation marks an operation done with a response.
// The first terminal write wins; later calls return false.
func (t *Tx) CompleteOperation(id string, response json.RawMessage) (bool, error) {
	if len(response) == 0 {
		response = json.RawMessage("{}")
	}
	return t.finish(id, string(response), "", "")
}

// FailOperation marks an operation done with an error.
// The first terminal write wins; later calls return false.
func (t *Tx) FailOperation(id string, opErr *model.Error) (bool, error) {
	if opErr == nil {
		return false, fmt.Errorf("fail operation: nil error")
	}
	return t.finish(id, "", string(opErr.Code), opErr.Message)
}

func (t *Tx) finish(id, response, code, message string) (bool, error) {
	res, err := t.exec(`
		UPDATE operations
		SET done = 1, response = ?, error_code = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND done = 0
	`, response, code, message, t.timestamp(), id)
	if err != nil {
		return false, fmt.Errorf("finish operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish operation: %w", err)
	}
	return n > 0, nil
}

// ListActiveOperations returns every not-done operation in creation order.
// This is the restart scan; it is served by idx_operations_active.
func (t *Tx) ListActiveOperations() ([]model.Operation, error) {
	return t.listOperations(`
		SELECT `+operationColumns+` FROM operations
		WHERE done = 0
		ORDER BY created_at ASC, id ASC
	`)
}

// ListActiveChannelOperations returns the not-done operations of a channel.
func (t *Tx) ListActiveChannelOperations(channelID string) ([]model.Operation, error) {
	return t.listOperations(`
		SELECT `+operationColumns+` FROM operations
		WHERE done = 0 AND channel_id = ?
		ORDER BY created_at ASC, id ASC
	`, channelID)
}

func (t *Tx) listOperations(query string, args ...any) ([]model.Operation, error) {
	rows, err := t.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	ops := []model.Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("list operations: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

// GetOperation reads an operation outside of any caller transaction.
func (s *Store) GetOperation(ctx context.Context, id string) (model.Operation, error) {
	var op model.Operation
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		op, err = tx.GetOperation(id)
		return err
	})
	return op, err
}

// ListActiveOperations reads the not-done operations outside of any
// caller transaction.
func (s *Store) ListActiveOperations(ctx context.Context) ([]model.Operation, error) {
	var ops []model.Operation
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		ops, err = tx.ListActiveOperations()
		return err
	})
	return ops, err
}

func scanOperation(s scanner) (model.Operation, error) {
	var (
		op                   model.Operation
		typ                  string
		done                 int
		payload, state       string
		metadata, response   string
		errCode, errMessage  string
		createdAt, updatedAt string
	)
	err := s.Scan(
		&op.ID,
		&typ,
		&op.ChannelID,
		&op.ExecutionID,
		&op.IdempotencyKey,
		&op.RequestHash,
		&done,
		&op.Cursor,
		&payload,
		&state,
		&metadata,
		&response,
		&errCode,
		&errMessage,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return model.Operation{}, err
	}
	op.Type = model.OperationType(typ)
	op.Done = done != 0
	op.Payload = json.RawMessage(payload)
	op.State = json.RawMessage(state)
	if metadata != "" {
		op.Metadata = json.RawMessage(metadata)
	}
	if response != "" {
		op.Response = json.RawMessage(response)
	}
	if errCode != "" {
		op.Error = &model.Error{Code: model.Code(errCode), Message: errMessage}
	}
	op.CreatedAt = parseTime(createdAt)
	op.UpdatedAt = parseTime(updatedAt)
	return op, nil
}
