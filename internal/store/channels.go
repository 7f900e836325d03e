package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/chanmgr/internal/model"
)

const channelColumns = `id, execution_id, workflow_name, user_id, name, scheme, state, created_at`

// InsertChannel inserts a new channel. storage, when non-nil, is recorded
// on the channel row so GetOrCreate can find the channel by storage address.
//
// Returns ALREADY_EXISTS if the execution already has a channel with the
// same name.
func (t *Tx) InsertChannel(ch model.Channel, storage *model.StoragePeer) (model.Channel, error) {
	var uri, role sql.NullString
	if storage != nil {
		uri = sql.NullString{String: storage.URI, Valid: true}
		role = sql.NullString{String: string(storage.Role), Valid: true}
	}
	if ch.State == "" {
		ch.State = model.ChannelAlive
	}
	ch.CreatedAt = t.now

	_, err := t.exec(`
		INSERT INTO channels
		(id, execution_id, workflow_name, user_id, name, scheme, state, storage_uri, storage_role, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ch.ID,
		ch.ExecutionID,
		ch.WorkflowName,
		ch.UserID,
		ch.Name,
		ch.Scheme,
		string(ch.State),
		uri,
		role,
		t.timestamp(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Channel{}, model.AlreadyExists(
				"channel %q already exists in execution %s", ch.Name, ch.ExecutionID)
		}
		return model.Channel{}, fmt.Errorf("insert channel: %w", err)
	}
	return ch, nil
}

// GetChannel returns the channel with the given id, or NOT_FOUND.
func (t *Tx) GetChannel(id string) (model.Channel, error) {
	row := t.queryRow(`SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Channel{}, model.NotFound("channel %s not found", id)
	}
	if err != nil {
		return model.Channel{}, fmt.Errorf("get channel: %w", err)
	}
	return ch, nil
}

// GetAliveChannel returns the channel if it exists and is not being destroyed.
// A destroying channel is reported as NOT_FOUND.
func (t *Tx) GetAliveChannel(id string) (model.Channel, error) {
	ch, err := t.GetChannel(id)
	if err != nil {
		return model.Channel{}, err
	}
	if ch.State != model.ChannelAlive {
		return model.Channel{}, model.NotFound("channel %s is being destroyed", id)
	}
	return ch, nil
}

// FindChannelByStorage returns the live channel of an execution whose
// storage peer has the given address and role.
func (t *Tx) FindChannelByStorage(executionID string, storage model.StoragePeer) (model.Channel, bool, error) {
	row := t.queryRow(`
		SELECT `+channelColumns+` FROM channels
		WHERE execution_id = ? AND storage_uri = ? AND storage_role = ? AND state = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, executionID, storage.URI, string(storage.Role), string(model.ChannelAlive))
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Channel{}, false, nil
	}
	if err != nil {
		return model.Channel{}, false, fmt.Errorf("find channel by storage: %w", err)
	}
	return ch, true, nil
}

// ListChannels returns every channel of an execution in creation order.
// Returns an empty slice (not nil) if there are none.
func (t *Tx) ListChannels(executionID string) ([]model.Channel, error) {
	rows, err := t.query(`
		SELECT `+channelColumns+` FROM channels
		WHERE execution_id = ?
		ORDER BY created_at ASC, id ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	channels := []model.Channel{}
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("list channels: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return channels, nil
}

// SetChannelState updates the lifecycle state of a channel.
// Returns false if the channel does not exist.
func (t *Tx) SetChannelState(id string, state model.ChannelState) (bool, error) {
	res, err := t.exec(`UPDATE channels SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return false, fmt.Errorf("set channel state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set channel state: %w", err)
	}
	return n > 0, nil
}

// DeleteChannel deletes a channel, cascading to its peers and transfers.
// Returns false if the channel did not exist.
func (t *Tx) DeleteChannel(id string) (bool, error) {
	res, err := t.exec(`DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete channel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete channel: %w", err)
	}
	return n > 0, nil
}

// NextPriority reserves the next producer priority of a channel.
// Values are strictly increasing per channel, so priorities never tie.
func (t *Tx) NextPriority(channelID string) (int64, error) {
	var next int64
	err := t.queryRow(`SELECT next_priority FROM channels WHERE id = ?`, channelID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, model.NotFound("channel %s not found", channelID)
	}
	if err != nil {
		return 0, fmt.Errorf("next priority: %w", err)
	}
	if _, err := t.exec(`UPDATE channels SET next_priority = ? WHERE id = ?`, next+1, channelID); err != nil {
		return 0, fmt.Errorf("next priority: %w", err)
	}
	return next, nil
}

func scanChannel(s scanner) (model.Channel, error) {
	var (
		ch        model.Channel
		state     string
		createdAt string
	)
	err := s.Scan(
		&ch.ID,
		&ch.ExecutionID,
		&ch.WorkflowName,
		&ch.UserID,
		&ch.Name,
		&ch.Scheme,
		&state,
		&createdAt,
	)
	if err != nil {
		return model.Channel{}, err
	}
	ch.State = model.ChannelState(state)
	ch.CreatedAt = parseTime(createdAt)
	return ch, nil
}
