package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/chanmgr/internal/model"
)

const transferColumns = `id, channel_id, from_peer_id, to_peer_id, state, error_description, operation_id`

// InsertTransfer inserts a transfer.
//
// Returns FAILED_PRECONDITION if either peer already takes part in a
// PENDING/ACTIVE transfer on the same side, and NOT_FOUND if either peer
// is not bound.
func (t *Tx) InsertTransfer(tr model.Transfer) error {
	if tr.State == "" {
		tr.State = model.TransferPending
	}
	_, err := t.exec(`
		INSERT INTO transfers
		(id, channel_id, from_peer_id, to_peer_id, state, error_description, operation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		tr.ID,
		tr.ChannelID,
		tr.FromPeerID,
		tr.ToPeerID,
		string(tr.State),
		tr.ErrorDescription,
		tr.OperationID,
	)
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return model.FailedPrecondition(
			"transfer %s -> %s conflicts with an in-flight transfer", tr.FromPeerID, tr.ToPeerID)
	}
	if isForeignKeyViolation(err) {
		return model.NotFound("transfer peers %s -> %s not bound to channel %s",
			tr.FromPeerID, tr.ToPeerID, tr.ChannelID)
	}
	return fmt.Errorf("insert transfer: %w", err)
}

// GetTransfer returns a transfer by id, or NOT_FOUND.
func (t *Tx) GetTransfer(id string) (model.Transfer, error) {
	row := t.queryRow(`SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id)
	tr, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Transfer{}, model.NotFound("transfer %s not found", id)
	}
	if err != nil {
		return model.Transfer{}, fmt.Errorf("get transfer: %w", err)
	}
	return tr, nil
}

// TransitionTransfer moves a transfer to state `to` if its current state is
// one of `from`. Returns false when the transfer is missing or in another
// state, which callers treat as an already-applied transition.
func (t *Tx) TransitionTransfer(id string, from []model.TransferState, to model.TransferState, description string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition transfer: no source states")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := []any{string(to), description, id}
	for _, s := range from {
		args = append(args, string(s))
	}
	res, err := t.exec(`
		UPDATE transfers SET state = ?, error_description = ?
		WHERE id = ? AND state IN (`+placeholders+`)
	`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return false, model.FailedPrecondition("transfer %s conflicts with an in-flight transfer", id)
		}
		return false, fmt.Errorf("transition transfer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition transfer: %w", err)
	}
	return n > 0, nil
}

// ListTransfers returns the transfers of a channel in creation order.
func (t *Tx) ListTransfers(channelID string) ([]model.Transfer, error) {
	return t.listTransfers(`
		SELECT `+transferColumns+` FROM transfers
		WHERE channel_id = ?
		ORDER BY rowid ASC
	`, channelID)
}

// ListPeerTransfers returns every transfer touching a peer, in creation order.
func (t *Tx) ListPeerTransfers(channelID, peerID string) ([]model.Transfer, error) {
	return t.listTransfers(`
		SELECT `+transferColumns+` FROM transfers
		WHERE channel_id = ? AND (from_peer_id = ? OR to_peer_id = ?)
		ORDER BY rowid ASC
	`, channelID, peerID, peerID)
}

func (t *Tx) listTransfers(query string, args ...any) ([]model.Transfer, error) {
	rows, err := t.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := []model.Transfer{}
	for rows.Next() {
		tr, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("list transfers: %w", err)
		}
		transfers = append(transfers, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	return transfers, nil
}

func scanTransfer(s scanner) (model.Transfer, error) {
	var (
		tr    model.Transfer
		state string
	)
	err := s.Scan(
		&tr.ID,
		&tr.ChannelID,
		&tr.FromPeerID,
		&tr.ToPeerID,
		&state,
		&tr.ErrorDescription,
		&tr.OperationID,
	)
	if err != nil {
		return model.Transfer{}, err
	}
	tr.State = model.TransferState(state)
	return tr, nil
}
