package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/chanmgr/internal/model"
)

const peerColumns = `channel_id, peer_id, role, owner_type, priority, connected, address,
	slot_name, slot_direction, slot_content_type, idempotency_key, request_hash`

// InsertPeer inserts a peer. A duplicate (channel_id, peer_id) returns
// ALREADY_EXISTS; a violated cardinality index returns FAILED_PRECONDITION.
func (t *Tx) InsertPeer(p model.Peer) error {
	_, err := t.exec(`
		INSERT INTO peers
		(channel_id, peer_id, role, owner_type, priority, connected, address,
		 slot_name, slot_direction, slot_content_type, idempotency_key, request_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ChannelID,
		p.ID,
		string(p.Role),
		string(p.OwnerType),
		p.Priority,
		boolToInt(p.Connected),
		p.Address,
		p.Slot.Name,
		string(p.Slot.Direction),
		p.Slot.ContentType,
		nullString(p.IdempotencyKey),
		nullString(p.RequestHash),
	)
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		if _, getErr := t.GetPeer(p.ChannelID, p.ID); getErr == nil {
			return model.AlreadyExists("peer %s already bound to channel %s", p.ID, p.ChannelID)
		}
		return model.FailedPrecondition(
			"channel %s already has a %s %s peer", p.ChannelID, p.OwnerType, p.Role)
	}
	if isForeignKeyViolation(err) {
		return model.NotFound("channel %s not found", p.ChannelID)
	}
	return fmt.Errorf("insert peer: %w", err)
}

// GetPeer returns a peer of a channel, or NOT_FOUND.
func (t *Tx) GetPeer(channelID, peerID string) (model.Peer, error) {
	row := t.queryRow(`SELECT `+peerColumns+` FROM peers WHERE channel_id = ? AND peer_id = ?`,
		channelID, peerID)
	p, err := scanPeer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Peer{}, model.NotFound("peer %s not found in channel %s", peerID, channelID)
	}
	if err != nil {
		return model.Peer{}, fmt.Errorf("get peer: %w", err)
	}
	return p, nil
}

// ListPeers returns every peer of a channel in bind order.
func (t *Tx) ListPeers(channelID string) ([]model.Peer, error) {
	return t.listPeers(`
		SELECT `+peerColumns+` FROM peers
		WHERE channel_id = ?
		ORDER BY rowid ASC
	`, channelID)
}

// DeletePeer removes a peer and every transfer touching it.
// Returns false if the peer did not exist.
func (t *Tx) DeletePeer(channelID, peerID string) (bool, error) {
	res, err := t.exec(`DELETE FROM peers WHERE channel_id = ? AND peer_id = ?`, channelID, peerID)
	if err != nil {
		return false, fmt.Errorf("delete peer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete peer: %w", err)
	}
	return n > 0, nil
}

// SetPeerPriority sets the selection priority of a peer.
func (t *Tx) SetPeerPriority(channelID, peerID string, priority int64) error {
	_, err := t.exec(`UPDATE peers SET priority = ? WHERE channel_id = ? AND peer_id = ?`,
		priority, channelID, peerID)
	if err != nil {
		return fmt.Errorf("set peer priority: %w", err)
	}
	return nil
}

// SetPeerConnected records whether a consumer currently has a source.
func (t *Tx) SetPeerConnected(channelID, peerID string, connected bool) error {
	_, err := t.exec(`UPDATE peers SET connected = ? WHERE channel_id = ? AND peer_id = ?`,
		boolToInt(connected), channelID, peerID)
	if err != nil {
		return fmt.Errorf("set peer connected: %w", err)
	}
	return nil
}

// PromoteToProducer re-registers a peer as a connected PRODUCER with the
// given priority.
func (t *Tx) PromoteToProducer(channelID, peerID string, priority int64) error {
	_, err := t.exec(`
		UPDATE peers SET role = ?, priority = ?, connected = 1
		WHERE channel_id = ? AND peer_id = ?
	`, string(model.RoleProducer), priority, channelID, peerID)
	if err != nil {
		return fmt.Errorf("promote peer: %w", err)
	}
	return nil
}

// FindProducer returns the preferred producer for a consumer: the PRODUCER
// with the lowest priority that has no FAILED transfer to this consumer and
// no PENDING/ACTIVE transfer of its own.
func (t *Tx) FindProducer(channelID, consumerID string) (model.Peer, bool, error) {
	row := t.queryRow(`
		SELECT `+peerColumns+` FROM peers p
		WHERE p.channel_id = ?
		  AND p.role = ?
		  AND p.peer_id != ?
		  AND NOT EXISTS (
		      SELECT 1 FROM transfers t
		      WHERE t.channel_id = p.channel_id
		        AND t.from_peer_id = p.peer_id
		        AND t.to_peer_id = ?
		        AND t.state = ?
		  )
		  AND NOT EXISTS (
		      SELECT 1 FROM transfers t
		      WHERE t.channel_id = p.channel_id
		        AND t.from_peer_id = p.peer_id
		        AND t.state IN (?, ?)
		  )
		ORDER BY p.priority ASC, p.rowid ASC
		LIMIT 1
	`,
		channelID,
		string(model.RoleProducer),
		consumerID,
		consumerID,
		string(model.TransferFailed),
		string(model.TransferPending), string(model.TransferActive),
	)
	p, err := scanPeer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Peer{}, false, nil
	}
	if err != nil {
		return model.Peer{}, false, fmt.Errorf("find producer: %w", err)
	}
	return p, true, nil
}

// ListWaitingConsumers returns consumers that have no transfer in
// PENDING, ACTIVE or COMPLETED state, in bind order. A storage consumer
// with a FAILED inbound transfer is not waiting: storage uploads are
// never retried.
func (t *Tx) ListWaitingConsumers(channelID string) ([]model.Peer, error) {
	return t.listPeers(`
		SELECT `+peerColumns+` FROM peers p
		WHERE p.channel_id = ? AND p.role = ?
		  AND NOT EXISTS (
		      SELECT 1 FROM transfers t
		      WHERE t.channel_id = p.channel_id
		        AND t.to_peer_id = p.peer_id
		        AND (t.state IN (?, ?, ?) OR (t.state = ? AND p.owner_type = ?))
		  )
		ORDER BY p.rowid ASC
	`,
		channelID,
		string(model.RoleConsumer),
		string(model.TransferPending), string(model.TransferActive), string(model.TransferCompleted),
		string(model.TransferFailed), string(model.OwnerStorage),
	)
}

func (t *Tx) listPeers(query string, args ...any) ([]model.Peer, error) {
	rows, err := t.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := []model.Peer{}
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("list peers: %w", err)
		}
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	return peers, nil
}

func scanPeer(s scanner) (model.Peer, error) {
	var (
		p              model.Peer
		role, owner    string
		direction      string
		connected      int
		idemKey, rHash sql.NullString
	)
	err := s.Scan(
		&p.ChannelID,
		&p.ID,
		&role,
		&owner,
		&p.Priority,
		&connected,
		&p.Address,
		&p.Slot.Name,
		&direction,
		&p.Slot.ContentType,
		&idemKey,
		&rHash,
	)
	if err != nil {
		return model.Peer{}, err
	}
	p.Role = model.Role(role)
	p.OwnerType = model.OwnerType(owner)
	p.Slot.Direction = model.Direction(direction)
	p.Connected = connected != 0
	p.IdempotencyKey = idemKey.String
	p.RequestHash = rHash.String
	return p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
