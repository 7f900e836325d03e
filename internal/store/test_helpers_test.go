package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/chanmgr/internal/model"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithNow(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// update runs fn in a transaction and fails the test on error.
func update(t *testing.T, s *Store, fn func(tx *Tx) error) {
	t.Helper()
	if err := s.Update(context.Background(), fn); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
}

func seedChannel(t *testing.T, s *Store, id, executionID, name string) model.Channel {
	t.Helper()
	var ch model.Channel
	update(t, s, func(tx *Tx) error {
		var err error
		ch, err = tx.InsertChannel(model.Channel{
			ID:           id,
			ExecutionID:  executionID,
			WorkflowName: "wf",
			UserID:       "user",
			Name:         name,
		}, nil)
		return err
	})
	return ch
}

func seedPeer(t *testing.T, s *Store, channelID, peerID string, role model.Role, owner model.OwnerType) model.Peer {
	t.Helper()
	p := model.Peer{
		ID:        peerID,
		ChannelID: channelID,
		Role:      role,
		OwnerType: owner,
		Address:   "http://" + peerID,
	}
	update(t, s, func(tx *Tx) error {
		if role == model.RoleProducer {
			prio, err := tx.NextPriority(channelID)
			if err != nil {
				return err
			}
			p.Priority = prio
		}
		return tx.InsertPeer(p)
	})
	return p
}

func seedTransfer(t *testing.T, s *Store, id, channelID, from, to string) {
	t.Helper()
	update(t, s, func(tx *Tx) error {
		return tx.InsertTransfer(model.Transfer{
			ID:         id,
			ChannelID:  channelID,
			FromPeerID: from,
			ToPeerID:   to,
		})
	})
}
