package channel

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/chanmgr/internal/model"
	"github.com/roach88/chanmgr/internal/operation"
	"github.com/roach88/chanmgr/internal/store"
	"github.com/roach88/chanmgr/internal/testutil"
)

type fixture struct {
	t     *testing.T
	store *store.Store
	ops   *operation.Manager
	slots *testutil.FakeSlots
	mgr   *Manager
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "channels.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newFixture wires a channel Manager over a fresh store and a fake Slot API.
func newFixture(t *testing.T, opts ...operation.Option) *fixture {
	t.Helper()
	return attachFixture(t, setupTestStore(t), opts...)
}

// attachFixture wires a new Manager over an existing store, as a process
// restart would.
func attachFixture(t *testing.T, s *store.Store, opts ...operation.Option) *fixture {
	t.Helper()
	opts = append([]operation.Option{
		operation.WithRetryDelay(5 * time.Millisecond),
		operation.WithPollInterval(time.Millisecond),
		operation.WithWorkers(4),
	}, opts...)
	ops := operation.New(s, opts...)
	t.Cleanup(ops.Close)
	fake := testutil.NewFakeSlots()
	return &fixture{
		t:     t,
		store: s,
		ops:   ops,
		slots: fake,
		mgr:   New(s, ops, fake),
	}
}

func (f *fixture) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	f.t.Cleanup(cancel)
	return ctx
}

func (f *fixture) create(name string, storage *model.StoragePeer) model.Channel {
	f.t.Helper()
	return f.createIn("exec-1", name, storage)
}

func (f *fixture) createIn(executionID, name string, storage *model.StoragePeer) model.Channel {
	f.t.Helper()
	ch, err := f.mgr.Create(f.ctx(), model.CreateRequest{
		ExecutionID:  executionID,
		WorkflowName: "wf",
		UserID:       "user-1",
		Spec:         model.ChannelSpec{Name: name, Scheme: "bytes"},
		StoragePeer:  storage,
	})
	require.NoError(f.t, err)
	return ch
}

func bindRequest(channelID, peerID string, role model.Role, owner model.OwnerType) model.BindRequest {
	dir := model.DirectionInput
	if role == model.RoleProducer {
		dir = model.DirectionOutput
	}
	return model.BindRequest{
		ChannelID: channelID,
		PeerID:    peerID,
		Slot:      model.SlotSpec{Name: "slot-" + peerID, Direction: dir},
		OwnerType: owner,
		Address:   "http://" + peerID,
	}
}

func (f *fixture) bind(channelID, peerID string, role model.Role, owner model.OwnerType) model.Operation {
	f.t.Helper()
	op, err := f.mgr.Bind(f.ctx(), bindRequest(channelID, peerID, role, owner))
	require.NoError(f.t, err)
	return op
}

func (f *fixture) wait(opID string) model.Operation {
	f.t.Helper()
	op, err := f.mgr.WaitOperation(f.ctx(), opID)
	require.NoError(f.t, err)
	return op
}

func (f *fixture) status(channelID string) model.ChannelStatus {
	f.t.Helper()
	st, err := f.mgr.Status(f.ctx(), channelID)
	require.NoError(f.t, err)
	return st
}

// matched decodes the client-visible progress of a Bind.
func matched(t *testing.T, op model.Operation) model.BindResponse {
	t.Helper()
	var resp model.BindResponse
	if len(op.Metadata) > 0 {
		require.NoError(t, json.Unmarshal(op.Metadata, &resp))
	}
	return resp
}

func response(t *testing.T, op model.Operation) model.BindResponse {
	t.Helper()
	require.True(t, op.Done)
	require.Nil(t, op.Error)
	var resp model.BindResponse
	require.NoError(t, json.Unmarshal(op.Response, &resp))
	return resp
}

// awaitMatch polls a Bind until its counterpart is peerID.
func (f *fixture) awaitMatch(opID, peerID string) model.BindResponse {
	f.t.Helper()
	var resp model.BindResponse
	require.Eventually(f.t, func() bool {
		op, err := f.mgr.GetOperation(context.Background(), opID)
		if err != nil {
			return false
		}
		resp = matched(f.t, op)
		return resp.Peer != nil && resp.Peer.ID == peerID && f.transferState(resp.TransferID) == model.TransferActive
	}, 5*time.Second, time.Millisecond)
	return resp
}

func (f *fixture) transferState(id string) model.TransferState {
	var state model.TransferState
	_ = f.store.View(context.Background(), func(tx *store.Tx) error {
		tr, err := tx.GetTransfer(id)
		if err != nil {
			return err
		}
		state = tr.State
		return nil
	})
	return state
}

func peerIDs(peers []model.Peer) []string {
	ids := make([]string, len(peers))
	for i, p := range peers {
		ids[i] = p.ID
	}
	return ids
}
