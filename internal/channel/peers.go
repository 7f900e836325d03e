package channel

import (
	"context"

	"github.com/roach88/chanmgr/internal/model"
	"github.com/roach88/chanmgr/internal/operation"
	"github.com/roach88/chanmgr/internal/slots"
	"github.com/roach88/chanmgr/internal/store"
)

// Step indexes of a BIND operation. Consumers go register, match,
// connect, await; producers go register, feed, connect, await.
const (
	bindRegister = iota
	bindMatch
	bindFeed
	bindConnect
	bindAwait
)

// bindState is the private progress of a BIND operation.
type bindState struct {
	TransferID  string      `json:"transferId,omitempty"`
	Counterpart *model.Peer `json:"counterpart,omitempty"`
}

func (m *Manager) bindDefinition() operation.Definition {
	return operation.Definition{
		Type: model.OpBind,
		Steps: []operation.Step{
			bindRegister: {Name: "register", Run: m.bindRegister},
			bindMatch:    {Name: "match", Run: m.bindMatch},
			bindFeed:     {Name: "feed", Run: m.bindFeed},
			bindConnect:  {Name: "connect", Run: m.bindConnect},
			bindAwait:    {Name: "await", Run: m.bindAwait},
		},
	}
}

// bindRegister inserts the peer. The cardinality rules are enforced by the
// store's unique indexes inside the same transaction.
func (m *Manager) bindRegister(ctx context.Context, r *operation.Run) operation.Result {
	var req model.BindRequest
	if err := r.Payload(&req); err != nil {
		return operation.Fail(err)
	}
	role := req.Role()
	next := bindMatch
	if role == model.RoleProducer {
		next = bindFeed
	}

	var waiting []string
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetAliveChannel(req.ChannelID); err != nil {
			return err
		}

		p := model.Peer{
			ID:             req.PeerID,
			ChannelID:      req.ChannelID,
			Role:           role,
			OwnerType:      req.OwnerType,
			Address:        req.Address,
			Slot:           req.Slot,
			IdempotencyKey: r.Op.IdempotencyKey,
			RequestHash:    r.Op.RequestHash,
		}
		if role == model.RoleProducer {
			prio, err := tx.NextPriority(req.ChannelID)
			if err != nil {
				return err
			}
			p.Priority = prio
			p.Connected = true
		}

		if err := tx.InsertPeer(p); err != nil {
			if !model.IsAlreadyExists(err) {
				return err
			}
			existing, getErr := tx.GetPeer(req.ChannelID, req.PeerID)
			if getErr != nil {
				return getErr
			}
			if existing.IdempotencyKey != r.Op.IdempotencyKey {
				return err
			}
		}

		if role == model.RoleProducer {
			var err error
			if waiting, err = channelOperations(tx, req.ChannelID, r.Op.ID); err != nil {
				return err
			}
		}
		return r.CommitAt(tx, next)
	})
	if err != nil {
		return operation.Fail(err)
	}

	m.logger.Info("peer bound",
		"channel", req.ChannelID, "peer", req.PeerID, "role", role, "owner", req.OwnerType)
	peersBound.WithLabelValues(string(role), string(req.OwnerType)).Inc()

	// A new producer may serve consumers that are waiting for one.
	m.wake(waiting)
	return operation.Goto(next)
}

// decrementPriority moves a producer to the back of the selection order.
// It stays bound, so it is still chosen once every better candidate is
// exhausted.
func decrementPriority(tx *store.Tx, channelID, peerID string) error {
	prio, err := tx.NextPriority(channelID)
	if err != nil {
		return err
	}
	return tx.SetPeerPriority(channelID, peerID, prio)
}

// Step indexes of an UNBIND operation.
const (
	unbindDetach = iota
	unbindRelease
)

type unbindState struct {
	Peer *model.Peer `json:"peer,omitempty"`
}

func (m *Manager) unbindDefinition() operation.Definition {
	return operation.Definition{
		Type: model.OpUnbind,
		Steps: []operation.Step{
			unbindDetach:  {Name: "detach", Run: m.unbindDetach},
			unbindRelease: {Name: "release", Run: m.unbindRelease},
		},
	}
}

// unbindDetach deletes the peer. Its transfers go with it, which frees any
// producer it was paired with; every operation waiting on the channel is
// resumed to notice.
func (m *Manager) unbindDetach(ctx context.Context, r *operation.Run) operation.Result {
	var req model.UnbindRequest
	if err := r.Payload(&req); err != nil {
		return operation.Fail(err)
	}

	var affected []string
	var st unbindState
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		p, err := tx.GetPeer(req.ChannelID, req.PeerID)
		if err != nil {
			return err
		}
		if p.OwnerType == model.OwnerStorage {
			return model.FailedPrecondition("storage peer %s cannot be unbound", p.ID)
		}
		if affected, err = channelOperations(tx, req.ChannelID, r.Op.ID); err != nil {
			return err
		}
		if _, err := tx.DeletePeer(req.ChannelID, req.PeerID); err != nil {
			return err
		}
		st.Peer = &p
		if err := r.SetState(st); err != nil {
			return err
		}
		return r.Commit(tx)
	})
	if err != nil {
		return operation.Fail(err)
	}

	m.logger.Info("peer unbound", "channel", req.ChannelID, "peer", req.PeerID, "role", st.Peer.Role)
	peersUnbound.WithLabelValues(string(st.Peer.Role), string(st.Peer.OwnerType)).Inc()
	m.wake(affected)
	return operation.Next()
}

func (m *Manager) unbindRelease(ctx context.Context, r *operation.Run) operation.Result {
	var st unbindState
	if err := r.State(&st); err != nil {
		return operation.Fail(err)
	}
	if st.Peer != nil {
		m.releaseSlot(ctx, *st.Peer)
	}
	return operation.Done(struct{}{})
}

// releaseSlot asks the runtime owning a peer to disconnect and destroy its
// slot. Best effort: failures are logged, a slot already gone is fine.
func (m *Manager) releaseSlot(ctx context.Context, p model.Peer) {
	if p.OwnerType == model.OwnerStorage {
		return
	}
	ep := endpoint(p)
	if err := m.slots.DisconnectSlot(ctx, ep); err != nil && !model.IsNotFound(err) {
		m.logger.Warn("disconnect slot", "channel", p.ChannelID, "peer", p.ID, "error", err)
		slotReleaseErrors.WithLabelValues("disconnect").Inc()
	}
	if err := m.slots.DestroySlot(ctx, ep); err != nil && !model.IsNotFound(err) {
		m.logger.Warn("destroy slot", "channel", p.ChannelID, "peer", p.ID, "error", err)
		slotReleaseErrors.WithLabelValues("destroy").Inc()
	}
}

func endpoint(p model.Peer) slots.Endpoint {
	return slots.Endpoint{
		ChannelID: p.ChannelID,
		PeerID:    p.ID,
		Address:   p.Address,
		Storage:   p.OwnerType == model.OwnerStorage,
	}
}
