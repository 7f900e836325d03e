package channel

import (
	"context"
	"errors"

	"github.com/roach88/chanmgr/internal/model"
	"github.com/roach88/chanmgr/internal/operation"
	"github.com/roach88/chanmgr/internal/store"
)

// errNoProducer marks a consumer that has to wait for a producer.
var errNoProducer = errors.New("no free producer")

// bindMatch pairs a consumer with the best free producer and records the
// new PENDING transfer, or suspends until a producer becomes free.
func (m *Manager) bindMatch(ctx context.Context, r *operation.Run) operation.Result {
	var req model.BindRequest
	if err := r.Payload(&req); err != nil {
		return operation.Fail(err)
	}

	var st bindState
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		_, self, err := checkBinding(tx, req.ChannelID, req.PeerID)
		if err != nil {
			return err
		}

		// A transfer may already have been started for this consumer by
		// reselection after a failure.
		tr, found, err := inflightTo(tx, req.ChannelID, self.ID)
		if err != nil {
			return err
		}
		if !found {
			producer, ok, err := tx.FindProducer(req.ChannelID, self.ID)
			if err != nil {
				return err
			}
			if !ok {
				return errNoProducer
			}
			if tr, err = m.startTransfer(tx, producer, self, r.Op.ID); err != nil {
				return err
			}
		}

		producer, err := tx.GetPeer(req.ChannelID, tr.FromPeerID)
		if err != nil {
			return err
		}
		st = bindState{TransferID: tr.ID, Counterpart: &producer}
		if err := r.SetState(st); err != nil {
			return err
		}
		if err := r.SetMetadata(model.BindResponse{Peer: &producer, TransferID: tr.ID}); err != nil {
			return err
		}
		return r.CommitAt(tx, bindConnect)
	})
	if errors.Is(err, errNoProducer) {
		m.logger.Debug("consumer waiting for producer", "channel", req.ChannelID, "peer", req.PeerID)
		return operation.Suspend()
	}
	if err != nil {
		return operation.Fail(err)
	}

	m.logger.Info("consumer matched",
		"channel", req.ChannelID, "consumer", req.PeerID,
		"producer", st.Counterpart.ID, "transfer", st.TransferID)
	return operation.Goto(bindConnect)
}

// bindFeed starts a transfer from a newly bound producer to a storage
// consumer still waiting for data. Without one, the producer's Bind is
// done: worker consumers pull from it through their own match step.
func (m *Manager) bindFeed(ctx context.Context, r *operation.Run) operation.Result {
	var req model.BindRequest
	if err := r.Payload(&req); err != nil {
		return operation.Fail(err)
	}

	var (
		st      bindState
		idle    bool
		blocked bool
	)
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		_, self, err := checkBinding(tx, req.ChannelID, req.PeerID)
		if err != nil {
			return err
		}

		sink, ok, err := waitingStorageConsumer(tx, req.ChannelID)
		if err != nil {
			return err
		}
		if !ok {
			idle = true
			return nil
		}

		tr, found, err := inflightFrom(tx, req.ChannelID, self.ID)
		if err != nil {
			return err
		}
		if found && tr.ToPeerID != sink.ID {
			blocked = true
			return nil
		}
		if !found {
			if tr, err = m.startTransfer(tx, self, sink, r.Op.ID); err != nil {
				return err
			}
		}

		st = bindState{TransferID: tr.ID, Counterpart: &sink}
		if err := r.SetState(st); err != nil {
			return err
		}
		if err := r.SetMetadata(model.BindResponse{Peer: &sink, TransferID: tr.ID}); err != nil {
			return err
		}
		return r.CommitAt(tx, bindConnect)
	})
	if err != nil {
		return operation.Fail(err)
	}
	if idle {
		return operation.Done(model.BindResponse{})
	}
	if blocked {
		m.logger.Debug("producer busy, storage consumer waiting", "channel", req.ChannelID, "peer", req.PeerID)
		return operation.Suspend()
	}

	m.logger.Info("producer feeding storage",
		"channel", req.ChannelID, "producer", req.PeerID,
		"storage", st.Counterpart.ID, "transfer", st.TransferID)
	return operation.Goto(bindConnect)
}

// waitingStorageConsumer returns the storage consumer of a channel if it
// has not received the data yet.
func waitingStorageConsumer(tx *store.Tx, channelID string) (model.Peer, bool, error) {
	waiting, err := tx.ListWaitingConsumers(channelID)
	if err != nil {
		return model.Peer{}, false, err
	}
	for _, p := range waiting {
		if p.OwnerType == model.OwnerStorage {
			return p, true, nil
		}
	}
	return model.Peer{}, false, nil
}

// inflightTo returns the PENDING or ACTIVE transfer into a peer.
func inflightTo(tx *store.Tx, channelID, peerID string) (model.Transfer, bool, error) {
	return inflight(tx, channelID, peerID, func(tr model.Transfer) bool { return tr.ToPeerID == peerID })
}

// inflightFrom returns the PENDING or ACTIVE transfer out of a peer.
func inflightFrom(tx *store.Tx, channelID, peerID string) (model.Transfer, bool, error) {
	return inflight(tx, channelID, peerID, func(tr model.Transfer) bool { return tr.FromPeerID == peerID })
}

func inflight(tx *store.Tx, channelID, peerID string, side func(model.Transfer) bool) (model.Transfer, bool, error) {
	transfers, err := tx.ListPeerTransfers(channelID, peerID)
	if err != nil {
		return model.Transfer{}, false, err
	}
	for _, tr := range transfers {
		if side(tr) && !tr.State.Terminal() {
			return tr, true, nil
		}
	}
	return model.Transfer{}, false, nil
}

// reselect picks a new producer for a consumer whose transfer failed and
// starts a transfer from it, owned by the same operation. Returns false if
// no candidate is free.
func (m *Manager) reselect(tx *store.Tx, failed model.Transfer) (model.Peer, model.Transfer, bool, error) {
	if err := decrementPriority(tx, failed.ChannelID, failed.FromPeerID); err != nil && !model.IsNotFound(err) {
		return model.Peer{}, model.Transfer{}, false, err
	}
	consumer, err := tx.GetPeer(failed.ChannelID, failed.ToPeerID)
	if err != nil {
		return model.Peer{}, model.Transfer{}, false, err
	}
	producer, ok, err := tx.FindProducer(failed.ChannelID, consumer.ID)
	if err != nil || !ok {
		return model.Peer{}, model.Transfer{}, false, err
	}
	tr, err := m.startTransfer(tx, producer, consumer, failed.OperationID)
	if err != nil {
		return model.Peer{}, model.Transfer{}, false, err
	}
	return producer, tr, true, nil
}
