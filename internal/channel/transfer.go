package channel

import (
	"context"
	"errors"

	"github.com/roach88/chanmgr/internal/model"
	"github.com/roach88/chanmgr/internal/operation"
	"github.com/roach88/chanmgr/internal/slots"
	"github.com/roach88/chanmgr/internal/store"
)

// errTransferGone marks a transfer deleted together with one of its peers.
var errTransferGone = errors.New("transfer gone")

// startTransfer inserts a PENDING transfer owned by the operation opID.
// The store rejects it if either peer already has one in flight.
func (m *Manager) startTransfer(tx *store.Tx, from, to model.Peer, opID string) (model.Transfer, error) {
	tr := model.Transfer{
		ID:          m.ids.Generate(),
		ChannelID:   to.ChannelID,
		FromPeerID:  from.ID,
		ToPeerID:    to.ID,
		State:       model.TransferPending,
		OperationID: opID,
	}
	if err := tx.InsertTransfer(tr); err != nil {
		return model.Transfer{}, err
	}
	transfersStarted.Inc()
	return tr, nil
}

// loadTransfer reads the transfer of a Bind and both of its peers.
func loadTransfer(tx *store.Tx, req model.BindRequest, transferID string) (model.Transfer, model.Peer, model.Peer, error) {
	if _, _, err := checkBinding(tx, req.ChannelID, req.PeerID); err != nil {
		return model.Transfer{}, model.Peer{}, model.Peer{}, err
	}
	tr, err := tx.GetTransfer(transferID)
	if model.IsNotFound(err) {
		return model.Transfer{}, model.Peer{}, model.Peer{}, errTransferGone
	}
	if err != nil {
		return model.Transfer{}, model.Peer{}, model.Peer{}, err
	}
	from, err := tx.GetPeer(tr.ChannelID, tr.FromPeerID)
	if err != nil {
		return model.Transfer{}, model.Peer{}, model.Peer{}, err
	}
	to, err := tx.GetPeer(tr.ChannelID, tr.ToPeerID)
	if err != nil {
		return model.Transfer{}, model.Peer{}, model.Peer{}, err
	}
	return tr, from, to, nil
}

// rematch is where a Bind goes back to once its transfer is gone.
func rematch(req model.BindRequest) operation.Result {
	if req.Role() == model.RoleProducer {
		return operation.Goto(bindFeed)
	}
	return operation.Goto(bindMatch)
}

// bindConnect asks the runtime to stream the data of a PENDING transfer
// and marks it ACTIVE once accepted. Storage has no runtime of its own: a
// transfer out of storage is driven by the consumer's runtime.
func (m *Manager) bindConnect(ctx context.Context, r *operation.Run) operation.Result {
	var req model.BindRequest
	if err := r.Payload(&req); err != nil {
		return operation.Fail(err)
	}
	var st bindState
	if err := r.State(&st); err != nil {
		return operation.Fail(err)
	}

	var (
		tr       model.Transfer
		from, to model.Peer
	)
	err := m.store.View(ctx, func(tx *store.Tx) error {
		var err error
		tr, from, to, err = loadTransfer(tx, req, st.TransferID)
		return err
	})
	if errors.Is(err, errTransferGone) {
		return rematch(req)
	}
	if err != nil {
		return operation.Fail(err)
	}

	switch tr.State {
	case model.TransferActive, model.TransferCompleted, model.TransferFailed:
		return operation.Goto(bindAwait)
	}

	target := from.Address
	if from.OwnerType == model.OwnerStorage {
		target = to.Address
	}
	slotOp, err := m.slots.ConnectSlot(ctx, target, slots.ConnectRequest{
		TransferID: tr.ID,
		From:       endpoint(from),
		To:         endpoint(to),
	})
	if err != nil {
		if !model.IsCategorized(err) {
			return operation.Fail(err)
		}
		// The runtime refused the connect: same outcome as a reported failure.
		m.logger.Warn("connect rejected", "channel", tr.ChannelID, "transfer", tr.ID, "target", target, "error", err)
		if _, ferr := m.TransferFailed(ctx, tr.ChannelID, tr.ID, err.Error()); ferr != nil && !model.IsCategorized(ferr) {
			return operation.Fail(ferr)
		}
		return operation.Goto(bindAwait)
	}

	err = m.store.Update(ctx, func(tx *store.Tx) error {
		moved, err := tx.TransitionTransfer(tr.ID, []model.TransferState{model.TransferPending}, model.TransferActive, "")
		if err != nil || !moved {
			return err
		}
		return tx.SetPeerConnected(tr.ChannelID, tr.ToPeerID, true)
	})
	if err != nil {
		return operation.Fail(err)
	}

	m.logger.Info("transfer active",
		"channel", tr.ChannelID, "transfer", tr.ID, "from", tr.FromPeerID, "to", tr.ToPeerID, "slot_op", slotOp)
	return operation.Goto(bindAwait)
}

// bindAwait parks a Bind until its transfer is terminal.
func (m *Manager) bindAwait(ctx context.Context, r *operation.Run) operation.Result {
	var req model.BindRequest
	if err := r.Payload(&req); err != nil {
		return operation.Fail(err)
	}
	var st bindState
	if err := r.State(&st); err != nil {
		return operation.Fail(err)
	}

	var (
		tr       model.Transfer
		from, to model.Peer
	)
	err := m.store.View(ctx, func(tx *store.Tx) error {
		var err error
		tr, from, to, err = loadTransfer(tx, req, st.TransferID)
		return err
	})
	if errors.Is(err, errTransferGone) {
		return rematch(req)
	}
	if err != nil {
		return operation.Fail(err)
	}

	switch tr.State {
	case model.TransferPending:
		return operation.Goto(bindConnect)
	case model.TransferActive:
		return operation.Suspend()
	case model.TransferCompleted:
		counterpart := from
		if req.Role() == model.RoleProducer {
			counterpart = to
		}
		return operation.Done(model.BindResponse{Peer: &counterpart, TransferID: tr.ID})
	}

	// FAILED. A consumer looks for another producer; a failed write into
	// storage is final.
	if req.Role() == model.RoleProducer {
		return operation.Fail(model.Internal("transfer %s to storage %s failed: %s",
			tr.ID, tr.ToPeerID, tr.ErrorDescription))
	}
	return operation.Goto(bindMatch)
}

// TransferCompleted records that the runtime finished a transfer. A storage
// consumer that received the data is promoted to a producer, behind every
// producer already bound. Repeated calls succeed.
func (m *Manager) TransferCompleted(ctx context.Context, channelID, transferID string) error {
	var (
		wake      []string
		completed bool
		promoted  bool
		tr        model.Transfer
	)
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		tr, err = channelTransfer(tx, channelID, transferID)
		if err != nil {
			return err
		}
		moved, err := tx.TransitionTransfer(tr.ID,
			[]model.TransferState{model.TransferPending, model.TransferActive}, model.TransferCompleted, "")
		if err != nil {
			return err
		}
		if !moved {
			if tr.State == model.TransferCompleted {
				return nil
			}
			return model.FailedPrecondition("transfer %s already %s", tr.ID, tr.State)
		}
		completed = true

		dest, err := tx.GetPeer(channelID, tr.ToPeerID)
		if err != nil {
			return err
		}
		if err := tx.SetPeerConnected(channelID, dest.ID, true); err != nil {
			return err
		}
		if dest.OwnerType == model.OwnerStorage && dest.Role == model.RoleConsumer {
			prio, err := tx.NextPriority(channelID)
			if err != nil {
				return err
			}
			if err := tx.PromoteToProducer(channelID, dest.ID, prio); err != nil {
				return err
			}
			promoted = true
		}

		wake, err = channelOperations(tx, channelID, "")
		return err
	})
	if err != nil {
		return err
	}
	if !completed {
		return nil
	}

	m.logger.Info("transfer completed", "channel", channelID, "transfer", transferID, "to", tr.ToPeerID)
	transfersFinished.WithLabelValues(string(model.TransferCompleted)).Inc()
	if promoted {
		m.logger.Info("storage relay promoted", "channel", channelID, "peer", tr.ToPeerID)
		relayPromotions.Inc()
	}
	m.wake(wake)
	return nil
}

// TransferFailed records that the runtime could not finish a transfer.
//
// For an ordinary consumer the failed producer is moved to the back of the
// selection order and the best remaining free producer is started; the
// response names it, or is empty if the consumer has to wait. A failed
// write into storage is returned as INTERNAL and is not retried.
func (m *Manager) TransferFailed(ctx context.Context, channelID, transferID, description string) (model.TransferFailedResponse, error) {
	var (
		resp        model.TransferFailedResponse
		wake        []string
		tr          model.Transfer
		storageSink bool
		replay      bool
	)
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		tr, err = channelTransfer(tx, channelID, transferID)
		if err != nil {
			return err
		}
		dest, err := tx.GetPeer(channelID, tr.ToPeerID)
		if err != nil {
			return err
		}
		storageSink = dest.OwnerType == model.OwnerStorage

		moved, err := tx.TransitionTransfer(tr.ID,
			[]model.TransferState{model.TransferPending, model.TransferActive}, model.TransferFailed, description)
		if err != nil {
			return err
		}
		if !moved {
			if tr.State != model.TransferFailed {
				return model.FailedPrecondition("transfer %s already %s", tr.ID, tr.State)
			}
			// Repeated report: answer with the transfer reselection started.
			replay = true
			if next, ok, err := inflightTo(tx, channelID, dest.ID); err != nil {
				return err
			} else if ok && next.OperationID == tr.OperationID {
				if p, err := tx.GetPeer(channelID, next.FromPeerID); err == nil {
					resp = model.TransferFailedResponse{NewPeer: &p, NewTransferID: next.ID}
				}
			}
			return nil
		}

		if err := tx.SetPeerConnected(channelID, dest.ID, false); err != nil {
			return err
		}
		if !storageSink {
			producer, next, ok, err := m.reselect(tx, tr)
			if err != nil {
				return err
			}
			if ok {
				resp = model.TransferFailedResponse{NewPeer: &producer, NewTransferID: next.ID}
			}
		}

		wake, err = channelOperations(tx, channelID, "")
		return err
	})
	if err != nil {
		return model.TransferFailedResponse{}, err
	}

	if !replay {
		transfersFinished.WithLabelValues(string(model.TransferFailed)).Inc()
		m.logger.Warn("transfer failed",
			"channel", channelID, "transfer", transferID, "from", tr.FromPeerID, "to", tr.ToPeerID,
			"description", description)
		switch {
		case storageSink:
		case resp.NewPeer != nil:
			reselections.WithLabelValues("found").Inc()
			m.logger.Info("producer reselected",
				"channel", channelID, "consumer", tr.ToPeerID, "producer", resp.NewPeer.ID, "transfer", resp.NewTransferID)
		default:
			reselections.WithLabelValues("none").Inc()
		}
		m.wake(wake)
	}

	if storageSink {
		return model.TransferFailedResponse{}, model.Internal("transfer %s to storage %s failed: %s",
			transferID, tr.ToPeerID, description)
	}
	return resp, nil
}

// channelTransfer returns a transfer of a channel, or NOT_FOUND.
func channelTransfer(tx *store.Tx, channelID, transferID string) (model.Transfer, error) {
	tr, err := tx.GetTransfer(transferID)
	if err != nil {
		return model.Transfer{}, err
	}
	if tr.ChannelID != channelID {
		return model.Transfer{}, model.NotFound("transfer %s not found in channel %s", transferID, channelID)
	}
	return tr, nil
}
