package channel

import (
	"context"

	"github.com/roach88/chanmgr/internal/model"
	"github.com/roach88/chanmgr/internal/operation"
	"github.com/roach88/chanmgr/internal/store"
)

// Step indexes of DESTROY and DESTROY_ALL operations.
const (
	destroyMark = iota
	destroyRelease
	destroyRemove
)

// destroyState lists the channels a destroy operation marked, with the
// peers whose slots it has to release.
type destroyState struct {
	Channels []markedChannel `json:"channels"`
}

type markedChannel struct {
	ID    string       `json:"id"`
	Peers []model.Peer `json:"peers"`
}

// DestroyResponse is the result of DESTROY and DESTROY_ALL operations.
type DestroyResponse struct {
	Destroyed []string `json:"destroyed"`
}

func (m *Manager) destroyDefinition() operation.Definition {
	return operation.Definition{
		Type: model.OpDestroy,
		Steps: []operation.Step{
			destroyMark: {Name: "mark", Run: m.markStep(func(r *operation.Run, tx *store.Tx) ([]model.Channel, error) {
				var req model.DestroyRequest
				if err := r.Payload(&req); err != nil {
					return nil, err
				}
				ch, err := tx.GetChannel(req.ChannelID)
				if model.IsNotFound(err) {
					return nil, nil
				}
				if err != nil {
					return nil, err
				}
				return []model.Channel{ch}, nil
			})},
			destroyRelease: {Name: "release", Run: m.destroyRelease},
			destroyRemove:  {Name: "remove", Run: m.destroyRemove},
		},
	}
}

func (m *Manager) destroyAllDefinition() operation.Definition {
	return operation.Definition{
		Type: model.OpDestroyAll,
		Steps: []operation.Step{
			destroyMark: {Name: "mark", Run: m.markStep(func(r *operation.Run, tx *store.Tx) ([]model.Channel, error) {
				var req model.DestroyAllRequest
				if err := r.Payload(&req); err != nil {
					return nil, err
				}
				return tx.ListChannels(req.ExecutionID)
			})},
			destroyRelease: {Name: "release", Run: m.destroyRelease},
			destroyRemove:  {Name: "remove", Run: m.destroyRemove},
		},
	}
}

// markStep moves the selected channels to DESTROYING so no new bind lands
// on them, and wakes their operations so they cancel early. A channel that
// is already gone counts as destroyed.
func (m *Manager) markStep(selectChannels func(*operation.Run, *store.Tx) ([]model.Channel, error)) func(context.Context, *operation.Run) operation.Result {
	return func(ctx context.Context, r *operation.Run) operation.Result {
		var (
			st   destroyState
			wake []string
		)
		err := m.store.Update(ctx, func(tx *store.Tx) error {
			channels, err := selectChannels(r, tx)
			if err != nil {
				return err
			}
			st.Channels = make([]markedChannel, 0, len(channels))
			for _, ch := range channels {
				peers, err := tx.ListPeers(ch.ID)
				if err != nil {
					return err
				}
				if _, err := tx.SetChannelState(ch.ID, model.ChannelDestroying); err != nil {
					return err
				}
				ids, err := channelOperations(tx, ch.ID, r.Op.ID)
				if err != nil {
					return err
				}
				wake = append(wake, ids...)
				st.Channels = append(st.Channels, markedChannel{ID: ch.ID, Peers: peers})
			}
			if err := r.SetState(st); err != nil {
				return err
			}
			return r.Commit(tx)
		})
		if err != nil {
			return operation.Fail(err)
		}
		for _, ch := range st.Channels {
			m.logger.Info("channel destroying", "channel", ch.ID, "peers", len(ch.Peers))
		}
		m.wake(wake)
		return operation.Next()
	}
}

func (m *Manager) destroyRelease(ctx context.Context, r *operation.Run) operation.Result {
	var st destroyState
	if err := r.State(&st); err != nil {
		return operation.Fail(err)
	}
	for _, ch := range st.Channels {
		for _, p := range ch.Peers {
			m.releaseSlot(ctx, p)
		}
	}
	return operation.Next()
}

// destroyRemove deletes the marked channels. Peers and transfers go by
// cascade; the operations still referring to the channels end CANCELLED
// in the same transaction, so one resumed later never sees the channel
// missing.
func (m *Manager) destroyRemove(ctx context.Context, r *operation.Run) operation.Result {
	var st destroyState
	if err := r.State(&st); err != nil {
		return operation.Fail(err)
	}

	var (
		wake      []string
		cancelled int
	)
	resp := DestroyResponse{Destroyed: []string{}}
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		for _, ch := range st.Channels {
			ids, n, err := cancelChannelOperations(tx, ch.ID, r.Op.ID)
			if err != nil {
				return err
			}
			wake = append(wake, ids...)
			cancelled += n
			if _, err := tx.DeleteChannel(ch.ID); err != nil {
				return err
			}
			resp.Destroyed = append(resp.Destroyed, ch.ID)
		}
		return nil
	})
	if err != nil {
		return operation.Fail(err)
	}

	for _, id := range resp.Destroyed {
		m.logger.Info("channel destroyed", "channel", id)
		channelsDestroyed.Inc()
	}
	if cancelled > 0 {
		m.logger.Info("channel operations cancelled", "count", cancelled)
	}
	m.wake(wake)
	return operation.Done(resp)
}

// cancelChannelOperations fails every not-done operation of a channel
// with CANCELLED, except self and other destroys of it. It returns the ids
// to wake and how many were cancelled.
func cancelChannelOperations(tx *store.Tx, channelID, self string) ([]string, int, error) {
	ops, err := tx.ListActiveChannelOperations(channelID)
	if err != nil {
		return nil, 0, err
	}
	var (
		ids       []string
		cancelled int
	)
	for _, op := range ops {
		if op.ID == self {
			continue
		}
		ids = append(ids, op.ID)
		if op.Type == model.OpDestroy || op.Type == model.OpDestroyAll {
			continue
		}
		ok, err := tx.FailOperation(op.ID, model.Cancelled("channel %s was destroyed", channelID))
		if err != nil {
			return nil, 0, err
		}
		if ok {
			cancelled++
		}
	}
	return ids, cancelled, nil
}
