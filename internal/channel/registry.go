package channel

import (
	"context"
	"slices"

	"github.com/roach88/chanmgr/internal/model"
	"github.com/roach88/chanmgr/internal/operation"
	"github.com/roach88/chanmgr/internal/store"
)

// createPayload is the immutable request of a CREATE operation.
type createPayload struct {
	Request     model.CreateRequest `json:"request"`
	GetOrCreate bool                `json:"getOrCreate,omitempty"`
}

type createState struct {
	ChannelID string `json:"channelId,omitempty"`
}

const (
	createInsert = iota
	createRespond
)

func (m *Manager) createDefinition() operation.Definition {
	return operation.Definition{
		Type: model.OpCreate,
		Steps: []operation.Step{
			createInsert:  {Name: "insert", Run: m.createInsert},
			createRespond: {Name: "respond", Run: m.createRespond},
		},
	}
}

// createInsert inserts the channel and its storage peer, or finds the
// existing channel for GetOrCreate. The chosen channel id is committed
// with the insert.
func (m *Manager) createInsert(ctx context.Context, r *operation.Run) operation.Result {
	var p createPayload
	if err := r.Payload(&p); err != nil {
		return operation.Fail(err)
	}
	var st createState
	if err := r.State(&st); err != nil {
		return operation.Fail(err)
	}
	if st.ChannelID != "" {
		return operation.Next()
	}

	req := p.Request
	created := false
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		if p.GetOrCreate {
			existing, found, err := findExisting(tx, req)
			if err != nil {
				return err
			}
			if found {
				st.ChannelID = existing.ID
				if err := r.SetState(st); err != nil {
					return err
				}
				return r.Commit(tx)
			}
		}

		ch := model.Channel{
			ID:           m.ids.Generate(),
			ExecutionID:  req.ExecutionID,
			WorkflowName: req.WorkflowName,
			UserID:       req.UserID,
			Name:         req.Spec.Name,
			Scheme:       req.Spec.Scheme,
		}
		if ch.Name == "" {
			ch.Name = ch.ID
		}
		if _, err := tx.InsertChannel(ch, req.StoragePeer); err != nil {
			return err
		}
		if req.StoragePeer != nil {
			if err := insertStoragePeer(tx, ch.ID, *req.StoragePeer); err != nil {
				return err
			}
		}
		st.ChannelID = ch.ID
		created = true
		if err := r.SetState(st); err != nil {
			return err
		}
		return r.Commit(tx)
	})
	if err != nil {
		return operation.Fail(err)
	}

	if created {
		m.logger.Info("channel created", "channel", st.ChannelID, "execution", req.ExecutionID, "name", req.Spec.Name)
		channelsCreated.Inc()
	} else {
		m.logger.Debug("channel found", "channel", st.ChannelID, "execution", req.ExecutionID)
	}
	return operation.Next()
}

// findExisting is the GetOrCreate lookup: by storage peer when the request
// has one, by name otherwise.
func findExisting(tx *store.Tx, req model.CreateRequest) (model.Channel, bool, error) {
	if req.StoragePeer != nil {
		return tx.FindChannelByStorage(req.ExecutionID, *req.StoragePeer)
	}
	if req.Spec.Name == "" {
		return model.Channel{}, false, nil
	}
	channels, err := tx.ListChannels(req.ExecutionID)
	if err != nil {
		return model.Channel{}, false, err
	}
	for _, ch := range channels {
		if ch.Name == req.Spec.Name && ch.State == model.ChannelAlive {
			return ch, true, nil
		}
	}
	return model.Channel{}, false, nil
}

// insertStoragePeer registers the storage endpoint a channel is created
// with. Its address doubles as its peer id. A storage producer takes the
// first priority of the channel.
func insertStoragePeer(tx *store.Tx, channelID string, storage model.StoragePeer) error {
	p := model.Peer{
		ID:        storage.URI,
		ChannelID: channelID,
		Role:      storage.Role,
		OwnerType: model.OwnerStorage,
		Address:   storage.URI,
	}
	if storage.Role == model.RoleProducer {
		prio, err := tx.NextPriority(channelID)
		if err != nil {
			return err
		}
		p.Priority = prio
		p.Connected = true
	}
	return tx.InsertPeer(p)
}

func (m *Manager) createRespond(ctx context.Context, r *operation.Run) operation.Result {
	var st createState
	if err := r.State(&st); err != nil {
		return operation.Fail(err)
	}
	var ch model.Channel
	err := m.store.View(ctx, func(tx *store.Tx) error {
		var err error
		ch, err = tx.GetChannel(st.ChannelID)
		return err
	})
	if model.IsNotFound(err) {
		return operation.Fail(model.Cancelled("channel %s was destroyed", st.ChannelID))
	}
	if err != nil {
		return operation.Fail(err)
	}
	return operation.Done(ch)
}

// Status returns a snapshot of a channel and its peers.
func (m *Manager) Status(ctx context.Context, channelID string) (model.ChannelStatus, error) {
	var status model.ChannelStatus
	err := m.store.View(ctx, func(tx *store.Tx) error {
		ch, err := tx.GetChannel(channelID)
		if err != nil {
			return err
		}
		status, err = channelStatus(tx, ch)
		return err
	})
	return status, err
}

// StatusAll returns a snapshot of every channel of an execution, in
// creation order. Returns an empty slice if there are none.
func (m *Manager) StatusAll(ctx context.Context, executionID string) ([]model.ChannelStatus, error) {
	if executionID == "" {
		return nil, model.InvalidArgument("executionId is required")
	}
	statuses := []model.ChannelStatus{}
	err := m.store.View(ctx, func(tx *store.Tx) error {
		channels, err := tx.ListChannels(executionID)
		if err != nil {
			return err
		}
		for _, ch := range channels {
			status, err := channelStatus(tx, ch)
			if err != nil {
				return err
			}
			statuses = append(statuses, status)
		}
		return nil
	})
	return statuses, err
}

func channelStatus(tx *store.Tx, ch model.Channel) (model.ChannelStatus, error) {
	peers, err := tx.ListPeers(ch.ID)
	if err != nil {
		return model.ChannelStatus{}, err
	}
	status := model.ChannelStatus{
		Channel:   ch,
		Producers: []model.Peer{},
		Consumers: []model.Peer{},
	}
	for _, p := range peers {
		if p.Role == model.RoleProducer {
			status.Producers = append(status.Producers, p)
		} else {
			status.Consumers = append(status.Consumers, p)
		}
	}
	slices.SortStableFunc(status.Producers, func(a, b model.Peer) int {
		switch {
		case a.Priority < b.Priority:
			return -1
		case a.Priority > b.Priority:
			return 1
		}
		return 0
	})
	return status, nil
}
