package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/roach88/chanmgr/internal/model"
	"github.com/roach88/chanmgr/internal/operation"
	"github.com/roach88/chanmgr/internal/slots"
	"github.com/roach88/chanmgr/internal/store"
)

// Manager is the channel manager: it owns channels, the peers bound to
// them and the transfers between those peers.
//
// Every mutating call is wrapped in an operation run by the operation
// Manager, so it survives restarts and deduplicates by idempotency key.
type Manager struct {
	store  *store.Store
	ops    *operation.Manager
	slots  slots.Client
	ids    model.IDGenerator
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithIDGenerator sets the generator for channel and transfer ids.
func WithIDGenerator(ids model.IDGenerator) Option {
	return func(m *Manager) {
		m.ids = ids
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New creates a Manager and registers its operation types with ops.
// Call ops.Restore afterwards to resume operations left by a previous run.
func New(s *store.Store, ops *operation.Manager, client slots.Client, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		ops:    ops,
		slots:  client,
		ids:    model.UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	ops.Register(m.createDefinition())
	ops.Register(m.bindDefinition())
	ops.Register(m.unbindDefinition())
	ops.Register(m.destroyDefinition())
	ops.Register(m.destroyAllDefinition())
	return m
}

// Create creates a channel. Fails ALREADY_EXISTS if the execution already
// has a channel with the same name.
func (m *Manager) Create(ctx context.Context, req model.CreateRequest) (model.Channel, error) {
	if err := req.Validate(true); err != nil {
		return model.Channel{}, err
	}
	return m.create(ctx, createPayload{Request: req}, req.IdempotencyKey)
}

// GetOrCreate returns the live channel of the execution with the same
// storage peer (or, without one, the same name), creating it if needed.
// An empty name is replaced by the generated channel id.
func (m *Manager) GetOrCreate(ctx context.Context, req model.CreateRequest) (model.Channel, error) {
	if err := req.Validate(false); err != nil {
		return model.Channel{}, err
	}
	return m.create(ctx, createPayload{Request: req, GetOrCreate: true}, req.IdempotencyKey)
}

func (m *Manager) create(ctx context.Context, payload createPayload, key string) (model.Channel, error) {
	op, err := m.ops.Submit(ctx, operation.Request{
		Type:           model.OpCreate,
		IdempotencyKey: key,
		ExecutionID:    payload.Request.ExecutionID,
		Payload:        payload,
	})
	if err != nil {
		return model.Channel{}, err
	}
	if !op.Done {
		// Create has no suspending step; a transient store error left it
		// for the retry loop.
		op, err = m.ops.Wait(ctx, op.ID)
		if err != nil {
			return model.Channel{}, err
		}
		if op.Failed() {
			return model.Channel{}, op.Error
		}
	}
	var ch model.Channel
	if err := json.Unmarshal(op.Response, &ch); err != nil {
		return model.Channel{}, fmt.Errorf("decode created channel: %w", err)
	}
	return ch, nil
}

// Bind binds a worker or portal slot to a channel as a producer or
// consumer. The returned operation is not done while a consumer waits for
// a producer or a transfer is in flight; its metadata is a BindResponse
// once a counterpart has been selected.
func (m *Manager) Bind(ctx context.Context, req model.BindRequest) (model.Operation, error) {
	if err := req.Validate(); err != nil {
		return model.Operation{}, err
	}
	return m.ops.Submit(ctx, operation.Request{
		Type:           model.OpBind,
		IdempotencyKey: req.IdempotencyKey,
		ChannelID:      req.ChannelID,
		Payload:        req,
	})
}

// Unbind removes a peer from its channel, cancelling its transfers and the
// operations still waiting on it.
func (m *Manager) Unbind(ctx context.Context, req model.UnbindRequest) (model.Operation, error) {
	if err := req.Validate(); err != nil {
		return model.Operation{}, err
	}
	return m.ops.Submit(ctx, operation.Request{
		Type:           model.OpUnbind,
		IdempotencyKey: req.IdempotencyKey,
		ChannelID:      req.ChannelID,
		Payload:        req,
	})
}

// Destroy destroys a channel. Destroying a missing channel succeeds.
func (m *Manager) Destroy(ctx context.Context, req model.DestroyRequest) (model.Operation, error) {
	if err := req.Validate(); err != nil {
		return model.Operation{}, err
	}
	return m.ops.Submit(ctx, operation.Request{
		Type:           model.OpDestroy,
		IdempotencyKey: req.IdempotencyKey,
		ChannelID:      req.ChannelID,
		Payload:        req,
	})
}

// DestroyAll destroys every channel of an execution.
func (m *Manager) DestroyAll(ctx context.Context, req model.DestroyAllRequest) (model.Operation, error) {
	if err := req.Validate(); err != nil {
		return model.Operation{}, err
	}
	return m.ops.Submit(ctx, operation.Request{
		Type:           model.OpDestroyAll,
		IdempotencyKey: req.IdempotencyKey,
		ExecutionID:    req.ExecutionID,
		Payload:        req,
	})
}

// Channel returns a channel by id.
func (m *Manager) Channel(ctx context.Context, id string) (model.Channel, error) {
	var ch model.Channel
	err := m.store.View(ctx, func(tx *store.Tx) error {
		var err error
		ch, err = tx.GetChannel(id)
		return err
	})
	return ch, err
}

// GetOperation returns a stored operation.
func (m *Manager) GetOperation(ctx context.Context, id string) (model.Operation, error) {
	return m.ops.Get(ctx, id)
}

// WaitOperation blocks until the operation is done or ctx ends.
func (m *Manager) WaitOperation(ctx context.Context, id string) (model.Operation, error) {
	return m.ops.Wait(ctx, id)
}

// ListActiveOperations returns every not-done operation.
func (m *Manager) ListActiveOperations(ctx context.Context) ([]model.Operation, error) {
	return m.store.ListActiveOperations(ctx)
}

// checkBinding returns CANCELLED if the channel is gone or being destroyed,
// or if the peer is no longer bound to it.
func checkBinding(tx *store.Tx, channelID, peerID string) (model.Channel, model.Peer, error) {
	ch, err := tx.GetAliveChannel(channelID)
	if err != nil {
		if model.IsNotFound(err) {
			return model.Channel{}, model.Peer{}, model.Cancelled("channel %s was destroyed", channelID)
		}
		return model.Channel{}, model.Peer{}, err
	}
	p, err := tx.GetPeer(channelID, peerID)
	if err != nil {
		if model.IsNotFound(err) {
			return model.Channel{}, model.Peer{}, model.Cancelled("peer %s was unbound from channel %s", peerID, channelID)
		}
		return model.Channel{}, model.Peer{}, err
	}
	return ch, p, nil
}

// channelOperations returns the ids of the not-done operations of a
// channel, except the one named by self.
func channelOperations(tx *store.Tx, channelID, self string) ([]string, error) {
	ops, err := tx.ListActiveChannelOperations(channelID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		if op.ID != self {
			ids = append(ids, op.ID)
		}
	}
	return ids, nil
}

// wake resumes operations after the transaction that changed their
// preconditions has committed.
func (m *Manager) wake(ids []string) {
	if len(ids) == 0 {
		return
	}
	m.logger.Debug("resuming channel operations", "count", len(ids))
	m.ops.ResumeAll(ids)
}
