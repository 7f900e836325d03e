package operation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/roach88/chanmgr/internal/model"
	"github.com/roach88/chanmgr/internal/store"
)

// Defaults for Manager options.
const (
	DefaultWorkers      = 16
	DefaultRetryDelay   = time.Second
	DefaultPollInterval = 10 * time.Millisecond
)

// Request describes a mutating call to be wrapped in an operation.
type Request struct {
	Type           model.OperationType
	IdempotencyKey string
	ChannelID      string
	ExecutionID    string
	Payload        any
}

// Failpoint is consulted before every step. A non-nil error aborts the
// current pass without persisting anything, as a process crash would.
type Failpoint func(typ model.OperationType, step int) error

// Manager runs operations and resumes them after restarts.
//
// Thread-safety model:
//   - Submit, Resume, Restore, Wait: safe from any goroutine
//   - Register: must be called before the first Submit or Restore
type Manager struct {
	store        *store.Store
	ids          model.IDGenerator
	logger       *slog.Logger
	pool         pond.Pool
	workers      int
	retryDelay   time.Duration
	pollInterval time.Duration
	failpoint    Failpoint
	ctx          context.Context
	cancel       context.CancelFunc

	defs map[model.OperationType]Definition

	mu      sync.Mutex
	closed  bool
	active  map[string]*execution    // by operation id
	pending map[string]chan struct{} // by idempotency key, while a submit is in progress
}

// execution tracks the single goroutine driving an operation.
type execution struct {
	rerun   bool
	settled chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithIDGenerator sets the operation id generator.
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

// WithWorkers sets the size of the pool running resumed operations.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		m.workers = n
	}
}

// WithRetryDelay sets the delay before a step failing with a transient
// error is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.retryDelay = d
	}
}

// WithPollInterval sets how often Wait re-reads an operation.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.pollInterval = d
	}
}

// WithFailpoint installs a failure injection hook. Used for testing.
func WithFailpoint(fp Failpoint) Option {
	return func(m *Manager) {
		m.failpoint = fp
	}
}

// New creates a Manager over s. Call Close to stop its workers.
func New(s *store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:        s,
		ids:          model.UUIDv7Generator{},
		logger:       slog.Default(),
		workers:      DefaultWorkers,
		retryDelay:   DefaultRetryDelay,
		pollInterval: DefaultPollInterval,
		defs:         make(map[model.OperationType]Definition),
		active:       make(map[string]*execution),
		pending:      make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.pool = pond.NewPool(m.workers)
	return m
}

// Register adds the step plan of an operation type.
func (m *Manager) Register(def Definition) {
	m.defs[def.Type] = def
}

// Definition returns the registered plan of typ.
func (m *Manager) Definition(typ model.OperationType) (Definition, bool) {
	def, ok := m.defs[typ]
	return def, ok
}

// Close stops accepting work and waits for running steps to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.pool.StopAndWait()
}

// Submit creates the operation for req, or attaches to the existing one
// with the same idempotency key, and returns its stored state once the
// in-process execution has settled (done or suspended).
//
// A reused key with a different payload is rejected with ALREADY_EXISTS.
// If the operation is done with an error, that error is also returned.
func (m *Manager) Submit(ctx context.Context, req Request) (model.Operation, error) {
	if _, ok := m.defs[req.Type]; !ok {
		return model.Operation{}, fmt.Errorf("submit: unknown operation type %q", req.Type)
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return model.Operation{}, fmt.Errorf("submit %s: encode payload: %w", req.Type, err)
	}
	hash, err := model.RequestHash(string(req.Type), req.Payload)
	if err != nil {
		return model.Operation{}, fmt.Errorf("submit %s: %w", req.Type, err)
	}

	id := m.ids.Generate()
	key := req.IdempotencyKey
	if key == "" {
		key = id
	}

	release, err := m.acquireKey(ctx, key)
	if err != nil {
		return model.Operation{}, err
	}
	defer release()

	var (
		op      model.Operation
		created bool
	)
	err = m.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		op, created, err = tx.CreateOperation(model.Operation{
			ID:             id,
			Type:           req.Type,
			ChannelID:      req.ChannelID,
			ExecutionID:    req.ExecutionID,
			IdempotencyKey: key,
			RequestHash:    hash,
			Payload:        payload,
		})
		return err
	})
	if err != nil {
		return model.Operation{}, fmt.Errorf("submit %s: %w", req.Type, err)
	}

	if !created && op.RequestHash != hash {
		return model.Operation{}, model.AlreadyExists(
			"idempotency key %q was used for a different request", key)
	}

	if created {
		operationsSubmitted.WithLabelValues(string(req.Type)).Inc()
		m.logger.Debug("operation created", "id", op.ID, "type", op.Type, "key", key)
		m.drive(op.ID)
	} else {
		operationsAttached.WithLabelValues(string(req.Type)).Inc()
		m.logger.Debug("attached to operation", "id", op.ID, "type", op.Type, "key", key)
	}

	if err := m.awaitSettled(ctx, op.ID); err != nil {
		return model.Operation{}, err
	}

	op, err = m.store.GetOperation(ctx, op.ID)
	if err != nil {
		return model.Operation{}, fmt.Errorf("submit %s: %w", req.Type, err)
	}
	if op.Failed() {
		return op, op.Error
	}
	return op, nil
}

// acquireKey serializes in-process submits sharing an idempotency key.
func (m *Manager) acquireKey(ctx context.Context, key string) (func(), error) {
	for {
		m.mu.Lock()
		ch, busy := m.pending[key]
		if !busy {
			ch = make(chan struct{})
			m.pending[key] = ch
			m.mu.Unlock()
			return func() {
				m.mu.Lock()
				delete(m.pending, key)
				m.mu.Unlock()
				close(ch)
			}, nil
		}
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// awaitSettled blocks while a goroutine in this process is driving id.
func (m *Manager) awaitSettled(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-e.settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume schedules another pass over a not-done operation on the worker
// pool. Safe to call for done or unknown ids; the pass is then a no-op.
func (m *Manager) Resume(id string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if e, ok := m.active[id]; ok {
		e.rerun = true
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.pool.Submit(func() {
		m.drive(id)
	})
}

// ResumeAll calls Resume for every id.
func (m *Manager) ResumeAll(ids []string) {
	for _, id := range ids {
		m.Resume(id)
	}
}

// Restore resumes every not-done operation from its stored cursor.
// Invoked once at process startup; safe to call again.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	ops, err := m.store.ListActiveOperations(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore operations: %w", err)
	}
	for _, op := range ops {
		m.logger.Info("restoring operation", "id", op.ID, "type", op.Type, "cursor", op.Cursor)
		operationsRestored.Inc()
		m.Resume(op.ID)
	}
	return len(ops), nil
}

// Get returns the stored operation.
func (m *Manager) Get(ctx context.Context, id string) (model.Operation, error) {
	return m.store.GetOperation(ctx, id)
}

// Wait polls until the operation is done or ctx ends. There is no
// server-side timeout; callers bound the wait with ctx.
func (m *Manager) Wait(ctx context.Context, id string) (model.Operation, error) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		op, err := m.store.GetOperation(ctx, id)
		if err != nil {
			return model.Operation{}, err
		}
		if op.Done {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return op, ctx.Err()
		case <-ticker.C:
		}
	}
}

// drive runs passes over id until no rerun was requested. Only one drive
// per id runs at a time; a concurrent call only requests a rerun.
func (m *Manager) drive(id string) {
	m.mu.Lock()
	if e, ok := m.active[id]; ok {
		e.rerun = true
		m.mu.Unlock()
		return
	}
	e := &execution{settled: make(chan struct{})}
	m.active[id] = e
	m.mu.Unlock()

	for {
		m.pass(id)

		m.mu.Lock()
		if e.rerun && !m.closed {
			e.rerun = false
			m.mu.Unlock()
			continue
		}
		delete(m.active, id)
		close(e.settled)
		m.mu.Unlock()
		return
	}
}

// pass executes steps from the stored cursor until the operation is done,
// suspends, or hits a transient error.
func (m *Manager) pass(id string) {
	ctx := m.ctx
	for {
		if ctx.Err() != nil {
			return
		}

		op, err := m.store.GetOperation(ctx, id)
		if err != nil {
			if model.IsNotFound(err) {
				return
			}
			m.logger.Error("load operation", "id", id, "error", err)
			m.retryLater(id, "")
			return
		}
		if op.Done {
			return
		}

		def, ok := m.defs[op.Type]
		if !ok {
			m.finish(ctx, op, Fail(model.Internal("unknown operation type %q", op.Type)))
			return
		}
		if op.Cursor >= len(def.Steps) {
			m.finish(ctx, op, Done(struct{}{}))
			return
		}

		if m.failpoint != nil {
			if err := m.failpoint(op.Type, op.Cursor); err != nil {
				m.logger.Warn("failpoint triggered",
					"id", op.ID, "type", op.Type, "step", def.Steps[op.Cursor].Name, "error", err)
				return
			}
		}

		step := def.Steps[op.Cursor]
		run := newRun(op)
		res := step.Run(ctx, run)

		m.logger.Debug("step executed", "id", op.ID, "type", op.Type, "step", step.Name, "result", res.kind)

		switch res.kind {
		case resultNext, resultGoto:
			target := op.Cursor + 1
			if res.kind == resultGoto {
				target = res.target
			}
			if !m.saveProgress(ctx, run, target) {
				return
			}
		case resultSuspend:
			m.saveProgress(ctx, run, run.cursor)
			return
		case resultDone, resultFail:
			m.finish(ctx, op, res, run)
			return
		default:
			m.finish(ctx, op, Fail(model.Internal("step %s returned no result", step.Name)))
			return
		}
	}
}

func (m *Manager) saveProgress(ctx context.Context, run *Run, cursor int) bool {
	var saved bool
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		saved, err = tx.SaveProgress(run.Op.ID, cursor, run.state, run.metadata)
		return err
	})
	if err != nil {
		m.logger.Error("save operation progress", "id", run.Op.ID, "error", err)
		m.retryLater(run.Op.ID, run.Op.Type)
		return false
	}
	return saved
}

// finish stores a terminal outcome. Transient failures are rescheduled
// instead. run, when given, contributes its last metadata.
func (m *Manager) finish(ctx context.Context, op model.Operation, res Result, run ...*Run) {
	if res.kind == resultFail {
		opErr, ok := model.AsError(res.err)
		if !ok {
			m.logger.Warn("step failed, retrying",
				"id", op.ID, "type", op.Type, "cursor", op.Cursor, "error", res.err)
			m.retryLater(op.ID, op.Type)
			return
		}
		err := m.store.Update(ctx, func(tx *store.Tx) error {
			if len(run) > 0 && run[0].metadata != nil {
				if _, err := tx.SaveProgress(op.ID, op.Cursor, run[0].state, run[0].metadata); err != nil {
					return err
				}
			}
			_, err := tx.FailOperation(op.ID, opErr)
			return err
		})
		if err != nil {
			m.logger.Error("fail operation", "id", op.ID, "error", err)
			m.retryLater(op.ID, op.Type)
			return
		}
		operationsFinished.WithLabelValues(string(op.Type), string(opErr.Code)).Inc()
		m.logger.Info("operation failed", "id", op.ID, "type", op.Type, "code", opErr.Code, "message", opErr.Message)
		return
	}

	response, err := json.Marshal(res.response)
	if err != nil {
		m.logger.Error("encode operation response", "id", op.ID, "error", err)
		m.finish(ctx, op, Fail(model.Internal("encode response: %v", err)))
		return
	}
	err = m.store.Update(ctx, func(tx *store.Tx) error {
		if len(run) > 0 && run[0].metadata != nil {
			if _, err := tx.SaveProgress(op.ID, op.Cursor, run[0].state, run[0].metadata); err != nil {
				return err
			}
		}
		_, err := tx.CompleteOperation(op.ID, response)
		return err
	})
	if err != nil {
		m.logger.Error("complete operation", "id", op.ID, "error", err)
		m.retryLater(op.ID, op.Type)
		return
	}
	operationsFinished.WithLabelValues(string(op.Type), "OK").Inc()
	m.logger.Info("operation done", "id", op.ID, "type", op.Type)
}

// retryLater resumes id after the retry delay.
func (m *Manager) retryLater(id string, typ model.OperationType) {
	if typ != "" {
		stepRetries.WithLabelValues(string(typ)).Inc()
	}
	time.AfterFunc(m.retryDelay, func() {
		m.Resume(id)
	})
}
