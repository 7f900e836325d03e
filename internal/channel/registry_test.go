package channel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chanmgr/internal/model"
	"github.com/roach88/chanmgr/internal/store"
)

func TestCreate(t *testing.T) {
	f := newFixture(t)

	ch := f.create("out", &model.StoragePeer{URI: "s3://bucket/key", Role: model.RoleProducer})

	assert.NotEmpty(t, ch.ID)
	assert.Equal(t, "exec-1", ch.ExecutionID)
	assert.Equal(t, "out", ch.Name)
	assert.Equal(t, "bytes", ch.Scheme)
	assert.Equal(t, model.ChannelAlive, ch.State)

	st := f.status(ch.ID)
	require.Len(t, st.Producers, 1)
	assert.Empty(t, st.Consumers)
	storage := st.Producers[0]
	assert.Equal(t, "s3://bucket/key", storage.ID)
	assert.Equal(t, model.OwnerStorage, storage.OwnerType)
	assert.Equal(t, int64(1), storage.Priority)
}

func TestCreate_DuplicateName(t *testing.T) {
	f := newFixture(t)
	f.create("dup", nil)

	_, err := f.mgr.Create(f.ctx(), model.CreateRequest{
		ExecutionID: "exec-1", WorkflowName: "wf", UserID: "user-1",
		Spec: model.ChannelSpec{Name: "dup"},
	})
	require.Error(t, err)
	assert.True(t, model.IsAlreadyExists(err))

	// The same name in another execution is a different channel.
	f.createIn("exec-2", "dup", nil)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Create(f.ctx(), model.CreateRequest{ExecutionID: "e", WorkflowName: "wf", UserID: "u"})
	assert.Equal(t, model.CodeInvalidArgument, model.CodeOf(err))

	ops, err := f.mgr.ListActiveOperations(f.ctx())
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestCreate_IdempotencyKey(t *testing.T) {
	f := newFixture(t)
	req := model.CreateRequest{
		ExecutionID: "exec-1", WorkflowName: "wf", UserID: "user-1",
		Spec:           model.ChannelSpec{Name: "once"},
		IdempotencyKey: "create-once",
	}

	first, err := f.mgr.Create(f.ctx(), req)
	require.NoError(t, err)
	second, err := f.mgr.Create(f.ctx(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	all, err := f.mgr.StatusAll(f.ctx(), "exec-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetOrCreate_ByStorage(t *testing.T) {
	f := newFixture(t)
	req := model.CreateRequest{
		ExecutionID: "exec-1", WorkflowName: "wf", UserID: "user-1",
		StoragePeer: &model.StoragePeer{URI: "s3://bucket/a", Role: model.RoleProducer},
	}

	first, err := f.mgr.GetOrCreate(f.ctx(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, first.Name, "empty name defaults to the channel id")

	second, err := f.mgr.GetOrCreate(f.ctx(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	req.StoragePeer = &model.StoragePeer{URI: "s3://bucket/b", Role: model.RoleProducer}
	other, err := f.mgr.GetOrCreate(f.ctx(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	req.ExecutionID = "exec-2"
	req.StoragePeer = &model.StoragePeer{URI: "s3://bucket/a", Role: model.RoleProducer}
	elsewhere, err := f.mgr.GetOrCreate(f.ctx(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, elsewhere.ID)
}

func TestGetOrCreate_ByName(t *testing.T) {
	f := newFixture(t)
	existing := f.create("named", nil)

	got, err := f.mgr.GetOrCreate(f.ctx(), model.CreateRequest{
		ExecutionID: "exec-1", WorkflowName: "wf", UserID: "user-1",
		Spec: model.ChannelSpec{Name: "named"},
	})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, got.ID)
}

func TestStatus_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Status(f.ctx(), "missing")
	assert.True(t, model.IsNotFound(err))

	_, err = f.mgr.StatusAll(f.ctx(), "")
	assert.Equal(t, model.CodeInvalidArgument, model.CodeOf(err))
}

func TestStatus_OrdersProducersByPriority(t *testing.T) {
	f := newFixture(t)
	ch := f.create("ordered", &model.StoragePeer{URI: "s3://in", Role: model.RoleProducer})
	f.bind(ch.ID, "portal", model.RoleProducer, model.OwnerPortal)
	f.bind(ch.ID, "worker", model.RoleProducer, model.OwnerWorker)
	f.bind(ch.ID, "c1", model.RoleConsumer, model.OwnerWorker)

	// Move the storage producer behind the others.
	require.NoError(t, f.store.Update(f.ctx(), func(tx *store.Tx) error {
		return decrementPriority(tx, ch.ID, "s3://in")
	}))

	st := f.status(ch.ID)
	assert.Equal(t, []string{"portal", "worker", "s3://in"}, peerIDs(st.Producers))
	assert.Equal(t, []string{"c1"}, peerIDs(st.Consumers))

	data, err := json.Marshal(st)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "requestHash")
}

func TestScenarioE_DestroyAll(t *testing.T) {
	f := newFixture(t)
	a := f.createIn("exec-1", "a", nil)
	f.createIn("exec-1", "b", &model.StoragePeer{URI: "s3://b", Role: model.RoleConsumer})
	keep := f.createIn("exec-2", "a", nil)
	f.bind(a.ID, "w1", model.RoleConsumer, model.OwnerWorker)

	op, err := f.mgr.DestroyAll(f.ctx(), model.DestroyAllRequest{ExecutionID: "exec-1"})
	require.NoError(t, err)
	require.True(t, op.Done)
	var resp DestroyResponse
	require.NoError(t, json.Unmarshal(op.Response, &resp))
	assert.Len(t, resp.Destroyed, 2)

	all, err := f.mgr.StatusAll(f.ctx(), "exec-1")
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.NotNil(t, all)

	others, err := f.mgr.StatusAll(f.ctx(), "exec-2")
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Equal(t, keep.ID, others[0].Channel.ID)

	// The worker slot was released; the storage peer has no runtime.
	assert.Equal(t, []string{"w1"}, f.slots.Released("disconnect"))
	assert.Equal(t, []string{"w1"}, f.slots.Released("destroy"))
}

func TestDestroy_Idempotent(t *testing.T) {
	f := newFixture(t)
	ch := f.create("gone", nil)

	op, err := f.mgr.Destroy(f.ctx(), model.DestroyRequest{ChannelID: ch.ID})
	require.NoError(t, err)
	assert.True(t, op.Done)

	_, err = f.mgr.Status(f.ctx(), ch.ID)
	assert.True(t, model.IsNotFound(err))

	again, err := f.mgr.Destroy(f.ctx(), model.DestroyRequest{ChannelID: ch.ID})
	require.NoError(t, err)
	assert.True(t, again.Done)
	assert.NotEqual(t, op.ID, again.ID)
	var resp DestroyResponse
	require.NoError(t, json.Unmarshal(again.Response, &resp))
	assert.Empty(t, resp.Destroyed)
}

func TestDestroy_SameKeyReplays(t *testing.T) {
	f := newFixture(t)
	ch := f.create("gone", nil)
	req := model.DestroyRequest{ChannelID: ch.ID, IdempotencyKey: "destroy-1"}

	first, err := f.mgr.Destroy(f.ctx(), req)
	require.NoError(t, err)
	second, err := f.mgr.Destroy(f.ctx(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.JSONEq(t, string(first.Response), string(second.Response))
}
