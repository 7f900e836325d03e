package channel

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chanmgr/internal/model"
	"github.com/roach88/chanmgr/internal/slots"
	"github.com/roach88/chanmgr/internal/store"
)

func TestScenarioA_ConsumerMatchesStorageProducer(t *testing.T) {
	f := newFixture(t)
	ch := f.create("in", &model.StoragePeer{URI: "s3://bucket", Role: model.RoleProducer})

	op := f.bind(ch.ID, "1", model.RoleConsumer, model.OwnerWorker)

	assert.False(t, op.Done, "bind stays open while the transfer runs")
	got := matched(t, op)
	require.NotNil(t, got.Peer)
	assert.Equal(t, "s3://bucket", got.Peer.ID)
	assert.Equal(t, model.OwnerStorage, got.Peer.OwnerType)
	assert.Equal(t, model.TransferActive, f.transferState(got.TransferID))

	st := f.status(ch.ID)
	assert.Len(t, st.Producers, 1)
	assert.Len(t, st.Consumers, 1)
	assert.True(t, st.Consumers[0].Connected)

	// Storage has no runtime: the consumer's runtime pulls the data.
	connects := f.slots.Calls()
	require.Len(t, connects, 1)
	assert.Equal(t, "http://1", connects[0].Target)
	assert.Equal(t, got.TransferID, connects[0].Connect.TransferID)
	assert.True(t, connects[0].Connect.From.Storage)

	require.NoError(t, f.mgr.TransferCompleted(f.ctx(), ch.ID, got.TransferID))
	done := response(t, f.wait(op.ID))
	assert.Equal(t, "s3://bucket", done.Peer.ID)
	assert.Equal(t, got.TransferID, done.TransferID)

	// Repeated completion reports are accepted.
	require.NoError(t, f.mgr.TransferCompleted(f.ctx(), ch.ID, got.TransferID))
}

func TestScenarioB_RelayPromotion(t *testing.T) {
	f := newFixture(t)
	ch := f.create("out", &model.StoragePeer{URI: "s3://sink", Role: model.RoleConsumer})

	producer := f.bind(ch.ID, "1", model.RoleProducer, model.OwnerWorker)
	assert.False(t, producer.Done)
	feeding := matched(t, producer)
	require.NotNil(t, feeding.Peer)
	assert.Equal(t, "s3://sink", feeding.Peer.ID)

	connects := f.slots.Connects()
	require.Len(t, connects, 1)
	assert.Equal(t, "1", connects[0].From.PeerID)
	assert.Equal(t, "s3://sink", connects[0].To.PeerID)
	assert.Equal(t, "http://1", f.slots.Calls()[0].Target)

	require.NoError(t, f.mgr.TransferCompleted(f.ctx(), ch.ID, feeding.TransferID))
	done := response(t, f.wait(producer.ID))
	assert.Equal(t, feeding.TransferID, done.TransferID)

	st := f.status(ch.ID)
	assert.Empty(t, st.Consumers)
	require.Len(t, st.Producers, 2)
	assert.Equal(t, []string{"1", "s3://sink"}, peerIDs(st.Producers))
	assert.Equal(t, model.OwnerStorage, st.Producers[1].OwnerType)

	consumer := f.bind(ch.ID, "2", model.RoleConsumer, model.OwnerWorker)
	got := matched(t, consumer)
	require.NotNil(t, got.Peer)
	assert.Equal(t, "1", got.Peer.ID)
}

func TestScenarioC_SecondWorkerProducer(t *testing.T) {
	f := newFixture(t)
	ch := f.create("c", nil)

	first := f.bind(ch.ID, "p1", model.RoleProducer, model.OwnerWorker)
	assert.True(t, first.Done, "nothing to feed")
	assert.Nil(t, first.Error)

	_, err := f.mgr.Bind(f.ctx(), bindRequest(ch.ID, "p2", model.RoleProducer, model.OwnerWorker))
	require.Error(t, err)
	assert.Equal(t, model.CodeFailedPrecondition, model.CodeOf(err))

	// Consumers are unlimited.
	f.bind(ch.ID, "c1", model.RoleConsumer, model.OwnerWorker)
	f.bind(ch.ID, "c2", model.RoleConsumer, model.OwnerWorker)
	st := f.status(ch.ID)
	assert.Equal(t, []string{"p1"}, peerIDs(st.Producers))
	assert.Equal(t, []string{"c1", "c2"}, peerIDs(st.Consumers))
}

func TestPortalCardinality(t *testing.T) {
	f := newFixture(t)
	ch := f.create("portal", nil)

	f.bind(ch.ID, "portal-in", model.RoleConsumer, model.OwnerPortal)
	_, err := f.mgr.Bind(f.ctx(), bindRequest(ch.ID, "portal-out", model.RoleProducer, model.OwnerPortal))
	assert.Equal(t, model.CodeFailedPrecondition, model.CodeOf(err))

	_, err = f.mgr.Unbind(f.ctx(), model.UnbindRequest{ChannelID: ch.ID, PeerID: "portal-in"})
	require.NoError(t, err)

	op := f.bind(ch.ID, "portal-out", model.RoleProducer, model.OwnerPortal)
	assert.True(t, op.Done)
	assert.Nil(t, op.Error)
}

func TestBind_PeerIDReusedWithOtherKey(t *testing.T) {
	f := newFixture(t)
	ch := f.create("dup", nil)

	req := bindRequest(ch.ID, "c1", model.RoleConsumer, model.OwnerWorker)
	req.IdempotencyKey = "bind-1"
	first, err := f.mgr.Bind(f.ctx(), req)
	require.NoError(t, err)

	replay, err := f.mgr.Bind(f.ctx(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)

	req.IdempotencyKey = "bind-2"
	_, err = f.mgr.Bind(f.ctx(), req)
	assert.True(t, model.IsAlreadyExists(err))

	req.IdempotencyKey = "bind-1"
	req.Address = "http://elsewhere"
	_, err = f.mgr.Bind(f.ctx(), req)
	assert.True(t, model.IsAlreadyExists(err), "same key, different payload")
}

func TestBind_ConcurrentSameKey(t *testing.T) {
	f := newFixture(t)
	ch := f.create("conc", &model.StoragePeer{URI: "s3://src", Role: model.RoleProducer})
	req := bindRequest(ch.ID, "c1", model.RoleConsumer, model.OwnerWorker)
	req.IdempotencyKey = "shared"

	const n = 8
	var wg sync.WaitGroup
	ops := make([]model.Operation, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ops[i], errs[i] = f.mgr.Bind(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ops[0].ID, ops[i].ID)
		assert.JSONEq(t, string(ops[0].Metadata), string(ops[i].Metadata))
	}
	assert.Len(t, f.status(ch.ID).Consumers, 1)
	assert.Len(t, f.slots.Connects(), 1)
}

func TestBind_Validation(t *testing.T) {
	f := newFixture(t)
	ch := f.create("v", nil)

	req := bindRequest(ch.ID, "", model.RoleConsumer, model.OwnerWorker)
	_, err := f.mgr.Bind(f.ctx(), req)
	assert.Equal(t, model.CodeInvalidArgument, model.CodeOf(err))

	req = bindRequest(ch.ID, "s", model.RoleConsumer, model.OwnerStorage)
	_, err = f.mgr.Bind(f.ctx(), req)
	assert.Equal(t, model.CodeInvalidArgument, model.CodeOf(err))
}

func TestBind_MissingChannel(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Bind(f.ctx(), bindRequest("missing", "c1", model.RoleConsumer, model.OwnerWorker))
	assert.True(t, model.IsNotFound(err))
}

func TestBind_EarlyConsumerLateProducer(t *testing.T) {
	f := newFixture(t)
	ch := f.create("late", nil)

	consumer := f.bind(ch.ID, "c1", model.RoleConsumer, model.OwnerWorker)
	assert.False(t, consumer.Done)
	assert.Nil(t, matched(t, consumer).Peer)
	assert.Empty(t, f.slots.Connects())

	f.bind(ch.ID, "p1", model.RoleProducer, model.OwnerWorker)

	got := f.awaitMatch(consumer.ID, "p1")
	require.NoError(t, f.mgr.TransferCompleted(f.ctx(), ch.ID, got.TransferID))
	assert.Equal(t, "p1", response(t, f.wait(consumer.ID)).Peer.ID)
}

func TestBind_ProducerServesConsumersOneAtATime(t *testing.T) {
	f := newFixture(t)
	ch := f.create("serial", nil)
	f.bind(ch.ID, "p1", model.RoleProducer, model.OwnerWorker)

	c1 := f.bind(ch.ID, "c1", model.RoleConsumer, model.OwnerWorker)
	first := matched(t, c1)
	require.NotNil(t, first.Peer)

	c2 := f.bind(ch.ID, "c2", model.RoleConsumer, model.OwnerWorker)
	assert.Nil(t, matched(t, c2).Peer, "p1 is busy")

	require.NoError(t, f.mgr.TransferCompleted(f.ctx(), ch.ID, first.TransferID))
	f.awaitMatch(c2.ID, "p1")
	response(t, f.wait(c1.ID))
}

func TestPriority_ReselectAfterFailure(t *testing.T) {
	f := newFixture(t)
	ch := f.create("prio", &model.StoragePeer{URI: "s3://p1", Role: model.RoleProducer})
	f.bind(ch.ID, "p2", model.RoleProducer, model.OwnerWorker)

	consumer := f.bind(ch.ID, "c", model.RoleConsumer, model.OwnerWorker)
	first := matched(t, consumer)
	require.NotNil(t, first.Peer)
	assert.Equal(t, "s3://p1", first.Peer.ID)

	resp, err := f.mgr.TransferFailed(f.ctx(), ch.ID, first.TransferID, "checksum mismatch")
	require.NoError(t, err)
	require.NotNil(t, resp.NewPeer)
	assert.Equal(t, "p2", resp.NewPeer.ID)
	assert.NotEmpty(t, resp.NewTransferID)

	second := f.awaitMatch(consumer.ID, "p2")
	assert.Equal(t, resp.NewTransferID, second.TransferID)
	assert.Equal(t, []string{"p2", "s3://p1"}, peerIDs(f.status(ch.ID).Producers))

	// A repeated failure report returns the same reselection.
	again, err := f.mgr.TransferFailed(f.ctx(), ch.ID, first.TransferID, "checksum mismatch")
	require.NoError(t, err)
	require.NotNil(t, again.NewPeer)
	assert.Equal(t, resp.NewTransferID, again.NewTransferID)

	require.NoError(t, f.mgr.TransferCompleted(f.ctx(), ch.ID, second.TransferID))
	done := response(t, f.wait(consumer.ID))
	assert.Equal(t, "p2", done.Peer.ID)
}

func TestTransferFailed_NoCandidateWaits(t *testing.T) {
	f := newFixture(t)
	ch := f.create("wait", nil)
	f.bind(ch.ID, "p1", model.RoleProducer, model.OwnerWorker)
	consumer := f.bind(ch.ID, "c", model.RoleConsumer, model.OwnerWorker)
	first := matched(t, consumer)

	resp, err := f.mgr.TransferFailed(f.ctx(), ch.ID, first.TransferID, "runtime died")
	require.NoError(t, err)
	assert.Nil(t, resp.NewPeer)

	op, err := f.mgr.GetOperation(f.ctx(), consumer.ID)
	require.NoError(t, err)
	assert.False(t, op.Done)

	// A portal producer shows up later and serves the consumer.
	f.bind(ch.ID, "portal", model.RoleProducer, model.OwnerPortal)
	f.awaitMatch(consumer.ID, "portal")
}

func TestTransferFailed_StorageSinkIsInternal(t *testing.T) {
	f := newFixture(t)
	ch := f.create("sink", &model.StoragePeer{URI: "s3://sink", Role: model.RoleConsumer})
	producer := f.bind(ch.ID, "1", model.RoleProducer, model.OwnerWorker)
	feeding := matched(t, producer)

	_, err := f.mgr.TransferFailed(f.ctx(), ch.ID, feeding.TransferID, "bucket full")
	assert.Equal(t, model.CodeInternal, model.CodeOf(err))

	op := f.wait(producer.ID)
	require.True(t, op.Failed())
	assert.Equal(t, model.CodeInternal, op.Error.Code)
	assert.Contains(t, op.Error.Message, "bucket full")

	st := f.status(ch.ID)
	assert.Equal(t, []string{"s3://sink"}, peerIDs(st.Consumers), "no relay promotion")
}

func TestTransferFailed_StorageSinkNotFedAgain(t *testing.T) {
	f := newFixture(t)
	ch := f.create("sink", &model.StoragePeer{URI: "s3://sink", Role: model.RoleConsumer})
	producer := f.bind(ch.ID, "1", model.RoleProducer, model.OwnerWorker)
	feeding := matched(t, producer)
	_, err := f.mgr.TransferFailed(f.ctx(), ch.ID, feeding.TransferID, "bucket full")
	require.Error(t, err)

	late := f.bind(ch.ID, "portal", model.RoleProducer, model.OwnerPortal)
	assert.True(t, late.Done)
	assert.Nil(t, late.Error)
	assert.Nil(t, matched(t, late).Peer)

	var transfers []model.Transfer
	err = f.store.View(f.ctx(), func(tx *store.Tx) error {
		var err error
		transfers, err = tx.ListPeerTransfers(ch.ID, "s3://sink")
		return err
	})
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, model.TransferFailed, transfers[0].State)
	assert.Len(t, f.slots.Connects(), 1, "only the failed feed was connected")
}

func TestTransferCallbacks_Errors(t *testing.T) {
	f := newFixture(t)
	ch := f.create("cb", &model.StoragePeer{URI: "s3://src", Role: model.RoleProducer})
	other := f.create("other", nil)
	op := f.bind(ch.ID, "c", model.RoleConsumer, model.OwnerWorker)
	tr := matched(t, op).TransferID

	assert.True(t, model.IsNotFound(f.mgr.TransferCompleted(f.ctx(), ch.ID, "missing")))
	assert.True(t, model.IsNotFound(f.mgr.TransferCompleted(f.ctx(), other.ID, tr)))

	require.NoError(t, f.mgr.TransferCompleted(f.ctx(), ch.ID, tr))
	_, err := f.mgr.TransferFailed(f.ctx(), ch.ID, tr, "late")
	assert.True(t, model.IsFailedPrecondition(err))
}

func TestConnect_RejectedTriggersReselection(t *testing.T) {
	f := newFixture(t)
	ch := f.create("reject", &model.StoragePeer{URI: "s3://gone", Role: model.RoleProducer})
	f.bind(ch.ID, "p2", model.RoleProducer, model.OwnerWorker)

	f.slots.SetConnectErr(func(req slots.ConnectRequest) error {
		if req.From.PeerID == "s3://gone" {
			return model.NotFound("object missing")
		}
		return nil
	})

	consumer := f.bind(ch.ID, "c", model.RoleConsumer, model.OwnerWorker)
	got := f.awaitMatch(consumer.ID, "p2")

	connects := f.slots.Connects()
	require.Len(t, connects, 1)
	assert.Equal(t, got.TransferID, connects[0].TransferID)
}

func TestConnect_TransientErrorIsRetried(t *testing.T) {
	f := newFixture(t)
	ch := f.create("flaky", &model.StoragePeer{URI: "s3://src", Role: model.RoleProducer})

	var mu sync.Mutex
	failures := 2
	f.slots.SetConnectErr(func(slots.ConnectRequest) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return errors.New("connection refused")
		}
		return nil
	})

	consumer := f.bind(ch.ID, "c", model.RoleConsumer, model.OwnerWorker)
	got := f.awaitMatch(consumer.ID, "s3://src")
	assert.Len(t, f.slots.Connects(), 1)

	var transfers []model.Transfer
	require.NoError(t, f.store.View(f.ctx(), func(tx *store.Tx) error {
		var err error
		transfers, err = tx.ListTransfers(ch.ID)
		return err
	}))
	require.Len(t, transfers, 1, "retries reuse the transfer")
	assert.Equal(t, got.TransferID, transfers[0].ID)
}
