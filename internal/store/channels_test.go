package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chanmgr/internal/model"
)

func TestInsertChannel_DuplicateNameInExecution(t *testing.T) {
	s := createTestStore(t)
	seedChannel(t, s, "ch-1", "ex-1", "data")

	err := s.Update(context.Background(), func(tx *Tx) error {
		_, err := tx.InsertChannel(model.Channel{ID: "ch-2", ExecutionID: "ex-1", Name: "data"}, nil)
		return err
	})
	require.Error(t, err)
	assert.True(t, model.IsAlreadyExists(err))

	// Same name in another execution is fine.
	seedChannel(t, s, "ch-3", "ex-2", "data")
}

func TestGetChannel_NotFound(t *testing.T) {
	s := createTestStore(t)

	err := s.View(context.Background(), func(tx *Tx) error {
		_, err := tx.GetChannel("missing")
		return err
	})
	assert.True(t, model.IsNotFound(err))
}

func TestGetAliveChannel_Destroying(t *testing.T) {
	s := createTestStore(t)
	seedChannel(t, s, "ch-1", "ex-1", "data")

	update(t, s, func(tx *Tx) error {
		ok, err := tx.SetChannelState("ch-1", model.ChannelDestroying)
		assert.True(t, ok)
		return err
	})

	err := s.View(context.Background(), func(tx *Tx) error {
		_, err := tx.GetAliveChannel("ch-1")
		return err
	})
	assert.True(t, model.IsNotFound(err))
}

func TestFindChannelByStorage(t *testing.T) {
	s := createTestStore(t)
	storage := model.StoragePeer{URI: "s3://bucket/a", Role: model.RoleProducer}

	update(t, s, func(tx *Tx) error {
		_, err := tx.InsertChannel(model.Channel{ID: "ch-1", ExecutionID: "ex-1", Name: "a"}, &storage)
		return err
	})

	err := s.View(context.Background(), func(tx *Tx) error {
		ch, ok, err := tx.FindChannelByStorage("ex-1", storage)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "ch-1", ch.ID)

		_, ok, err = tx.FindChannelByStorage("ex-2", storage)
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = tx.FindChannelByStorage("ex-1", model.StoragePeer{URI: storage.URI, Role: model.RoleConsumer})
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestListChannels_ScopedToExecution(t *testing.T) {
	s := createTestStore(t)
	seedChannel(t, s, "ch-1", "ex-1", "a")
	seedChannel(t, s, "ch-2", "ex-1", "b")
	seedChannel(t, s, "ch-3", "ex-2", "a")

	err := s.View(context.Background(), func(tx *Tx) error {
		chs, err := tx.ListChannels("ex-1")
		require.NoError(t, err)
		require.Len(t, chs, 2)
		assert.Equal(t, "ch-1", chs[0].ID)
		assert.Equal(t, "ch-2", chs[1].ID)
		assert.Equal(t, model.ChannelAlive, chs[0].State)
		assert.Equal(t, testNow, chs[0].CreatedAt)

		empty, err := tx.ListChannels("ex-none")
		require.NoError(t, err)
		assert.NotNil(t, empty)
		assert.Empty(t, empty)
		return nil
	})
	require.NoError(t, err)
}

func TestNextPriority_StrictlyIncreasing(t *testing.T) {
	s := createTestStore(t)
	seedChannel(t, s, "ch-1", "ex-1", "a")

	var got []int64
	for i := 0; i < 3; i++ {
		update(t, s, func(tx *Tx) error {
			p, err := tx.NextPriority("ch-1")
			got = append(got, p)
			return err
		})
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	s := createTestStore(t)

	err := s.Update(context.Background(), func(tx *Tx) error {
		if _, err := tx.InsertChannel(model.Channel{ID: "ch-1", ExecutionID: "ex-1", Name: "a"}, nil); err != nil {
			return err
		}
		return model.Internal("boom")
	})
	require.Error(t, err)

	err = s.View(context.Background(), func(tx *Tx) error {
		_, err := tx.GetChannel("ch-1")
		return err
	})
	assert.True(t, model.IsNotFound(err))
}
