package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/xstream/pkg/store"
	"github.com/corvidlabs/xstream/pkg/types"
)

func newTestBus(t *testing.T) (*Bus, store.Store) {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, 10), st
}

func TestBus_PublishDeliversToJoiner(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	sub := b.Join("stream-1")
	defer b.Leave("stream-1", sub)

	ev := &types.Event{StreamID: "stream-1", Topic: types.TopicTweet, Timestamp: time.Now()}
	require.NoError(t, b.Publish(ctx, ev))

	select {
	case got := <-sub:
		assert.Equal(t, types.TopicTweet, got.Topic)
		assert.NotZero(t, got.Seq)
	case <-time.After(time.Second):
		t.Fatal("expected joiner to receive the published event")
	}
}

func TestBus_PublishDoesNotDeliverToOtherStreams(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	sub := b.Join("stream-other")
	defer b.Leave("stream-other", sub)

	require.NoError(t, b.Publish(ctx, &types.Event{StreamID: "stream-1", Topic: types.TopicTweet}))

	select {
	case ev := <-sub:
		t.Fatalf("unexpected event delivered to unrelated subscriber: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_HistoryPersistsAcrossJoins(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, &types.Event{StreamID: "stream-1", Topic: types.TopicTweet}))
	}

	history, err := b.History(ctx, "stream-1", 0, nil)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestBus_HistoryFiltersByTopic(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, &types.Event{StreamID: "stream-1", Topic: types.TopicTweet}))
	require.NoError(t, b.Publish(ctx, &types.Event{StreamID: "stream-1", Topic: types.TopicFollower}))

	topic := types.TopicFollower
	history, err := b.History(ctx, "stream-1", 0, &topic)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.TopicFollower, history[0].Topic)
}

func TestBus_HistoryRespectsLimit(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, &types.Event{StreamID: "stream-1", Topic: types.TopicTweet}))
	}

	history, err := b.History(ctx, "stream-1", 2, nil)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestBus_LeaveClosesChannelAndStopsDelivery(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	sub := b.Join("stream-1")
	require.Equal(t, 1, b.SubscriberCount("stream-1"))

	b.Leave("stream-1", sub)
	assert.Equal(t, 0, b.SubscriberCount("stream-1"))

	_, open := <-sub
	assert.False(t, open, "expected channel to be closed after Leave")

	require.NoError(t, b.Publish(ctx, &types.Event{StreamID: "stream-1", Topic: types.TopicTweet}))
}
