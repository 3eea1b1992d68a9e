package streammanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/xstream/pkg/eventbus"
	"github.com/corvidlabs/xstream/pkg/poller"
	"github.com/corvidlabs/xstream/pkg/pool"
	"github.com/corvidlabs/xstream/pkg/ratelimit"
	"github.com/corvidlabs/xstream/pkg/scraper"
	"github.com/corvidlabs/xstream/pkg/store"
	"github.com/corvidlabs/xstream/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	p := pool.New(pool.Config{MaxHandles: 0})
	t.Cleanup(func() { _ = p.Close() })

	deps := poller.Deps{
		Store:       st,
		Pool:        p,
		Dispatcher:  scraper.NewDispatcher(),
		RateLimiter: ratelimit.NewRegistry(ratelimit.DefaultConfig()),
		Bus:         eventbus.New(st, 10),
	}

	cfg := DefaultConfig()
	cfg.StopGrace = 100 * time.Millisecond
	return New(cfg, deps), st
}

func TestManager_Create_RejectsDuplicateKindTarget(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, types.StreamKindTweet, "someuser", 60_000, CreateOptions{})
	require.NoError(t, err)

	_, err = m.Create(ctx, types.StreamKindTweet, "someuser", 60_000, CreateOptions{})
	assert.ErrorIs(t, err, ErrDuplicateStream)
}

func TestManager_Create_AllowsSameTargetDifferentKind(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, types.StreamKindTweet, "someuser", 60_000, CreateOptions{})
	require.NoError(t, err)

	_, err = m.Create(ctx, types.StreamKindFollower, "someuser", 60_000, CreateOptions{})
	assert.NoError(t, err)
}

func TestManager_Create_AcceptsZeroAndInBoundsIntervals(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		interval int64
		want     int64
	}{
		{"zero uses default", 0, m.cfg.DefaultIntervalMS},
		{"within bounds unchanged", 120_000, 120_000},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := m.Create(ctx, types.StreamKindTweet, assertTarget(i), tt.interval, CreateOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.IntervalMS)
		})
	}
}

func TestManager_Create_RejectsOutOfRangeInterval(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		interval int64
	}{
		{"below minimum", 1000},
		{"above maximum", 10_000_000},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(ctx, types.StreamKindTweet, assertTarget(i), tt.interval, CreateOptions{})
			require.Error(t, err)
			assert.Equal(t, types.FaultValidation, types.KindOf(err))
			assert.Len(t, m.List(), 0)
		})
	}
}

func assertTarget(i int) string {
	return "user" + string(rune('a'+i))
}

func TestManager_Create_DefaultsOperationByKind(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	tweet, err := m.Create(ctx, types.StreamKindTweet, "u1", 60_000, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "list-tweets-by-user", tweet.OperationName)

	follower, err := m.Create(ctx, types.StreamKindFollower, "u2", 60_000, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "list-followers", follower.OperationName)

	mention, err := m.Create(ctx, types.StreamKindMention, "u3", 60_000, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "search-mentions", mention.OperationName)
}

func TestManager_StatusAndList(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, types.StreamKindTweet, "u1", 60_000, CreateOptions{})
	require.NoError(t, err)

	got, err := m.Status(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, types.StreamStateRunning, got.State)

	_, err = m.Status("does-not-exist")
	assert.ErrorIs(t, err, ErrStreamNotFound)

	assert.Len(t, m.List(), 1)
}

func TestManager_PauseAndResume(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, types.StreamKindTweet, "u1", 60_000, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, m.PauseStream(ctx, s.ID))
	got, err := m.Status(s.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStatePaused, got.State)

	require.NoError(t, m.ResumeStream(ctx, s.ID))
	got, err = m.Status(s.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStateRunning, got.State)
}

func TestManager_PauseStream_UnknownID(t *testing.T) {
	m, _ := newTestManager(t)
	assert.ErrorIs(t, m.PauseStream(context.Background(), "missing"), ErrStreamNotFound)
}

func TestManager_UpdateInterval_PersistsInBoundsValue(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, types.StreamKindTweet, "u1", 60_000, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, m.UpdateInterval(ctx, s.ID, 120_000))
	got, err := m.Status(s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(120_000), got.IntervalMS)
}

func TestManager_UpdateInterval_RejectsOutOfRangeInterval(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, types.StreamKindTweet, "u1", 60_000, CreateOptions{})
	require.NoError(t, err)

	err = m.UpdateInterval(ctx, s.ID, 999_999_999)
	require.Error(t, err)
	assert.Equal(t, types.FaultValidation, types.KindOf(err))

	got, statusErr := m.Status(s.ID)
	require.NoError(t, statusErr)
	assert.Equal(t, int64(60_000), got.IntervalMS)
}

func TestManager_StopStream_MarksStoppedButKeepsRecord(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, types.StreamKindTweet, "u1", 60_000, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, m.StopStream(ctx, s.ID))
	got, err := m.Status(s.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStateStopped, got.State)

	// Idempotent: stopping an already-stopped stream is fine.
	assert.NoError(t, m.StopStream(ctx, s.ID))
}

func TestManager_Create_AfterStopStream_SucceedsAgainForSameKindTarget(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, types.StreamKindTweet, "u1", 60_000, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.StopStream(ctx, first.ID))

	second, err := m.Create(ctx, types.StreamKindTweet, "u1", 60_000, CreateOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestManager_Create_BuildsSpecFormattedStreamID(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, types.StreamKindFollower, "someuser", 60_000, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "stream_follower_someuser_", s.ID[:len("stream_follower_someuser_")])
	assert.Len(t, s.ID, len("stream_follower_someuser_")+8)
}

func TestManager_StopAll_StopsEveryNonStoppedStream(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		s, err := m.Create(ctx, types.StreamKindTweet, assertTarget(i), 60_000, CreateOptions{})
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}

	require.NoError(t, m.StopAll(ctx))
	for _, id := range ids {
		got, err := m.Status(id)
		require.NoError(t, err)
		assert.Equal(t, types.StreamStateStopped, got.State)
	}
}

func TestManager_GlobalStats_AggregatesStateCounts(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s1, err := m.Create(ctx, types.StreamKindTweet, "u1", 60_000, CreateOptions{})
	require.NoError(t, err)
	_, err = m.Create(ctx, types.StreamKindTweet, "u2", 60_000, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.StopStream(ctx, s1.ID))

	stats := m.GlobalStats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Stopped)
}

func TestManager_History_UnknownStream(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.History(context.Background(), "missing", 0, nil)
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestManager_Restart_ReplaysStoppedAndRunningStates(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, types.StreamKindTweet, "u1", 60_000, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.StopStream(ctx, s.ID))

	running, err := m.Create(ctx, types.StreamKindTweet, "u2", 60_000, CreateOptions{})
	require.NoError(t, err)

	// Simulate a process restart: fresh in-memory Manager, same Store.
	deps := m.deps
	m2 := New(m.cfg, deps)
	require.NoError(t, m2.Start(ctx))

	stoppedStatus, err := m2.Status(s.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStateStopped, stoppedStatus.State)

	runningStatus, err := m2.Status(running.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStateRunning, runningStatus.State)
}

func TestManager_OnBackoffAndOnStopped_UpdatePersistedRecord(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, types.StreamKindTweet, "u1", 60_000, CreateOptions{})
	require.NoError(t, err)

	until := time.Now().Add(time.Minute)
	m.OnBackoff(s.ID, 3, until)
	got, err := m.Status(s.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStateBackoff, got.State)
	assert.Equal(t, 3, got.ConsecutiveErrors)

	m.OnStopped(s.ID, errors.New("max consecutive errors"))
	got, err = m.Status(s.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStateStopped, got.State)
}
