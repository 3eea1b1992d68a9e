package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/corvidlabs/xstream/pkg/circadian"
	"github.com/corvidlabs/xstream/pkg/planner"
	"github.com/corvidlabs/xstream/pkg/ratelimit"
	"github.com/corvidlabs/xstream/pkg/scraper"
	"github.com/corvidlabs/xstream/pkg/store"
	"github.com/corvidlabs/xstream/pkg/types"
)

type fakePlanner struct {
	score int
	reply string
	posts []string
}

func (f fakePlanner) ScoreRelevance(_ context.Context, _ string, _ []string) (int, error) {
	return f.score, nil
}
func (f fakePlanner) GenerateReply(_ context.Context, _ string, _ planner.Persona) (string, error) {
	return f.reply, nil
}
func (f fakePlanner) GeneratePost(_ context.Context, _ string, _ planner.Persona, _ []string) ([]string, error) {
	return f.posts, nil
}

// callTracker counts how many times an operation name was invoked, for
// assertions that don't care about the result shape.
type callTracker struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCallTracker() *callTracker { return &callTracker{calls: make(map[string]int)} }

func (c *callTracker) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[name]++
}

func (c *callTracker) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestOrchestrator(t *testing.T, cfg Config, pl planner.Planner, tracker *callTracker) (*Orchestrator, *scraper.Dispatcher) {
	t.Helper()
	d := scraper.NewDispatcher()
	d.Register("list-tweets-by-user", func(_ context.Context, _ scraper.Args) (any, error) {
		tracker.record("list-tweets-by-user")
		return []scraper.Tweet{{ID: "t1", Text: "hello world"}, {ID: "t2", Text: "goodbye"}}, nil
	})
	d.Register("search-mentions", func(_ context.Context, _ scraper.Args) (any, error) {
		tracker.record("search-mentions")
		return []scraper.Tweet{{ID: "m1", Text: "mention one"}}, nil
	})
	d.Register("list-followers", func(_ context.Context, _ scraper.Args) (any, error) {
		tracker.record("list-followers")
		return []string{"cand1", "cand2"}, nil
	})
	d.Register("click-like", func(_ context.Context, _ scraper.Args) (any, error) {
		tracker.record("click-like")
		return nil, nil
	})
	d.Register("click-follow", func(_ context.Context, _ scraper.Args) (any, error) {
		tracker.record("click-follow")
		return nil, nil
	})
	d.Register("post-tweet", func(_ context.Context, _ scraper.Args) (any, error) {
		tracker.record("post-tweet")
		return nil, nil
	})
	d.Register("extract-profile", func(_ context.Context, _ scraper.Args) (any, error) {
		tracker.record("extract-profile")
		return &scraper.Profile{Handle: "someone"}, nil
	})

	if cfg.AgentID == "" {
		cfg.AgentID = "agent-1"
	}
	deps := Deps{
		Store:       newTestStore(t),
		Dispatcher:  d,
		RateLimiter: ratelimit.NewRegistry(ratelimit.DefaultConfig()),
		Circadian:   circadian.New(circadian.DefaultConfig(), 1),
		Planner:     pl,
	}
	return New(cfg, deps), d
}

func TestOrchestrator_RunHomeFeed_LikesHighScoringTweets(t *testing.T) {
	tracker := newCallTracker()
	cfg := DefaultConfig("agent-1")
	cfg.Targets.HomeFeedHandles = []string{"target1"}
	o, _ := newTestOrchestrator(t, cfg, fakePlanner{score: 90}, tracker)

	err := o.runHomeFeed(context.Background(), context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracker.count("click-like") != 2 {
		t.Fatalf("expected both candidate tweets to be liked, got %d calls", tracker.count("click-like"))
	}
	if o.quota.Remaining(types.QuotaLike) != cfg.DailyLimits[types.QuotaLike]-2 {
		t.Fatalf("expected quota to be decremented by 2, got remaining=%d", o.quota.Remaining(types.QuotaLike))
	}
}

func TestOrchestrator_RunHomeFeed_SkipsLowScoringTweets(t *testing.T) {
	tracker := newCallTracker()
	cfg := DefaultConfig("agent-1")
	cfg.Targets.HomeFeedHandles = []string{"target1"}
	o, _ := newTestOrchestrator(t, cfg, fakePlanner{score: 10}, tracker)

	if err := o.runHomeFeed(context.Background(), context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracker.count("click-like") != 0 {
		t.Fatalf("expected no likes for low-relevance tweets, got %d", tracker.count("click-like"))
	}
}

func TestOrchestrator_RunHomeFeed_NoTargetsConfiguredSkips(t *testing.T) {
	tracker := newCallTracker()
	cfg := DefaultConfig("agent-1")
	o, _ := newTestOrchestrator(t, cfg, fakePlanner{score: 90}, tracker)

	if err := o.runHomeFeed(context.Background(), context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracker.count("list-tweets-by-user") != 0 {
		t.Fatalf("expected no dispatch with no configured targets")
	}
}

func TestOrchestrator_RunCreateContent_RespectsExhaustedQuota(t *testing.T) {
	tracker := newCallTracker()
	cfg := DefaultConfig("agent-1")
	cfg.DailyLimits[types.QuotaPost] = 0
	o, _ := newTestOrchestrator(t, cfg, fakePlanner{posts: []string{"hello"}}, tracker)

	if err := o.runCreateContent(context.Background(), context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracker.count("post-tweet") != 0 {
		t.Fatalf("expected no post when the post quota is exhausted")
	}
}

func TestOrchestrator_RunCreateContent_PostsWhenQuotaAvailable(t *testing.T) {
	tracker := newCallTracker()
	cfg := DefaultConfig("agent-1")
	o, _ := newTestOrchestrator(t, cfg, fakePlanner{posts: []string{"hello there"}}, tracker)

	if err := o.runCreateContent(context.Background(), context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracker.count("post-tweet") != 1 {
		t.Fatalf("expected exactly one post, got %d", tracker.count("post-tweet"))
	}
	if o.quota.Counts[types.QuotaPost] != 1 {
		t.Fatalf("expected post quota counter to increment")
	}
}

func TestOrchestrator_RunInfluencerVisit_FollowsOnHighScore(t *testing.T) {
	tracker := newCallTracker()
	cfg := DefaultConfig("agent-1")
	cfg.Targets.InfluencerHandles = []string{"bigname"}
	o, _ := newTestOrchestrator(t, cfg, fakePlanner{score: 95}, tracker)

	if err := o.runInfluencerVisit(context.Background(), context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracker.count("extract-profile") != 1 || tracker.count("click-follow") != 1 {
		t.Fatalf("expected one profile view and one follow, got extract=%d follow=%d",
			tracker.count("extract-profile"), tracker.count("click-follow"))
	}
}

func TestOrchestrator_RunSearchPeople_StopsAfterFirstFollow(t *testing.T) {
	tracker := newCallTracker()
	cfg := DefaultConfig("agent-1")
	cfg.Targets.FollowCandidates = []string{"seed"}
	o, _ := newTestOrchestrator(t, cfg, fakePlanner{score: 80}, tracker)

	if err := o.runSearchPeople(context.Background(), context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracker.count("click-follow") != 1 {
		t.Fatalf("expected exactly one follow even with multiple candidates, got %d", tracker.count("click-follow"))
	}
}

func TestOrchestrator_HandleError_AuthFaultStopsAgent(t *testing.T) {
	tracker := newCallTracker()
	o, _ := newTestOrchestrator(t, DefaultConfig("agent-1"), fakePlanner{}, tracker)

	fault := types.NewFault(types.FaultAuthExpired, "test", "session expired", nil)
	stop := o.handleError(context.Background(), types.ActivityHomeFeed, fault)
	if !stop {
		t.Fatalf("expected an auth fault to stop the agent")
	}
}

func TestOrchestrator_HandleError_ValidationDoesNotStopAgent(t *testing.T) {
	tracker := newCallTracker()
	o, _ := newTestOrchestrator(t, DefaultConfig("agent-1"), fakePlanner{}, tracker)

	fault := types.NewFault(types.FaultValidation, "test", "bad args", nil)
	stop := o.handleError(context.Background(), types.ActivityHomeFeed, fault)
	if stop {
		t.Fatalf("expected a validation fault to be skipped, not stop the agent")
	}
}

func TestOrchestrator_HandleError_TransientWaitsThenContinues(t *testing.T) {
	tracker := newCallTracker()
	cfg := DefaultConfig("agent-1")
	cfg.ShortErrorWait = 5 * time.Millisecond
	o, _ := newTestOrchestrator(t, cfg, fakePlanner{}, tracker)

	start := time.Now()
	stop := o.handleError(context.Background(), types.ActivityHomeFeed, types.NewFault(types.FaultTransient, "test", "boom", nil))
	if stop {
		t.Fatalf("expected a transient fault to not stop the agent")
	}
	if time.Since(start) < cfg.ShortErrorWait {
		t.Fatalf("expected handleError to wait at least the configured short error wait")
	}
}

func TestOrchestrator_CancellableWait_StopsOnStopSignal(t *testing.T) {
	tracker := newCallTracker()
	o, _ := newTestOrchestrator(t, DefaultConfig("agent-1"), fakePlanner{}, tracker)

	done := make(chan bool, 1)
	go func() {
		done <- o.cancellableWait(context.Background(), time.Hour)
	}()

	time.Sleep(10 * time.Millisecond)
	close(o.stopCh)

	select {
	case interrupted := <-done:
		if !interrupted {
			t.Fatalf("expected cancellableWait to report interruption on stop")
		}
	case <-time.After(time.Second):
		t.Fatalf("cancellableWait did not return after stop signal")
	}
}

func TestOrchestrator_RollQuotaIfNewDay_ResetsCountsOnDateChange(t *testing.T) {
	tracker := newCallTracker()
	o, _ := newTestOrchestrator(t, DefaultConfig("agent-1"), fakePlanner{}, tracker)

	o.quota.Counts[types.QuotaLike] = 5
	o.quota.Date = "2000-01-01"

	o.rollQuotaIfNewDay(time.Now())
	if o.quota.Counts[types.QuotaLike] != 0 {
		t.Fatalf("expected quota counts to reset after a date change")
	}
}

func TestOrchestrator_RollQuotaIfNewDay_KeepsCountsOnSameDay(t *testing.T) {
	tracker := newCallTracker()
	o, _ := newTestOrchestrator(t, DefaultConfig("agent-1"), fakePlanner{}, tracker)

	now := time.Now()
	o.quota.Date = now.Format("2006-01-02")
	o.quota.Counts[types.QuotaLike] = 5

	o.rollQuotaIfNewDay(now)
	if o.quota.Counts[types.QuotaLike] != 5 {
		t.Fatalf("expected quota counts to persist within the same day")
	}
}

func TestOrchestrator_PersistAndLoadQuota_RoundTrips(t *testing.T) {
	tracker := newCallTracker()
	o, _ := newTestOrchestrator(t, DefaultConfig("agent-1"), fakePlanner{}, tracker)

	o.quota.Counts[types.QuotaLike] = 7
	o.persistQuota(context.Background())

	fresh, _ := newTestOrchestrator(t, DefaultConfig("agent-1"), fakePlanner{}, tracker)
	fresh.deps.Store = o.deps.Store // share the same backing store
	fresh.loadQuota(context.Background())

	if fresh.quota.Counts[types.QuotaLike] != 7 {
		t.Fatalf("expected loadQuota to restore persisted counts, got %d", fresh.quota.Counts[types.QuotaLike])
	}
}

func TestOrchestrator_Status_ReflectsRunningAndQuota(t *testing.T) {
	tracker := newCallTracker()
	o, _ := newTestOrchestrator(t, DefaultConfig("agent-1"), fakePlanner{}, tracker)

	o.mu.Lock()
	o.running = true
	o.current = types.ActivityHomeFeed
	o.mu.Unlock()

	status := o.Status()
	if !status.Running || status.CurrentActivity != types.ActivityHomeFeed {
		t.Fatalf("expected status to reflect running state and current activity, got %+v", status)
	}
	if status.Quota[types.QuotaLike] != o.cfg.DailyLimits[types.QuotaLike] {
		t.Fatalf("expected full quota remaining initially")
	}
}
