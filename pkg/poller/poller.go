// Package poller implements the Poller Kernel (spec §4.E): the per-Stream
// goroutine that owns one (kind, target) source end to end — throttling,
// single-flight, operation dispatch, diffing against the stream's seen-ring
// or follower set, and event emission — while reporting state transitions
// up to the Stream Manager that armed it.
package poller

import (
	"context"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/corvidlabs/xstream/pkg/eventbus"
	"github.com/corvidlabs/xstream/pkg/log"
	"github.com/corvidlabs/xstream/pkg/pool"
	"github.com/corvidlabs/xstream/pkg/ratelimit"
	"github.com/corvidlabs/xstream/pkg/scraper"
	"github.com/corvidlabs/xstream/pkg/store"
	"github.com/corvidlabs/xstream/pkg/types"
)

// DefaultSeenRingCap bounds how many item IDs a tweet/mention stream
// remembers for de-duplication (an Open Question this codebase resolves:
// configurable, default 500). An item whose ID has been pushed out of the
// ring is treated as new if observed again, so a ring smaller than the
// number of items posted during a long outage can re-emit events.
const DefaultSeenRingCap = 500

// Config arms one Kernel for a single Stream (spec §6 defaults).
type Config struct {
	StreamID      string
	Kind          types.StreamKind
	Target        string
	OperationName string

	IntervalMS           int64
	MaxConsecutiveErrors int
	BackoffCapS          int
	SeenRingCap          int
	OperationTimeout     time.Duration

	// Restart-replay state (spec §4.F: re-arm without re-emission).
	InitialState             types.StreamState
	InitialConsecutiveErrors int
	InitialBackoffUntil      time.Time
}

// applyDefaults fills zero-valued fields with spec §6's stream defaults.
func (c *Config) applyDefaults() {
	if c.IntervalMS <= 0 {
		c.IntervalMS = 60_000
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 10
	}
	if c.BackoffCapS <= 0 {
		c.BackoffCapS = 900
	}
	if c.SeenRingCap <= 0 {
		c.SeenRingCap = DefaultSeenRingCap
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 30 * time.Second
	}
	if c.InitialState == "" {
		c.InitialState = types.StreamStateRunning
	}
}

// Deps collects the collaborators a Kernel dispatches through. They are
// process-wide singletons shared by every Kernel the Stream Manager arms.
type Deps struct {
	Store       store.Store
	Pool        *pool.Pool
	Dispatcher  *scraper.Dispatcher
	RateLimiter *ratelimit.Registry
	Bus         *eventbus.Bus
}

// Reporter is the narrow callback surface a Kernel uses to tell its owner
// (the Stream Manager) about state transitions. The Kernel never mutates a
// Stream record directly; the Stream Manager owns that and decides how to
// persist it.
type Reporter interface {
	OnPollSuccess(streamID string, at time.Time)
	OnBackoff(streamID string, consecutiveErrors int, backoffUntil time.Time)
	OnPaused(streamID string, cause error)
	OnStopped(streamID string, cause error)
}

// Kernel is the running poll loop for one Stream.
type Kernel struct {
	cfg  Config
	deps Deps
	rep  Reporter

	mu                sync.Mutex
	interval          time.Duration
	state             types.StreamState
	consecutiveErrors int
	backoffUntil      time.Time
	lastFaultKind     types.FaultKind

	inProgress atomic.Bool
	intervalCh chan time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	cancel   context.CancelFunc

	logger zerolog.Logger
}

// NewKernel builds a Kernel for the given config; call Start to begin
// ticking.
func NewKernel(cfg Config, deps Deps, rep Reporter) *Kernel {
	cfg.applyDefaults()
	return &Kernel{
		cfg:               cfg,
		deps:              deps,
		rep:               rep,
		interval:          time.Duration(cfg.IntervalMS) * time.Millisecond,
		state:             cfg.InitialState,
		consecutiveErrors: cfg.InitialConsecutiveErrors,
		backoffUntil:      cfg.InitialBackoffUntil,
		intervalCh:        make(chan time.Duration, 1),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
		logger:            log.WithStreamID(cfg.StreamID),
	}
}

// Start launches the poll loop in its own goroutine.
func (k *Kernel) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	go k.run(ctx)
}

// Stop signals the Kernel to exit and waits up to grace for it to finish
// any attempt in flight before returning. It is idempotent.
func (k *Kernel) Stop(grace time.Duration) {
	k.stopOnce.Do(func() {
		close(k.stopCh)
		if k.cancel != nil {
			k.cancel()
		}
	})
	select {
	case <-k.doneCh:
	case <-time.After(grace):
		k.logger.Warn().Dur("grace", grace).Msg("poller did not stop within grace period, forcing teardown")
	}
}

// UpdateInterval changes the tick interval the Kernel re-arms with, taking
// effect on the next scheduling decision.
func (k *Kernel) UpdateInterval(interval time.Duration) {
	k.mu.Lock()
	k.interval = interval
	k.mu.Unlock()

	select {
	case k.intervalCh <- interval:
	default:
	}
}

// Pause stops polling without tearing down the Kernel; Resume restarts it.
func (k *Kernel) Pause() {
	k.mu.Lock()
	k.state = types.StreamStatePaused
	k.mu.Unlock()
}

// Resume clears a paused or backoff state. The next poll happens when the
// run loop's already-pending timer fires; Resume does not reset it.
func (k *Kernel) Resume() {
	k.mu.Lock()
	k.state = types.StreamStateRunning
	k.backoffUntil = time.Time{}
	k.mu.Unlock()
}

func (k *Kernel) run(ctx context.Context) {
	defer close(k.doneCh)

	timer := time.NewTimer(k.currentWait())
	defer timer.Stop()

	for {
		select {
		case <-k.stopCh:
			return
		case newInterval := <-k.intervalCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(newInterval)
		case <-timer.C:
			wait := k.tick(ctx)
			timer.Reset(wait)
		}
	}
}

func (k *Kernel) currentWait() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state == types.StreamStateBackoff && !k.backoffUntil.IsZero() {
		if d := time.Until(k.backoffUntil); d > 0 {
			return d
		}
	}
	return k.interval
}

// tick performs a single poll attempt, if the stream's state allows one,
// and returns the duration to wait before the next decision point.
func (k *Kernel) tick(ctx context.Context) time.Duration {
	k.mu.Lock()
	state := k.state
	interval := k.interval
	k.mu.Unlock()

	if state == types.StreamStatePaused || state == types.StreamStateStopped {
		return interval
	}

	acquired, token := k.acquireSingleFlight(ctx)
	if !acquired {
		return interval
	}
	defer k.releaseSingleFlight(ctx, token)

	err := k.poll(ctx)
	return k.handleResult(ctx, err)
}

// acquireSingleFlight bails out if another tick (in-process, or another
// process sharing the same Store) already holds the stream's lock (spec
// §8 invariant 1).
func (k *Kernel) acquireSingleFlight(ctx context.Context) (bool, string) {
	if !k.inProgress.CompareAndSwap(false, true) {
		return false, ""
	}

	ttl := k.interval + 30*time.Second
	token, err := k.deps.Store.Lock(ctx, store.StreamLockKey(k.cfg.StreamID), k.cfg.StreamID, ttl)
	if err != nil {
		k.inProgress.Store(false)
		return false, ""
	}
	return true, token
}

func (k *Kernel) releaseSingleFlight(ctx context.Context, token string) {
	_ = k.deps.Store.Unlock(ctx, store.StreamLockKey(k.cfg.StreamID), token)
	k.inProgress.Store(false)
}

// poll runs exactly one throttle+dispatch+diff attempt against the live
// target. A nil error means the tick succeeded (even if it found nothing
// new).
func (k *Kernel) poll(ctx context.Context) error {
	endpoint := string(k.cfg.Kind) + ":" + k.cfg.OperationName

	if err := k.deps.RateLimiter.Throttle(ctx, endpoint); err != nil {
		return types.NewFault(types.FaultTransient, "poller.poll", "rate limit wait interrupted", err)
	}

	if k.cfg.Kind == types.StreamKindFollower {
		skip, err := k.followerFastPath(ctx)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}
	}

	lease, err := k.deps.Pool.AcquirePage(ctx, time.Time{})
	if err != nil {
		return err
	}
	defer lease.Release()

	args := scraper.Args{"handle": k.cfg.Target}
	result, err := k.deps.Dispatcher.RunOperation(ctx, k.cfg.OperationName, lease.Context, args, k.cfg.OperationTimeout)
	if err != nil {
		return err
	}

	switch k.cfg.Kind {
	case types.StreamKindFollower:
		return k.diffFollowers(ctx, result)
	default:
		return k.diffItems(ctx, result)
	}
}

// lastAuthProbeFailed reports whether the stream's previous poll attempt
// ended in an authentication fault, the signal followerFastPath uses to
// tell a logged-out/suspended lookup apart from a target that is simply
// gone.
func (k *Kernel) lastAuthProbeFailed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastFaultKind == types.FaultAuthExpired || k.lastFaultKind == types.FaultUnauthorized
}

// followerFastPath compares the target's current follower count against
// the profile snapshot before paying for the expensive full listing; it
// skips the listing entirely when the count hasn't moved. A fresh count of
// zero is ambiguous: X returns zero both for logged-out/suspended lookups
// and for a target that no longer exists. This is resolved by checking
// whether the stream's last poll also failed an authentication probe: if
// so the zero count is classified AuthExpired, otherwise NotFound.
func (k *Kernel) followerFastPath(ctx context.Context) (skip bool, err error) {
	lease, err := k.deps.Pool.AcquirePage(ctx, time.Time{})
	if err != nil {
		return false, err
	}
	defer lease.Release()

	result, err := k.deps.Dispatcher.RunOperation(ctx, "extract-profile", lease.Context, scraper.Args{"handle": k.cfg.Target}, k.cfg.OperationTimeout)
	if err != nil {
		return false, err
	}
	profile, ok := result.(*scraper.Profile)
	if !ok {
		return false, nil
	}

	if profile.FollowerCount == 0 {
		if k.lastAuthProbeFailed() {
			return false, types.NewFault(types.FaultAuthExpired, "poller.follower-fast-path", "profile reports zero followers following a prior authentication failure", nil)
		}
		return false, types.NewFault(types.FaultNotFound, "poller.follower-fast-path", "profile reports zero followers with no prior authentication failure, treating target as gone", nil)
	}

	raw, err := k.deps.Store.Get(ctx, store.StreamMetaKey(k.cfg.StreamID)+":follower_count")
	if err != nil && err != store.ErrNotFound {
		return false, types.NewFault(types.FaultStateStoreFailure, "poller.follower-fast-path", "failed to read previous follower count", err)
	}

	previous := -1
	if err == nil {
		previous, _ = strconv.Atoi(string(raw))
	}

	countBytes := []byte(strconv.Itoa(profile.FollowerCount))
	if err := k.deps.Store.Set(ctx, store.StreamMetaKey(k.cfg.StreamID)+":follower_count", countBytes, store.DefaultTTL); err != nil {
		return false, types.NewFault(types.FaultStateStoreFailure, "poller.follower-fast-path", "failed to persist follower count", err)
	}

	return previous == profile.FollowerCount, nil
}

// diffItems handles tweet/mention streams: new_items = observed - seen_ring.
func (k *Kernel) diffItems(ctx context.Context, result any) error {
	tweets, _ := result.([]scraper.Tweet)
	if len(tweets) == 0 {
		return nil
	}

	seenRaw, err := k.deps.Store.ListRange(ctx, store.StreamSeenKey(k.cfg.StreamID), 0)
	if err != nil {
		return types.NewFault(types.FaultStateStoreFailure, "poller.diff-items", "failed to read seen ring", err)
	}
	seen := make(map[string]struct{}, len(seenRaw))
	for _, b := range seenRaw {
		seen[string(b)] = struct{}{}
	}

	topic := types.TopicTweet
	if k.cfg.Kind == types.StreamKindMention {
		topic = types.TopicMention
	}

	for _, tw := range tweets {
		if tw.ID == "" {
			continue
		}
		if _, ok := seen[tw.ID]; ok {
			continue
		}

		ev := &types.Event{
			StreamID:  k.cfg.StreamID,
			Topic:     topic,
			Payload:   types.TweetPayload(k.cfg.StreamID, tw.ID, tw.Author, tw.Text, time.Now()),
			Timestamp: time.Now(),
		}
		if err := k.deps.Bus.Publish(ctx, ev); err != nil {
			return err
		}
		if err := k.deps.Store.ListAppendCapped(ctx, store.StreamSeenKey(k.cfg.StreamID), []byte(tw.ID), k.cfg.SeenRingCap, store.DefaultTTL); err != nil {
			return types.NewFault(types.FaultStateStoreFailure, "poller.diff-items", "failed to append seen ring", err)
		}
		seen[tw.ID] = struct{}{}
	}
	return nil
}

// diffFollowers handles follower streams: follows = observed - previous,
// unfollows = previous - observed.
func (k *Kernel) diffFollowers(ctx context.Context, result any) error {
	observed, _ := result.([]string)

	added, removed, err := k.deps.Store.SetDiff(ctx, store.StreamFollowersKey(k.cfg.StreamID), observed, store.DefaultTTL)
	if err != nil {
		return types.NewFault(types.FaultStateStoreFailure, "poller.diff-followers", "failed to diff follower set", err)
	}

	now := time.Now()
	for _, handle := range added {
		ev := &types.Event{
			StreamID:  k.cfg.StreamID,
			Topic:     types.TopicFollower,
			Payload:   types.FollowerPayload(k.cfg.StreamID, types.FollowerActionFollow, handle, now),
			Timestamp: now,
		}
		if err := k.deps.Bus.Publish(ctx, ev); err != nil {
			return err
		}
	}
	for _, handle := range removed {
		ev := &types.Event{
			StreamID:  k.cfg.StreamID,
			Topic:     types.TopicFollower,
			Payload:   types.FollowerPayload(k.cfg.StreamID, types.FollowerActionUnfollow, handle, now),
			Timestamp: now,
		}
		if err := k.deps.Bus.Publish(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// handleResult applies the outcome of one poll attempt to the Kernel's
// local state and reports the transition upward, returning the wait
// before the next tick (spec §7, §8 invariants 3/4/9).
func (k *Kernel) handleResult(ctx context.Context, err error) time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err == nil {
		k.consecutiveErrors = 0
		k.backoffUntil = time.Time{}
		k.lastFaultKind = ""
		if k.state != types.StreamStateStopped && k.state != types.StreamStatePaused {
			k.state = types.StreamStateRunning
		}
		k.rep.OnPollSuccess(k.cfg.StreamID, time.Now())
		return k.interval
	}

	kind := types.KindOf(err)
	k.lastFaultKind = kind
	k.emitErrorEvent(ctx, kind, err)

	if !kind.Retryable() {
		if kind == types.FaultAuthExpired || kind == types.FaultUnauthorized {
			k.state = types.StreamStatePaused
			k.rep.OnPaused(k.cfg.StreamID, err)
			return k.interval
		}
		k.state = types.StreamStateStopped
		k.rep.OnStopped(k.cfg.StreamID, err)
		return k.interval
	}

	k.consecutiveErrors++
	if k.consecutiveErrors >= k.cfg.MaxConsecutiveErrors {
		k.state = types.StreamStateStopped
		k.rep.OnStopped(k.cfg.StreamID, err)
		return k.interval
	}

	backoff := computeBackoff(k.interval, k.consecutiveErrors, time.Duration(k.cfg.BackoffCapS)*time.Second)
	k.backoffUntil = time.Now().Add(backoff)
	k.state = types.StreamStateBackoff
	k.rep.OnBackoff(k.cfg.StreamID, k.consecutiveErrors, k.backoffUntil)
	return backoff
}

func (k *Kernel) emitErrorEvent(ctx context.Context, kind types.FaultKind, err error) {
	ev := &types.Event{
		StreamID:  k.cfg.StreamID,
		Topic:     types.TopicError,
		Payload:   types.ErrorPayload(k.cfg.StreamID, kind, err.Error(), time.Now()),
		Timestamp: time.Now(),
	}
	if pubErr := k.deps.Bus.Publish(ctx, ev); pubErr != nil {
		k.logger.Warn().Err(pubErr).Msg("failed to record error event")
	}
}

// computeBackoff implements base*2^errors, clamped to cap and jittered
// ±10% (an Open Question this codebase resolves that way, to avoid
// every backing-off stream retrying in lockstep).
func computeBackoff(base time.Duration, errors int, cap time.Duration) time.Duration {
	raw := base.Seconds() * math.Pow(2, float64(errors))
	if cap > 0 && raw > cap.Seconds() {
		raw = cap.Seconds()
	}
	jitter := 0.9 + rand.Float64()*0.2
	return time.Duration(raw * jitter * float64(time.Second))
}
