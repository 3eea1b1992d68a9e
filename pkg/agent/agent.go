// Package agent implements the Agent Orchestrator (spec §4.I): a
// long-running, strictly serial loop per agent identity that asks the
// Circadian Scheduler for its next activity, waits for it, executes it
// through the Scraper Operation Dispatcher and Browser Pool respecting
// daily quotas and rate windows, and runs the shared error handler on
// any failure (spec §7).
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/corvidlabs/xstream/pkg/circadian"
	"github.com/corvidlabs/xstream/pkg/log"
	"github.com/corvidlabs/xstream/pkg/metrics"
	"github.com/corvidlabs/xstream/pkg/planner"
	"github.com/corvidlabs/xstream/pkg/pool"
	"github.com/corvidlabs/xstream/pkg/ratelimit"
	"github.com/corvidlabs/xstream/pkg/scraper"
	"github.com/corvidlabs/xstream/pkg/session"
	"github.com/corvidlabs/xstream/pkg/store"
	"github.com/corvidlabs/xstream/pkg/types"
)

// Targets names the handles an activity kind draws on. All are optional;
// an activity whose target list is empty is skipped rather than failed.
type Targets struct {
	OwnHandle         string
	HomeFeedHandles   []string
	SearchHandles     []string
	InfluencerHandles []string
	FollowCandidates  []string
}

// Config parameterizes one Orchestrator instance.
type Config struct {
	AgentID string
	Persona planner.Persona
	Targets Targets

	DailyLimits map[types.QuotaKind]int

	QuotaExhaustedWait time.Duration // spec default 30m
	SessionSaveEvery   time.Duration
	ScraperTimeout     time.Duration
	ShortErrorWait     time.Duration // navigation/transient failures
	LongErrorWait      time.Duration // wait applied to every rate-limited fault
	MaxRunDuration     time.Duration // not read by the run loop, which has no duration limit
}

// DefaultConfig returns spec-documented defaults for a single agent.
func DefaultConfig(agentID string) Config {
	return Config{
		AgentID: agentID,
		DailyLimits: map[types.QuotaKind]int{
			types.QuotaLike:    100,
			types.QuotaFollow:  50,
			types.QuotaComment: 30,
			types.QuotaPost:    10,
		},
		QuotaExhaustedWait: 30 * time.Minute,
		SessionSaveEvery:   15 * time.Minute,
		ScraperTimeout:     30 * time.Second,
		ShortErrorWait:     10 * time.Second,
		LongErrorWait:      5 * time.Minute,
	}
}

// Deps bundles the Orchestrator's collaborators. Planner and Session are
// narrow, swappable interfaces (spec §6); the rest are the same process
// singletons the Stream Manager shares.
type Deps struct {
	Store       store.Store
	Pool        *pool.Pool
	Dispatcher  *scraper.Dispatcher
	RateLimiter *ratelimit.Registry
	Circadian   *circadian.Scheduler
	Planner     planner.Planner
	Session     session.Store
}

// Status is a point-in-time snapshot for the management interface's
// agent_status(id).
type Status struct {
	AgentID         string
	Running         bool
	CurrentActivity types.ActivityKind
	Quota           map[types.QuotaKind]int
	LastError       string
	LastActionAt    time.Time
}

// Orchestrator runs one agent's loop (spec §4.I). Multiple Orchestrators
// may run concurrently, sharing Deps.Pool and Deps.RateLimiter; each
// individual Orchestrator executes strictly serially.
type Orchestrator struct {
	cfg  Config
	deps Deps

	stopCh chan struct{}
	doneCh chan struct{}

	mu           sync.Mutex
	running      bool
	current      types.ActivityKind
	lastErr      string
	lastActionAt time.Time
	quota        *types.DailyQuota
	lastSaveAt   time.Time

	logger zerolog.Logger
}

// New constructs an Orchestrator. Call Start to begin its loop.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.QuotaExhaustedWait <= 0 {
		cfg.QuotaExhaustedWait = 30 * time.Minute
	}
	if cfg.ScraperTimeout <= 0 {
		cfg.ScraperTimeout = 30 * time.Second
	}
	if cfg.ShortErrorWait <= 0 {
		cfg.ShortErrorWait = 10 * time.Second
	}
	if cfg.LongErrorWait <= 0 {
		cfg.LongErrorWait = 5 * time.Minute
	}
	if deps.Planner == nil {
		deps.Planner = planner.NoopPlanner{}
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		quota:  freshQuota(cfg.DailyLimits, time.Now()),
		logger: log.WithAgentID(cfg.AgentID),
	}
}

func freshQuota(limits map[types.QuotaKind]int, now time.Time) *types.DailyQuota {
	return &types.DailyQuota{
		Date:   now.Format("2006-01-02"),
		Counts: make(map[types.QuotaKind]int),
		Limits: limits,
	}
}

func (o *Orchestrator) quotaKey() string { return "agent:" + o.cfg.AgentID + ":quota" }

// Start launches the Orchestrator's loop in a background goroutine.
func (o *Orchestrator) Start(ctx context.Context) {
	o.loadQuota(ctx)

	o.mu.Lock()
	o.running = true
	o.mu.Unlock()

	o.restoreSession(ctx)
	go o.run(ctx)
}

// loadQuota restores today's quota counters from the Store, if the
// agent previously persisted them (spec §6's daily_limits config; the
// counters themselves are this package's own addition so a restart
// mid-day doesn't silently reset an exhausted quota).
func (o *Orchestrator) loadQuota(ctx context.Context) {
	if o.deps.Store == nil {
		return
	}
	raw, err := o.deps.Store.Get(ctx, o.quotaKey())
	if err != nil {
		return
	}
	var persisted types.DailyQuota
	if err := json.Unmarshal(raw, &persisted); err != nil {
		return
	}
	if persisted.Date != time.Now().Format("2006-01-02") {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.quota.Date = persisted.Date
	for k, v := range persisted.Counts {
		o.quota.Counts[k] = v
	}
}

// persistQuota writes the current quota snapshot to the Store so a
// restart mid-day resumes from the same counters.
func (o *Orchestrator) persistQuota(ctx context.Context) {
	if o.deps.Store == nil {
		return
	}
	o.mu.Lock()
	snapshot := *o.quota
	o.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	_ = o.deps.Store.Set(ctx, o.quotaKey(), data, 24*time.Hour)
}

// Stop signals the loop to unwind and waits up to grace for it to exit.
func (o *Orchestrator) Stop(grace time.Duration) {
	close(o.stopCh)
	select {
	case <-o.doneCh:
	case <-time.After(grace):
		o.logger.Warn().Msg("agent did not stop within grace period")
	}
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

// Status returns a snapshot for the management interface.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	quota := make(map[types.QuotaKind]int, len(o.quota.Limits))
	for k := range o.quota.Limits {
		quota[k] = o.quota.Remaining(k)
	}
	return Status{
		AgentID:         o.cfg.AgentID,
		Running:         o.running,
		CurrentActivity: o.current,
		Quota:           quota,
		LastError:       o.lastErr,
		LastActionAt:    o.lastActionAt,
	}
}

func (o *Orchestrator) restoreSession(ctx context.Context) {
	if o.deps.Session == nil || o.deps.Pool == nil {
		return
	}
	lease, err := o.deps.Pool.AcquirePage(ctx, time.Time{})
	if err != nil {
		o.logger.Warn().Err(err).Msg("could not acquire a page to restore session")
		return
	}
	defer lease.Release()
	if err := o.deps.Session.RestoreSession(ctx, o.cfg.AgentID, lease.Context); err != nil {
		o.logger.Warn().Err(err).Msg("failed to restore session")
	}
}

// run is the main loop (spec §4.I steps 1-7).
func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.doneCh)

	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		timer := metrics.NewTimer()
		if stop := o.iterate(ctx); stop {
			timer.ObserveDuration(metrics.AgentLoopDuration)
			return
		}
		timer.ObserveDuration(metrics.AgentLoopDuration)
	}
}

// iterate runs exactly one pass of steps 1-7, returning true if the
// Orchestrator should stop entirely (a fatal or auth fault).
func (o *Orchestrator) iterate(ctx context.Context) bool {
	now := time.Now()
	o.rollQuotaIfNewDay(now)

	activity := o.deps.Circadian.GetNextActivity(now)

	if activity.Kind == types.ActivitySleep {
		return o.sleepWait(ctx, activity.Duration, 8*time.Hour)
	}

	if wait := time.Until(activity.ScheduledFor); wait > 0 {
		if o.cancellableWait(ctx, wait) {
			return false
		}
	}

	if o.quota.Exhausted() {
		o.logger.Debug().Msg("daily quota exhausted, waiting")
		return o.sleepWait(ctx, o.cfg.QuotaExhaustedWait, o.cfg.QuotaExhaustedWait)
	}

	o.setCurrent(activity.Kind)
	err := o.execute(ctx, activity)
	o.recordSessionCheckpoint(ctx)

	if err == nil {
		return false
	}
	return o.handleError(ctx, activity.Kind, err)
}

func (o *Orchestrator) setCurrent(kind types.ActivityKind) {
	o.mu.Lock()
	o.current = kind
	o.mu.Unlock()
}

// cancellableWait blocks for d or until stopped/cancelled, reporting
// whether it was interrupted before the full duration elapsed.
func (o *Orchestrator) cancellableWait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-o.stopCh:
		return true
	case <-ctx.Done():
		return true
	}
}

// sleepWait waits up to cap, cancellably, returning true if the
// Orchestrator was asked to stop mid-wait.
func (o *Orchestrator) sleepWait(ctx context.Context, d, cap time.Duration) bool {
	if cap > 0 && d > cap {
		d = cap
	}
	return o.cancellableWait(ctx, d)
}

func (o *Orchestrator) rollQuotaIfNewDay(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	today := now.Format("2006-01-02")
	if o.quota.Date != today {
		o.quota = freshQuota(o.cfg.DailyLimits, now)
	}
	for k := range o.quota.Limits {
		metrics.AgentQuotaRemaining.WithLabelValues(o.cfg.AgentID, string(k)).Set(float64(o.quota.Remaining(k)))
	}
}

// recordSessionCheckpoint persists cookies if SessionSaveEvery has
// elapsed since the last save (spec §4.I step 7).
func (o *Orchestrator) recordSessionCheckpoint(ctx context.Context) {
	if o.deps.Session == nil || o.cfg.SessionSaveEvery <= 0 {
		return
	}
	o.mu.Lock()
	due := time.Since(o.lastSaveAt) >= o.cfg.SessionSaveEvery
	o.mu.Unlock()
	if !due {
		return
	}

	lease, err := o.deps.Pool.AcquirePage(ctx, time.Time{})
	if err != nil {
		return
	}
	defer lease.Release()
	if err := o.deps.Session.SaveSession(ctx, o.cfg.AgentID, lease.Context); err != nil {
		o.logger.Warn().Err(err).Msg("failed to checkpoint session")
		return
	}
	o.mu.Lock()
	o.lastSaveAt = time.Now()
	o.mu.Unlock()
}

// handleError runs the shared error handler (spec §7 / §4.I step 6) and
// reports whether the Orchestrator should stop entirely.
func (o *Orchestrator) handleError(ctx context.Context, kind types.ActivityKind, err error) bool {
	fault := types.KindOf(err)

	o.mu.Lock()
	o.lastErr = err.Error()
	o.mu.Unlock()
	metrics.AgentActionsTotal.WithLabelValues(string(kind), string(fault)).Inc()

	switch fault {
	case types.FaultAuthExpired, types.FaultUnauthorized:
		o.logger.Error().Err(err).Msg("authentication failure, stopping agent")
		return true
	case types.FaultFatal:
		o.logger.Error().Err(err).Msg("fatal error, stopping agent")
		return true
	case types.FaultRateLimited:
		o.logger.Warn().Err(err).Msg("rate limited, long wait")
		return o.cancellableWait(ctx, o.cfg.LongErrorWait)
	case types.FaultValidation, types.FaultNotFound:
		o.logger.Warn().Err(err).Str("kind", string(kind)).Msg("activity rejected, skipping")
		return false
	default:
		o.logger.Warn().Err(err).Str("kind", string(kind)).Msg("transient failure, short wait")
		return o.cancellableWait(ctx, o.cfg.ShortErrorWait)
	}
}

// execute runs one activity slot end to end (spec §4.I step 5): acquire
// a page, run the mapped scraper operation(s), score/act on candidates
// via the Planner, and bump the relevant quota on success.
func (o *Orchestrator) execute(ctx context.Context, slot types.ActivitySlot) error {
	if o.deps.Pool == nil || o.deps.Dispatcher == nil {
		return types.NewFault(types.FaultFatal, "agent.execute", "pool or dispatcher not configured", nil)
	}

	lease, err := o.deps.Pool.AcquirePage(ctx, time.Time{})
	if err != nil {
		return err
	}
	defer lease.Release()

	switch slot.Kind {
	case types.ActivityHomeFeed:
		return o.runHomeFeed(ctx, lease.Context)
	case types.ActivitySearchEngage:
		return o.runSearchEngage(ctx, lease.Context)
	case types.ActivityInfluencer:
		return o.runInfluencerVisit(ctx, lease.Context)
	case types.ActivityCreateContent:
		return o.runCreateContent(ctx, lease.Context)
	case types.ActivityEngageReplies:
		return o.runEngageReplies(ctx, lease.Context)
	case types.ActivityExplore:
		return o.runExplore(ctx, lease.Context)
	case types.ActivityOwnProfile:
		return o.runOwnProfile(ctx, lease.Context)
	case types.ActivitySearchPeople:
		return o.runSearchPeople(ctx, lease.Context)
	default:
		return types.NewFault(types.FaultValidation, "agent.execute", fmt.Sprintf("unrecognized activity kind %q", slot.Kind), nil)
	}
}

func firstOf(targets []string) (string, bool) {
	if len(targets) == 0 {
		return "", false
	}
	return targets[0], true
}

func (o *Orchestrator) runOperation(ctx context.Context, page context.Context, name string, args scraper.Args) (any, error) {
	return o.deps.Dispatcher.RunOperation(ctx, name, page, args, o.cfg.ScraperTimeout)
}

func (o *Orchestrator) throttle(ctx context.Context, endpoint string) error {
	if o.deps.RateLimiter == nil {
		return nil
	}
	return o.deps.RateLimiter.Throttle(ctx, endpoint)
}

func (o *Orchestrator) bumpQuota(ctx context.Context, k types.QuotaKind) {
	o.mu.Lock()
	o.quota.Counts[k]++
	metrics.AgentQuotaRemaining.WithLabelValues(o.cfg.AgentID, string(k)).Set(float64(o.quota.Remaining(k)))
	o.mu.Unlock()
	o.persistQuota(ctx)
}

func (o *Orchestrator) runHomeFeed(ctx context.Context, page context.Context) error {
	handle, ok := firstOf(o.cfg.Targets.HomeFeedHandles)
	if !ok {
		o.logger.Debug().Msg("no home-feed targets configured, skipping")
		return nil
	}
	if err := o.throttle(ctx, "list-tweets-by-user"); err != nil {
		return err
	}
	result, err := o.runOperation(ctx, page, "list-tweets-by-user", scraper.Args{"handle": handle})
	if err != nil {
		return err
	}
	tweets, _ := result.([]scraper.Tweet)
	return o.scoreAndLike(ctx, page, tweets)
}

func (o *Orchestrator) runSearchEngage(ctx context.Context, page context.Context) error {
	handle, ok := firstOf(o.cfg.Targets.SearchHandles)
	if !ok {
		o.logger.Debug().Msg("no search targets configured, skipping")
		return nil
	}
	if err := o.throttle(ctx, "search-mentions"); err != nil {
		return err
	}
	result, err := o.runOperation(ctx, page, "search-mentions", scraper.Args{"handle": handle})
	if err != nil {
		return err
	}
	tweets, _ := result.([]scraper.Tweet)
	return o.scoreAndLike(ctx, page, tweets)
}

func (o *Orchestrator) runInfluencerVisit(ctx context.Context, page context.Context) error {
	handle, ok := firstOf(o.cfg.Targets.InfluencerHandles)
	if !ok {
		o.logger.Debug().Msg("no influencer targets configured, skipping")
		return nil
	}
	if err := o.throttle(ctx, "extract-profile"); err != nil {
		return err
	}
	if _, err := o.runOperation(ctx, page, "extract-profile", scraper.Args{"handle": handle}); err != nil {
		return err
	}

	if o.quota.Remaining(types.QuotaFollow) <= 0 {
		return nil
	}
	score, err := o.deps.Planner.ScoreRelevance(ctx, handle, o.cfg.Persona.TopicHints)
	if err != nil || score < 60 {
		return nil
	}
	if err := o.throttle(ctx, "click-follow"); err != nil {
		return err
	}
	if _, err := o.runOperation(ctx, page, "click-follow", scraper.Args{"handle": handle}); err != nil {
		return err
	}
	o.bumpQuota(ctx, types.QuotaFollow)
	o.markAction()
	return nil
}

func (o *Orchestrator) runCreateContent(ctx context.Context, page context.Context) error {
	if o.quota.Remaining(types.QuotaPost) <= 0 {
		return nil
	}
	texts, err := o.deps.Planner.GeneratePost(ctx, "tweet", o.cfg.Persona, o.cfg.Persona.TopicHints)
	if err != nil || len(texts) == 0 {
		return nil
	}
	if err := o.throttle(ctx, "post-tweet"); err != nil {
		return err
	}
	if _, err := o.runOperation(ctx, page, "post-tweet", scraper.Args{"text": texts[0]}); err != nil {
		return err
	}
	o.bumpQuota(ctx, types.QuotaPost)
	o.markAction()
	return nil
}

func (o *Orchestrator) runEngageReplies(ctx context.Context, page context.Context) error {
	handle, ok := firstOf(o.cfg.Targets.SearchHandles)
	if !ok {
		o.logger.Debug().Msg("no search targets configured, skipping")
		return nil
	}
	if err := o.throttle(ctx, "search-mentions"); err != nil {
		return err
	}
	result, err := o.runOperation(ctx, page, "search-mentions", scraper.Args{"handle": handle})
	if err != nil {
		return err
	}
	tweets, _ := result.([]scraper.Tweet)

	if o.quota.Remaining(types.QuotaComment) <= 0 {
		return nil
	}
	for _, tw := range tweets {
		score, err := o.deps.Planner.ScoreRelevance(ctx, tw.Text, o.cfg.Persona.TopicHints)
		if err != nil || score < 70 {
			continue
		}
		reply, err := o.deps.Planner.GenerateReply(ctx, tw.Text, o.cfg.Persona)
		if err != nil || reply == "" {
			continue
		}
		// Replying reuses post-tweet's compose flow; a real integration
		// would navigate to the specific tweet first.
		if err := o.throttle(ctx, "post-tweet"); err != nil {
			return err
		}
		if _, err := o.runOperation(ctx, page, "post-tweet", scraper.Args{"text": reply}); err != nil {
			return err
		}
		o.bumpQuota(ctx, types.QuotaComment)
		o.markAction()
		break
	}
	return nil
}

func (o *Orchestrator) runExplore(ctx context.Context, page context.Context) error {
	handle, ok := firstOf(o.cfg.Targets.HomeFeedHandles)
	if !ok {
		handle, ok = firstOf(o.cfg.Targets.SearchHandles)
	}
	if !ok {
		o.logger.Debug().Msg("no explore targets configured, skipping")
		return nil
	}
	if err := o.throttle(ctx, "list-tweets-by-user"); err != nil {
		return err
	}
	_, err := o.runOperation(ctx, page, "list-tweets-by-user", scraper.Args{"handle": handle})
	return err
}

func (o *Orchestrator) runOwnProfile(ctx context.Context, page context.Context) error {
	if o.cfg.Targets.OwnHandle == "" {
		return nil
	}
	if err := o.throttle(ctx, "extract-profile"); err != nil {
		return err
	}
	_, err := o.runOperation(ctx, page, "extract-profile", scraper.Args{"handle": o.cfg.Targets.OwnHandle})
	return err
}

func (o *Orchestrator) runSearchPeople(ctx context.Context, page context.Context) error {
	handle, ok := firstOf(o.cfg.Targets.FollowCandidates)
	if !ok {
		o.logger.Debug().Msg("no follow-candidate targets configured, skipping")
		return nil
	}
	if err := o.throttle(ctx, "list-followers"); err != nil {
		return err
	}
	result, err := o.runOperation(ctx, page, "list-followers", scraper.Args{"handle": handle})
	if err != nil {
		return err
	}
	handles, _ := result.([]string)

	if o.quota.Remaining(types.QuotaFollow) <= 0 {
		return nil
	}
	for _, h := range handles {
		score, err := o.deps.Planner.ScoreRelevance(ctx, h, o.cfg.Persona.TopicHints)
		if err != nil || score < 60 {
			continue
		}
		if err := o.throttle(ctx, "click-follow"); err != nil {
			return err
		}
		if _, err := o.runOperation(ctx, page, "click-follow", scraper.Args{"handle": h}); err != nil {
			return err
		}
		o.bumpQuota(ctx, types.QuotaFollow)
		o.markAction()
		break
	}
	return nil
}

// scoreAndLike scores each candidate tweet and likes the ones above
// threshold, respecting the like quota.
func (o *Orchestrator) scoreAndLike(ctx context.Context, page context.Context, tweets []scraper.Tweet) error {
	for _, tw := range tweets {
		if o.quota.Remaining(types.QuotaLike) <= 0 {
			return nil
		}
		if tw.ID == "" {
			continue
		}
		score, err := o.deps.Planner.ScoreRelevance(ctx, tw.Text, o.cfg.Persona.TopicHints)
		if err != nil || score < 50 {
			continue
		}
		if err := o.throttle(ctx, "click-like"); err != nil {
			return err
		}
		if _, err := o.runOperation(ctx, page, "click-like", scraper.Args{"tweet_id": tw.ID}); err != nil {
			return err
		}
		o.bumpQuota(ctx, types.QuotaLike)
		o.markAction()
	}
	return nil
}

func (o *Orchestrator) markAction() {
	o.mu.Lock()
	o.lastActionAt = time.Now()
	o.mu.Unlock()
}
