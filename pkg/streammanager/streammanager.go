// Package streammanager implements the Stream Manager (spec §4.F): the
// lifecycle owner of every Stream record and its Poller Kernel. It
// enforces duplicate-target rejection, drives the running/paused/backoff/
// stopped state machine from Kernel reports, and replays non-stopped
// streams across a restart without re-emitting historical items.
package streammanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corvidlabs/xstream/pkg/log"
	"github.com/corvidlabs/xstream/pkg/poller"
	"github.com/corvidlabs/xstream/pkg/pool"
	"github.com/corvidlabs/xstream/pkg/store"
	"github.com/corvidlabs/xstream/pkg/types"
)

// streamIndexKey holds the set of every stream ID the Manager has ever
// created, used solely to enumerate candidates for restart replay. The
// State Store's narrow interface has no generic key-scan, so the Manager
// keeps its own index the same way it keeps everything else: as a Store
// set, subject to the same TTL/refresh rules as any other key.
const streamIndexKey = "streams:index"

// ErrDuplicateStream is returned by Create when a stream already exists
// for the given (kind, target).
var ErrDuplicateStream = errors.New("streammanager: a stream already exists for this kind and target")

// ErrStreamNotFound is returned by any per-stream operation given an
// unknown ID.
var ErrStreamNotFound = errors.New("streammanager: stream not found")

// Config bounds interval updates and the stop grace period (spec §6).
type Config struct {
	MinIntervalMS        int64
	MaxIntervalMS        int64
	DefaultIntervalMS    int64
	MaxConsecutiveErrors int
	BackoffCapS          int
	SeenRingCap          int
	StopGrace            time.Duration
}

// DefaultConfig returns spec §6's documented Stream defaults.
func DefaultConfig() Config {
	return Config{
		MinIntervalMS:        15_000,
		MaxIntervalMS:        3_600_000,
		DefaultIntervalMS:    60_000,
		MaxConsecutiveErrors: 10,
		BackoffCapS:          900,
		SeenRingCap:          poller.DefaultSeenRingCap,
		StopGrace:            5 * time.Second,
	}
}

// resolveInterval maps a caller-supplied interval to the interval a stream
// should actually use: 0 means "use the configured default"; anything else
// outside [MinIntervalMS, MaxIntervalMS] is rejected rather than coerced
// (spec §8 Boundary Behaviors).
func (c *Config) resolveInterval(ms int64) (int64, error) {
	if ms == 0 {
		return c.DefaultIntervalMS, nil
	}
	if ms < c.MinIntervalMS || ms > c.MaxIntervalMS {
		return 0, types.NewFault(types.FaultValidation, "streammanager.interval",
			fmt.Sprintf("interval_ms %d is outside the allowed range [%d, %d]", ms, c.MinIntervalMS, c.MaxIntervalMS), nil)
	}
	return ms, nil
}

// newStreamID builds a stream's ID per spec §3's Data Model:
// "stream_" + type + "_" + target + "_" + short_random.
func newStreamID(kind types.StreamKind, target string) string {
	return fmt.Sprintf("stream_%s_%s_%s", kind, target, uuid.NewString()[:8])
}

// CreateOptions lets a caller override the operation a stream polls.
// Left zero, the operation is inferred from kind.
type CreateOptions struct {
	OperationName string
}

func defaultOperationForKind(kind types.StreamKind) string {
	switch kind {
	case types.StreamKindFollower:
		return "list-followers"
	case types.StreamKindMention:
		return "search-mentions"
	default:
		return "list-tweets-by-user"
	}
}

// entry bundles a live Stream record with its Poller Kernel. A stopped
// stream keeps its entry (for list/status/history) but has a nil kernel.
type entry struct {
	mu     sync.Mutex
	stream types.Stream
	kernel *poller.Kernel
}

// GlobalStats aggregates every stream's state plus Browser Pool
// occupancy, as returned by the `global_stats` operation.
type GlobalStats struct {
	Total    int
	Running  int
	Paused   int
	Backoff  int
	Stopped  int
	PoolInfo pool.Stats
}

// Manager is the Stream Manager singleton.
type Manager struct {
	cfg   Config
	deps  poller.Deps
	store store.Store

	mu       sync.RWMutex
	entries  map[string]*entry
	keyIndex map[string]string // "kind:target" -> stream ID

	logger zerolog.Logger
}

// New builds a Manager. Call Start to replay any streams persisted from a
// previous run.
func New(cfg Config, deps poller.Deps) *Manager {
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		store:    deps.Store,
		entries:  make(map[string]*entry),
		keyIndex: make(map[string]string),
		logger:   log.WithComponent("streammanager"),
	}
}

// Start enumerates every stream ID this Manager has ever created and
// re-arms a Kernel for each non-stopped one, restoring consecutive
// errors, backoff, and the seen-ring/follower-set already in the Store.
// No events are re-emitted for historical items: the Kernel only
// compares against what is already persisted (spec §8 invariant 7, S6).
func (m *Manager) Start(ctx context.Context) error {
	ids, err := m.store.SetMembers(ctx, streamIndexKey)
	if err != nil {
		return types.NewFault(types.FaultStateStoreFailure, "streammanager.start", "failed to read stream index", err)
	}

	for _, id := range ids {
		raw, err := m.store.Get(ctx, store.StreamMetaKey(id))
		if err == store.ErrNotFound {
			// Expired independently of the index; nothing to replay.
			continue
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("stream_id", id).Msg("failed to load stream record during replay")
			continue
		}

		var s types.Stream
		if err := json.Unmarshal(raw, &s); err != nil {
			m.logger.Warn().Err(err).Str("stream_id", id).Msg("failed to decode stream record during replay")
			continue
		}

		e := &entry{stream: s}
		m.mu.Lock()
		m.entries[s.ID] = e
		if s.State != types.StreamStateStopped {
			m.keyIndex[s.Key()] = s.ID
		}
		m.mu.Unlock()

		if s.State == types.StreamStateStopped {
			continue
		}
		m.armKernel(e)
		m.logger.Info().Str("stream_id", s.ID).Str("state", string(s.State)).Msg("replayed stream after restart")
	}
	return nil
}

// armKernel builds and starts a Kernel for e.stream's current persisted
// state, without holding e.mu across Kernel construction.
func (m *Manager) armKernel(e *entry) {
	e.mu.Lock()
	s := e.stream
	e.mu.Unlock()

	cfg := poller.Config{
		StreamID:                 s.ID,
		Kind:                     s.Kind,
		Target:                   s.Target,
		OperationName:            s.OperationName,
		IntervalMS:               s.IntervalMS,
		MaxConsecutiveErrors:     m.cfg.MaxConsecutiveErrors,
		BackoffCapS:              m.cfg.BackoffCapS,
		SeenRingCap:              m.cfg.SeenRingCap,
		InitialState:             s.State,
		InitialConsecutiveErrors: s.ConsecutiveErrors,
		InitialBackoffUntil:      s.BackoffUntil,
	}
	k := poller.NewKernel(cfg, m.deps, m)

	e.mu.Lock()
	e.kernel = k
	e.mu.Unlock()

	k.Start()
}

// Create registers a new stream and arms its Kernel. A duplicate
// (kind, target) pair is rejected (spec §8 invariant 2).
func (m *Manager) Create(ctx context.Context, kind types.StreamKind, target string, intervalMS int64, opts CreateOptions) (*types.Stream, error) {
	interval, err := m.cfg.resolveInterval(intervalMS)
	if err != nil {
		return nil, err
	}

	key := string(kind) + ":" + target

	m.mu.Lock()
	if _, exists := m.keyIndex[key]; exists {
		m.mu.Unlock()
		return nil, ErrDuplicateStream
	}

	op := opts.OperationName
	if op == "" {
		op = defaultOperationForKind(kind)
	}

	s := types.Stream{
		ID:            newStreamID(kind, target),
		Kind:          kind,
		Target:        target,
		OperationName: op,
		IntervalMS:    interval,
		State:         types.StreamStateRunning,
		CreatedAt:     time.Now(),
	}
	e := &entry{stream: s}
	m.entries[s.ID] = e
	m.keyIndex[key] = s.ID
	m.mu.Unlock()

	if err := m.persistStream(ctx, &s); err != nil {
		return nil, err
	}
	if err := m.store.SetAdd(ctx, streamIndexKey, store.DefaultTTL, s.ID); err != nil {
		return nil, types.NewFault(types.FaultStateStoreFailure, "streammanager.create", "failed to index new stream", err)
	}

	m.armKernel(e)
	return &s, nil
}

func (m *Manager) lookup(streamID string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[streamID]
}

func (m *Manager) persistStream(ctx context.Context, s *types.Stream) error {
	data, err := json.Marshal(s)
	if err != nil {
		return types.NewFault(types.FaultFatal, "streammanager.persist", "failed to marshal stream record", err)
	}
	if err := m.store.Set(ctx, store.StreamMetaKey(s.ID), data, store.DefaultTTL); err != nil {
		return types.NewFault(types.FaultStateStoreFailure, "streammanager.persist", "failed to persist stream record", err)
	}
	return nil
}

// List returns a point-in-time snapshot of every known stream.
func (m *Manager) List() []types.Stream {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]types.Stream, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.stream)
		e.mu.Unlock()
	}
	return out
}

// Status returns the current record for a single stream.
func (m *Manager) Status(streamID string) (*types.Stream, error) {
	e := m.lookup(streamID)
	if e == nil {
		return nil, ErrStreamNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stream
	return &s, nil
}

// PauseStream transitions a running or backing-off stream to paused,
// leaving its Kernel alive but idle.
func (m *Manager) PauseStream(ctx context.Context, streamID string) error {
	e := m.lookup(streamID)
	if e == nil {
		return ErrStreamNotFound
	}
	e.mu.Lock()
	if e.kernel != nil {
		e.kernel.Pause()
	}
	e.stream.State = types.StreamStatePaused
	s := e.stream
	e.mu.Unlock()
	return m.persistStream(ctx, &s)
}

// ResumeStream clears a paused or backed-off stream back to running.
func (m *Manager) ResumeStream(ctx context.Context, streamID string) error {
	e := m.lookup(streamID)
	if e == nil {
		return ErrStreamNotFound
	}

	e.mu.Lock()
	needsArm := e.kernel == nil
	if !needsArm {
		e.kernel.Resume()
	}
	e.stream.State = types.StreamStateRunning
	e.stream.ConsecutiveErrors = 0
	e.stream.BackoffUntil = time.Time{}
	s := e.stream
	e.mu.Unlock()

	if needsArm {
		m.armKernel(e)
	}
	return m.persistStream(ctx, &s)
}

// UpdateInterval changes a stream's poll interval. An interval outside
// spec §6's documented bounds is rejected, not coerced (spec §8 Boundary
// Behaviors).
func (m *Manager) UpdateInterval(ctx context.Context, streamID string, intervalMS int64) error {
	e := m.lookup(streamID)
	if e == nil {
		return ErrStreamNotFound
	}
	interval, err := m.cfg.resolveInterval(intervalMS)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.stream.IntervalMS = interval
	if e.kernel != nil {
		e.kernel.UpdateInterval(time.Duration(interval) * time.Millisecond)
	}
	s := e.stream
	e.mu.Unlock()
	return m.persistStream(ctx, &s)
}

// StopStream signals the stream's Kernel to unwind, waiting up to the
// configured grace period before forcing teardown (spec §8 invariant 6).
// The stream record itself is kept for list/status/history.
func (m *Manager) StopStream(ctx context.Context, streamID string) error {
	e := m.lookup(streamID)
	if e == nil {
		return ErrStreamNotFound
	}

	e.mu.Lock()
	k := e.kernel
	alreadyStopped := e.stream.State == types.StreamStateStopped
	e.stream.State = types.StreamStateStopped
	e.kernel = nil
	key := e.stream.Key()
	s := e.stream
	e.mu.Unlock()

	if k != nil {
		k.Stop(m.cfg.StopGrace)
	}

	// Free the (kind, target) slot so a later Create for the same pair
	// succeeds (spec §8: create-stop-create round-trips). The streamIndexKey
	// set membership is left alone: it is what lets Start replay this
	// stopped record's Status/History after a restart.
	if !alreadyStopped {
		m.mu.Lock()
		if m.keyIndex[key] == streamID {
			delete(m.keyIndex, key)
		}
		m.mu.Unlock()
	}

	return m.persistStream(ctx, &s)
}

// StopAll stops every currently non-stopped stream.
func (m *Manager) StopAll(ctx context.Context) error {
	for _, s := range m.List() {
		if s.State == types.StreamStateStopped {
			continue
		}
		if err := m.StopStream(ctx, s.ID); err != nil {
			return err
		}
	}
	return nil
}

// History delegates to the Event Bus for a stream's recorded history.
func (m *Manager) History(ctx context.Context, streamID string, limit int, topic *types.EventTopic) ([]types.Event, error) {
	if m.lookup(streamID) == nil {
		return nil, ErrStreamNotFound
	}
	return m.deps.Bus.History(ctx, streamID, limit, topic)
}

// GlobalStats aggregates every stream's state with the Browser Pool's
// current occupancy.
func (m *Manager) GlobalStats() GlobalStats {
	stats := GlobalStats{}
	if m.deps.Pool != nil {
		stats.PoolInfo = m.deps.Pool.Stats()
	}
	for _, s := range m.List() {
		stats.Total++
		switch s.State {
		case types.StreamStateRunning:
			stats.Running++
		case types.StreamStatePaused:
			stats.Paused++
		case types.StreamStateBackoff:
			stats.Backoff++
		case types.StreamStateStopped:
			stats.Stopped++
		}
	}
	return stats
}

// The methods below satisfy poller.Reporter: the Kernel reports
// transitions here instead of mutating a Stream record itself.

func (m *Manager) OnPollSuccess(streamID string, at time.Time) {
	e := m.lookup(streamID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.stream.LastPollAt = at
	if e.stream.State != types.StreamStateStopped && e.stream.State != types.StreamStatePaused {
		e.stream.State = types.StreamStateRunning
	}
	e.stream.ConsecutiveErrors = 0
	e.stream.BackoffUntil = time.Time{}
	s := e.stream
	e.mu.Unlock()

	if err := m.persistStream(context.Background(), &s); err != nil {
		m.logger.Warn().Err(err).Str("stream_id", streamID).Msg("failed to persist stream after successful poll")
	}
}

func (m *Manager) OnBackoff(streamID string, consecutiveErrors int, backoffUntil time.Time) {
	e := m.lookup(streamID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.stream.State = types.StreamStateBackoff
	e.stream.ConsecutiveErrors = consecutiveErrors
	e.stream.BackoffUntil = backoffUntil
	s := e.stream
	e.mu.Unlock()

	if err := m.persistStream(context.Background(), &s); err != nil {
		m.logger.Warn().Err(err).Str("stream_id", streamID).Msg("failed to persist stream after backoff")
	}
}

func (m *Manager) OnPaused(streamID string, cause error) {
	e := m.lookup(streamID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.stream.State = types.StreamStatePaused
	s := e.stream
	e.mu.Unlock()

	m.logger.Warn().Err(cause).Str("stream_id", streamID).Msg("stream paused on authentication fault")
	if err := m.persistStream(context.Background(), &s); err != nil {
		m.logger.Warn().Err(err).Str("stream_id", streamID).Msg("failed to persist stream after pause")
	}
}

func (m *Manager) OnStopped(streamID string, cause error) {
	e := m.lookup(streamID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.stream.State = types.StreamStateStopped
	e.kernel = nil
	s := e.stream
	e.mu.Unlock()

	m.logger.Error().Err(cause).Str("stream_id", streamID).Msg("stream auto-stopped")
	if err := m.persistStream(context.Background(), &s); err != nil {
		m.logger.Warn().Err(err).Str("stream_id", streamID).Msg("failed to persist stream after auto-stop")
	}
}
