// Package eventbus implements the Event Bus (spec §4.G): a topic-per-
// stream pub/sub where subscribers join and leave a stream's channel,
// delivery is best-effort, and every published event is synchronously
// recorded into the stream's bounded history for late-joiner catch-up.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/corvidlabs/xstream/pkg/log"
	"github.com/corvidlabs/xstream/pkg/metrics"
	"github.com/corvidlabs/xstream/pkg/store"
	"github.com/corvidlabs/xstream/pkg/types"
)

// DefaultHistoryCap bounds how many events a stream's history ring
// retains (spec §4.A capped-list keys).
const DefaultHistoryCap = 200

// Subscription is a live channel joined to one stream's fan-out.
type Subscription chan *types.Event

// Bus is the Event Bus singleton (spec §9: created at process init,
// shut down in reverse order at teardown).
type Bus struct {
	store      store.Store
	historyCap int

	mu          sync.RWMutex
	subscribers map[string]map[Subscription]struct{}

	seq uint64

	logger zerolog.Logger
}

// New builds an Event Bus backed by st for history persistence.
func New(st store.Store, historyCap int) *Bus {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &Bus{
		store:       st,
		historyCap:  historyCap,
		subscribers: make(map[string]map[Subscription]struct{}),
		logger:      log.WithComponent("eventbus"),
	}
}

// Join subscribes to streamID's fan-out, returning a buffered channel the
// caller should drain and eventually pass to Leave.
func (b *Bus) Join(streamID string) Subscription {
	sub := make(Subscription, 50)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[streamID] == nil {
		b.subscribers[streamID] = make(map[Subscription]struct{})
	}
	b.subscribers[streamID][sub] = struct{}{}
	return sub
}

// Leave unsubscribes sub from streamID and closes its channel. Late
// joiners rely on History for catch-up; there is no delivery guarantee
// for events published before Join.
func (b *Bus) Leave(streamID string, sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[streamID]; ok {
		if _, ok := subs[sub]; ok {
			delete(subs, sub)
			close(sub)
		}
		if len(subs) == 0 {
			delete(b.subscribers, streamID)
		}
	}
}

// Publish synchronously records ev into its stream's history ring, then
// delivers it best-effort to every current joiner of that stream.
func (b *Bus) Publish(ctx context.Context, ev *types.Event) error {
	ev.Seq = atomic.AddUint64(&b.seq, 1)

	data, err := json.Marshal(ev)
	if err != nil {
		return types.NewFault(types.FaultFatal, "eventbus.publish", "failed to marshal event", err)
	}
	if err := b.store.ListAppendCapped(ctx, store.StreamEventsKey(ev.StreamID), data, b.historyCap, store.DefaultTTL); err != nil {
		return types.NewFault(types.FaultStateStoreFailure, "eventbus.publish", "failed to persist event history", err)
	}

	metrics.EventsEmittedTotal.WithLabelValues(string(ev.Topic)).Inc()
	b.broadcast(ev)
	return nil
}

func (b *Bus) broadcast(ev *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers[ev.StreamID] {
		select {
		case sub <- ev:
		default:
			b.logger.Warn().Str("stream_id", ev.StreamID).Msg("subscriber buffer full, dropping event")
		}
	}
}

// History returns up to limit of the most recent events recorded for
// streamID, optionally filtered to a single topic.
func (b *Bus) History(ctx context.Context, streamID string, limit int, topic *types.EventTopic) ([]types.Event, error) {
	raw, err := b.store.ListRange(ctx, store.StreamEventsKey(streamID), 0)
	if err != nil {
		return nil, types.NewFault(types.FaultStateStoreFailure, "eventbus.history", "failed to read event history", err)
	}

	events := make([]types.Event, 0, len(raw))
	for _, r := range raw {
		var ev types.Event
		if err := json.Unmarshal(r, &ev); err != nil {
			continue
		}
		if topic != nil && ev.Topic != *topic {
			continue
		}
		events = append(events, ev)
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// SubscriberCount reports how many joiners streamID currently has.
func (b *Bus) SubscriberCount(streamID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[streamID])
}
