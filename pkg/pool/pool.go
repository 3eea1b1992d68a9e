// Package pool implements the Browser Pool (spec §4.C): bounded,
// thread-safe acquire/release of chromedp page leases across a small set
// of long-lived browser handles, with FIFO-fair waiters, age-based
// recycling and a background maintenance tick.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"

	"github.com/corvidlabs/xstream/pkg/log"
	"github.com/corvidlabs/xstream/pkg/metrics"
	"github.com/corvidlabs/xstream/pkg/types"
)

// Config bounds the pool's capacity and lifetimes (spec's documented
// defaults: 3 handles, 5 pages per handle, 30-minute handle max age,
// 30-second acquire timeout).
type Config struct {
	MaxHandles        int
	MaxPagesPerHandle int
	HandleMaxAge      time.Duration
	AcquireTimeout    time.Duration
	Headless          bool
	ProxyURL          string
}

// DefaultConfig returns the spec's documented Browser Pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxHandles:        3,
		MaxPagesPerHandle: 5,
		HandleMaxAge:      30 * time.Minute,
		AcquireTimeout:    30 * time.Second,
		Headless:          true,
	}
}

// applyDefaults fills in fields the caller left unset. MaxHandles: 0 is a
// valid, meaningful configuration (a pool that never grants a handle, per
// spec §8), so it is left alone; pass MaxHandles: -1 to ask for the
// documented default instead.
func (c *Config) applyDefaults() {
	if c.MaxHandles < 0 {
		c.MaxHandles = 3
	}
	if c.MaxPagesPerHandle <= 0 {
		c.MaxPagesPerHandle = 5
	}
	if c.HandleMaxAge <= 0 {
		c.HandleMaxAge = 30 * time.Minute
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
}

// handle is one long-lived Chrome process, shared by up to
// MaxPagesPerHandle concurrently leased pages.
type handle struct {
	id          string
	allocCtx    context.Context
	allocCancel context.CancelFunc
	createdAt   time.Time
	connected   bool

	mu         sync.Mutex
	pagesInUse int
}

func (h *handle) age() time.Duration { return time.Since(h.createdAt) }

func (h *handle) needsRecycle(maxAge time.Duration) bool {
	return h.age() > maxAge || !h.connected
}

// Lease is a scoped borrow of one page on a pooled handle. Release must
// be called exactly once to return capacity to the pool.
type Lease struct {
	types.PageLease
	Context context.Context

	pool      *Pool
	handle    *handle
	pageCtx   context.Context
	pageCancel context.CancelFunc
}

// Release closes the leased page and returns its slot to the pool.
func (l *Lease) Release() {
	l.pool.release(l)
}

// Stats mirrors the spec's `stats()` operation.
type Stats struct {
	Handles     int
	PagesOpen   int
	MaxHandles  int
	OldestAgeMS int64
}

// Pool is the Browser Pool singleton (spec §9: created at process init,
// shut down in reverse order at teardown).
type Pool struct {
	cfg Config

	mu      sync.Mutex
	handles map[string]*handle
	waiters *list.List // of chan struct{}

	handleCounter uint64

	stopCh chan struct{}
	wg     sync.WaitGroup

	logger zerolog.Logger
}

// New constructs a Browser Pool. The pool starts with zero handles;
// handles are created lazily on first acquire, the way the teacher's
// worker pool grows on demand rather than pre-warming.
func New(cfg Config) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		cfg:     cfg,
		handles: make(map[string]*handle),
		waiters: list.New(),
		stopCh:  make(chan struct{}),
		logger:  log.WithComponent("pool"),
	}
	p.wg.Add(1)
	go p.maintenanceLoop()
	return p
}

// AcquirePage returns a lease to a page with capacity, launching a new
// handle if below MaxHandles, or blocking FIFO until one frees up or
// deadline elapses (spec §4.C).
func (p *Pool) AcquirePage(ctx context.Context, deadline time.Time) (*Lease, error) {
	acquireCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	} else {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	timer := metrics.NewTimer()
	for {
		lease, ok, err := p.tryAcquire(acquireCtx)
		if err != nil {
			return nil, err
		}
		if ok {
			timer.ObserveDuration(metrics.PoolAcquireDuration)
			return lease, nil
		}

		waitCh := make(chan struct{}, 1)
		p.mu.Lock()
		elem := p.waiters.PushBack(waitCh)
		p.mu.Unlock()

		select {
		case <-waitCh:
			// A slot was signaled free; loop back and race for it.
		case <-acquireCtx.Done():
			p.removeWaiter(elem)
			metrics.PoolAcquireTimeoutsTotal.Inc()
			return nil, types.NewFault(types.FaultPoolTimeout, "pool.acquire_page",
				"no page became available before the deadline", acquireCtx.Err())
		case <-p.stopCh:
			p.removeWaiter(elem)
			return nil, types.NewFault(types.FaultPoolTimeout, "pool.acquire_page", "pool is closed", nil)
		}
	}
}

func (p *Pool) removeWaiter(elem *list.Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waiters.Remove(elem)
}

// tryAcquire attempts a single non-blocking allocation: reuse a handle
// with spare capacity, or launch a new one below MaxHandles.
func (p *Pool) tryAcquire(ctx context.Context) (*Lease, bool, error) {
	p.mu.Lock()
	var target *handle
	for _, h := range p.handles {
		h.mu.Lock()
		fits := h.connected && h.age() < p.cfg.HandleMaxAge && h.pagesInUse < p.cfg.MaxPagesPerHandle
		h.mu.Unlock()
		if fits {
			target = h
			break
		}
	}
	canCreate := target == nil && len(p.handles) < p.cfg.MaxHandles
	p.mu.Unlock()

	if target == nil && canCreate {
		h, err := p.createHandle(ctx)
		if err != nil {
			return nil, false, types.NewFault(types.FaultFatal, "pool.acquire_page", "failed to launch browser handle", err)
		}
		target = h
	}
	if target == nil {
		return nil, false, nil
	}

	target.mu.Lock()
	target.pagesInUse++
	target.mu.Unlock()

	pageCtx, pageCancel := chromedp.NewContext(target.allocCtx)
	lease := &Lease{
		PageLease: types.PageLease{
			ID:         fmt.Sprintf("lease-%d", time.Now().UnixNano()),
			HandleID:   target.id,
			AcquiredAt: time.Now(),
		},
		Context:    pageCtx,
		pool:       p,
		handle:     target,
		pageCtx:    pageCtx,
		pageCancel: pageCancel,
	}
	metrics.PoolPagesInUse.Inc()
	return lease, true, nil
}

// release closes the lease's page and returns its slot to the handle,
// destroying the handle first if it has exceeded max age.
func (p *Pool) release(l *Lease) {
	if l.pageCancel != nil {
		l.pageCancel()
	}

	h := l.handle
	h.mu.Lock()
	h.pagesInUse--
	remaining := h.pagesInUse
	overAge := h.age() > p.cfg.HandleMaxAge
	h.mu.Unlock()

	metrics.PoolPagesInUse.Dec()

	if overAge {
		p.destroyHandle(h)
	} else if remaining == 0 {
		if err := clearHandleState(h.allocCtx); err != nil {
			p.logger.Warn().Err(err).Str("handle_id", h.id).Msg("failed to clear handle state on release")
		}
	}

	p.wakeOneWaiter()
}

func (p *Pool) wakeOneWaiter() {
	p.mu.Lock()
	front := p.waiters.Front()
	if front == nil {
		p.mu.Unlock()
		return
	}
	p.waiters.Remove(front)
	p.mu.Unlock()

	ch := front.Value.(chan struct{})
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (p *Pool) createHandle(ctx context.Context) (*handle, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if p.cfg.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(p.cfg.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	p.mu.Lock()
	p.handleCounter++
	id := fmt.Sprintf("handle-%d", p.handleCounter)
	h := &handle{
		id:          id,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		createdAt:   time.Now(),
		connected:   true,
	}
	p.handles[id] = h
	p.mu.Unlock()

	metrics.PoolHandlesTotal.WithLabelValues("connected").Inc()
	p.logger.Debug().Str("handle_id", id).Msg("launched browser handle")
	return h, nil
}

func (p *Pool) destroyHandle(h *handle) {
	p.mu.Lock()
	_, tracked := p.handles[h.id]
	delete(p.handles, h.id)
	p.mu.Unlock()
	if !tracked {
		return
	}

	if h.allocCancel != nil {
		h.allocCancel()
	}
	metrics.PoolHandlesTotal.WithLabelValues("connected").Dec()
	metrics.PoolHandlesRecycledTotal.Inc()
	p.logger.Debug().Str("handle_id", h.id).Msg("recycled browser handle")
}

// Stats implements the spec's `stats()` operation.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var oldest time.Duration
	pagesOpen := 0
	for _, h := range p.handles {
		if age := h.age(); age > oldest {
			oldest = age
		}
		h.mu.Lock()
		pagesOpen += h.pagesInUse
		h.mu.Unlock()
	}
	return Stats{
		Handles:     len(p.handles),
		PagesOpen:   pagesOpen,
		MaxHandles:  p.cfg.MaxHandles,
		OldestAgeMS: oldest.Milliseconds(),
	}
}

// Close shuts down the pool and destroys every tracked handle.
func (p *Pool) Close() error {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	handles := make([]*handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		p.destroyHandle(h)
	}
	return nil
}

func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.performMaintenance()
		case <-p.stopCh:
			return
		}
	}
}

// performMaintenance prunes disconnected or over-age, idle handles (spec:
// a background maintenance tick at >= 1 Hz).
func (p *Pool) performMaintenance() {
	p.mu.Lock()
	var stale []*handle
	for _, h := range p.handles {
		h.mu.Lock()
		idle := h.pagesInUse == 0
		recycle := h.needsRecycle(p.cfg.HandleMaxAge)
		h.mu.Unlock()
		if idle && recycle {
			stale = append(stale, h)
		}
	}
	p.mu.Unlock()

	for _, h := range stale {
		p.destroyHandle(h)
	}
}

// clearHandleState resets cookies and cache on a handle's top-level
// browsing context, used between sessions sharing the same handle.
func clearHandleState(ctx context.Context) error {
	clearCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = network.ClearBrowserCookies().Do(clearCtx)
	}()
	go func() {
		defer wg.Done()
		_ = network.ClearBrowserCache().Do(clearCtx)
	}()
	wg.Wait()
	return nil
}
