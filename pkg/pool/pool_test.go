package pool

import (
	"context"
	"testing"
	"time"
)

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{MaxHandles: -1}
	cfg.applyDefaults()

	if cfg.MaxHandles != 3 {
		t.Errorf("expected default MaxHandles=3, got %d", cfg.MaxHandles)
	}
	if cfg.MaxPagesPerHandle != 5 {
		t.Errorf("expected default MaxPagesPerHandle=5, got %d", cfg.MaxPagesPerHandle)
	}
	if cfg.HandleMaxAge != 30*time.Minute {
		t.Errorf("expected default HandleMaxAge=30m, got %v", cfg.HandleMaxAge)
	}
	if cfg.AcquireTimeout != 30*time.Second {
		t.Errorf("expected default AcquireTimeout=30s, got %v", cfg.AcquireTimeout)
	}
}

func TestConfig_ApplyDefaults_PreservesExplicitZeroMaxHandles(t *testing.T) {
	cfg := Config{MaxHandles: 0}
	cfg.applyDefaults()

	if cfg.MaxHandles != 0 {
		t.Errorf("expected explicit MaxHandles=0 to survive applyDefaults, got %d", cfg.MaxHandles)
	}
}

func TestHandle_NeedsRecycle(t *testing.T) {
	h := &handle{createdAt: time.Now().Add(-time.Hour), connected: true}
	if !h.needsRecycle(30 * time.Minute) {
		t.Errorf("expected handle older than max age to need recycling")
	}

	fresh := &handle{createdAt: time.Now(), connected: true}
	if fresh.needsRecycle(30 * time.Minute) {
		t.Errorf("expected fresh handle to not need recycling")
	}

	disconnected := &handle{createdAt: time.Now(), connected: false}
	if !disconnected.needsRecycle(30 * time.Minute) {
		t.Errorf("expected disconnected handle to need recycling regardless of age")
	}
}

func TestPool_StatsOnEmptyPool(t *testing.T) {
	p := New(Config{MaxHandles: 3})
	defer p.Close()

	stats := p.Stats()
	if stats.Handles != 0 || stats.PagesOpen != 0 || stats.MaxHandles != 3 {
		t.Errorf("unexpected stats on empty pool: %+v", stats)
	}
}

func TestPool_AcquirePageTimesOutAtZeroCapacity(t *testing.T) {
	p := New(Config{MaxHandles: 0, AcquireTimeout: 50 * time.Millisecond})
	defer p.Close()

	_, err := p.AcquirePage(context.Background(), time.Time{})
	if err == nil {
		t.Fatalf("expected a pool timeout error when MaxHandles is 0")
	}
}

func TestPool_WaiterQueueFIFOOrdering(t *testing.T) {
	p := New(Config{MaxHandles: 1})
	defer p.Close()

	ch1 := make(chan struct{}, 1)
	ch2 := make(chan struct{}, 1)
	elem1 := p.waiters.PushBack(ch1)
	p.waiters.PushBack(ch2)

	p.wakeOneWaiter()

	select {
	case <-ch1:
	default:
		t.Fatalf("expected the first waiter (FIFO order) to be woken")
	}
	select {
	case <-ch2:
		t.Fatalf("did not expect the second waiter to be woken yet")
	default:
	}

	_ = elem1
}
