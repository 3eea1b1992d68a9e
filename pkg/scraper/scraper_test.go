package scraper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corvidlabs/xstream/pkg/types"
)

func TestDispatcher_RunOperation_MissingOperation(t *testing.T) {
	d := NewDispatcher()

	_, err := d.RunOperation(context.Background(), "does-not-exist", context.Background(), nil, time.Second)
	if err == nil {
		t.Fatalf("expected an error for an unregistered operation")
	}
	if types.KindOf(err) != types.FaultScraperMissing {
		t.Fatalf("expected FaultScraperMissing, got %v", types.KindOf(err))
	}
}

func TestDispatcher_RunOperation_Success(t *testing.T) {
	d := NewDispatcher()
	d.Register("echo", func(ctx context.Context, args Args) (any, error) {
		return args["value"], nil
	})

	result, err := d.RunOperation(context.Background(), "echo", context.Background(), Args{"value": "hi"}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "hi" {
		t.Fatalf("expected echoed value %q, got %v", "hi", result)
	}
}

func TestDispatcher_RunOperation_ClassifiesPlainError(t *testing.T) {
	d := NewDispatcher()
	d.Register("boom", func(ctx context.Context, args Args) (any, error) {
		return nil, errors.New("unexpected failure")
	})

	_, err := d.RunOperation(context.Background(), "boom", context.Background(), nil, time.Second)
	if types.KindOf(err) != types.FaultTransient {
		t.Fatalf("expected an unclassified error to default to FaultTransient, got %v", types.KindOf(err))
	}
}

func TestDispatcher_RunOperation_PreservesFaultKind(t *testing.T) {
	d := NewDispatcher()
	d.Register("unauthorized-op", func(ctx context.Context, args Args) (any, error) {
		return nil, types.NewFault(types.FaultUnauthorized, "scraper.unauthorized-op", "credentials rejected", nil)
	})

	_, err := d.RunOperation(context.Background(), "unauthorized-op", context.Background(), nil, time.Second)
	if types.KindOf(err) != types.FaultUnauthorized {
		t.Fatalf("expected the operation's own Fault kind to pass through, got %v", types.KindOf(err))
	}
}

func TestDispatcher_RunOperation_TimesOut(t *testing.T) {
	d := NewDispatcher()
	d.Register("slow", func(ctx context.Context, args Args) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := d.RunOperation(context.Background(), "slow", context.Background(), nil, 10*time.Millisecond)
	if types.KindOf(err) != types.FaultScraperMissing {
		t.Fatalf("expected a deadline exceeded to classify as FaultScraperMissing, got %v", types.KindOf(err))
	}
}

func TestParseCompactCount(t *testing.T) {
	cases := map[string]int{
		"0":       0,
		"42":      42,
		"1,234":   1234,
		"12.3K":   12300,
		"1.2M":    1200000,
		"":        0,
		"garbage": 0,
	}
	for input, want := range cases {
		if got := parseCompactCount(input); got != want {
			t.Errorf("parseCompactCount(%q) = %d, want %d", input, got, want)
		}
	}
}

func TestTweetIDFromLink(t *testing.T) {
	cases := map[string]string{
		"https://x.com/user/status/12345":         "12345",
		"https://x.com/user/status/12345?s=20":    "12345",
		"https://x.com/user/status/12345#reply":   "12345",
		"https://x.com/user":                      "",
	}
	for input, want := range cases {
		if got := tweetIDFromLink(input); got != want {
			t.Errorf("tweetIDFromLink(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestHandleFromLink(t *testing.T) {
	cases := map[string]string{
		"https://x.com/someuser":  "someuser",
		"https://x.com/someuser/": "someuser",
	}
	for input, want := range cases {
		if got := handleFromLink(input); got != want {
			t.Errorf("handleFromLink(%q) = %q, want %q", input, got, want)
		}
	}
}
