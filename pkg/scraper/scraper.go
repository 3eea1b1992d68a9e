// Package scraper implements the Scraper Operation Dispatcher (spec
// §4.D): a uniform invocation point for the hundreds of per-page
// scraping and UI-manipulation recipes, each registered under a name and
// run with a deadline, error classification and structured telemetry.
package scraper

import (
	"context"
	"fmt"
	"time"

	"github.com/corvidlabs/xstream/pkg/log"
	"github.com/corvidlabs/xstream/pkg/metrics"
	"github.com/corvidlabs/xstream/pkg/types"
)

// Args is the loosely-typed argument bag passed to an operation. Each
// operation documents the keys it expects.
type Args map[string]any

// OperationFunc is the uniform shape every scraper operation implements:
// an opaque function from (page context, args) to a typed result.
type OperationFunc func(ctx context.Context, args Args) (any, error)

// Tweet is the result shape for tweet-bearing operations.
type Tweet struct {
	ID        string
	Author    string
	Text      string
	CreatedAt time.Time
}

// Dispatcher is the static registry of named operations (spec §4.D). The
// registry is only written by Register and has no lock; once registration
// is done it is safe for concurrent RunOperation calls.
type Dispatcher struct {
	operations map[string]OperationFunc
}

// NewDispatcher builds a Dispatcher pre-loaded with the built-in
// operation set. Callers may add custom operations before first use with
// Register.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{operations: make(map[string]OperationFunc)}
	d.Register("extract-profile", extractProfile)
	d.Register("list-tweets-by-user", listTweetsByUser)
	d.Register("list-followers", listFollowers)
	d.Register("search-mentions", searchMentions)
	d.Register("click-like", clickLike)
	d.Register("click-follow", clickFollow)
	d.Register("post-tweet", postTweet)
	d.Register("check-logged-in", checkLoggedIn)
	return d
}

// Register adds or replaces a named operation.
func (d *Dispatcher) Register(name string, op OperationFunc) {
	d.operations[name] = op
}

// RunOperation looks up name, wraps the call with timeout, classifies any
// error into the closed taxonomy (§7), and emits structured telemetry:
// name, duration, outcome.
func (d *Dispatcher) RunOperation(ctx context.Context, name string, page context.Context, args Args, timeout time.Duration) (any, error) {
	logger := log.WithComponent("scraper")

	op, ok := d.operations[name]
	if !ok {
		err := types.NewFault(types.FaultScraperMissing, "scraper.run_operation",
			fmt.Sprintf("no operation registered under %q", name), nil)
		metrics.ScraperOperationsTotal.WithLabelValues(name, "missing").Inc()
		return nil, err
	}

	opCtx := page
	var cancel context.CancelFunc
	if timeout > 0 {
		opCtx, cancel = context.WithTimeout(page, timeout)
		defer cancel()
	}

	timer := metrics.NewTimer()
	result, err := op(opCtx, args)
	timer.ObserveDurationVec(metrics.ScraperOperationDuration, name)

	outcome := "success"
	if err != nil {
		fault := classify(name, err)
		outcome = string(types.KindOf(fault))
		metrics.ScraperOperationsTotal.WithLabelValues(name, outcome).Inc()
		logger.Warn().Str("operation", name).Str("outcome", outcome).
			Dur("duration", timer.Duration()).Err(err).Msg("scraper operation failed")
		return nil, fault
	}

	metrics.ScraperOperationsTotal.WithLabelValues(name, outcome).Inc()
	logger.Debug().Str("operation", name).Str("outcome", outcome).
		Dur("duration", timer.Duration()).Msg("scraper operation completed")
	return result, nil
}

// classify maps a raw operation error to the closed taxonomy (§7). An
// error already carrying a *types.Fault passes through unchanged; a
// context deadline is a retryable ScraperMissing (timeouts usually mean
// an element never appeared); everything else is Transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if f, ok := err.(*types.Fault); ok {
		return f
	}
	if err == context.DeadlineExceeded {
		return types.NewFault(types.FaultScraperMissing, "scraper."+op, "operation timed out", err)
	}
	return types.NewFault(types.FaultTransient, "scraper."+op, "operation failed", err)
}

