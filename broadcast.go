package main

import (
	"context"
	"errors"
	"fmt"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const defaultBroadcastWorkers = 64

var (
	errRegistryUnavailable = errors.New("broadcast: registry unavailable")
	errPartialDelivery     = errors.New("broadcast: partial delivery failure")
)

// partialDeliveryError carries the first non-gone delivery failure of a
// broadcast. Deliveries not yet started when it happened were skipped.
type partialDeliveryError struct {
	ID  connectionID
	Err error
}

func (e *partialDeliveryError) Error() string {
	return fmt.Sprintf("%v: %s: %v", errPartialDelivery, e.ID, e.Err)
}

func (e *partialDeliveryError) Is(target error) bool {
	return target == errPartialDelivery
}

func (e *partialDeliveryError) Unwrap() error {
	return e.Err
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeStale
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeDelivered:
		return "delivered"
	case outcomeStale:
		return "stale"
	case outcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

type deliveryFailure struct {
	ID  connectionID
	Err error
}

type broadcastReport struct {
	Delivered []connectionID
	Stale     []connectionID
	Failed    []deliveryFailure
	// Skipped counts ids never handed to the transport because the batch
	// was aborted first, and in-flight deliveries the abort cut short.
	Skipped int
}

func (r *broadcastReport) record(id connectionID, o outcome, err error) {
	switch o {
	case outcomeDelivered:
		r.Delivered = append(r.Delivered, id)
	case outcomeStale:
		r.Stale = append(r.Stale, id)
	case outcomeFailed:
		r.Failed = append(r.Failed, deliveryFailure{ID: id, Err: err})
	}
}

func (r broadcastReport) count(o outcome) int {
	switch o {
	case outcomeDelivered:
		return len(r.Delivered)
	case outcomeStale:
		return len(r.Stale)
	case outcomeFailed:
		return len(r.Failed)
	}
	return 0
}

func (r broadcastReport) ok() bool {
	return len(r.Failed) == 0 && r.Skipped == 0
}

// broadcaster delivers one payload to every registered connection.
type broadcaster struct {
	reg     registry
	tr      transport
	workers int
	log     *slog.Logger
	m       *metrics
}

func newBroadcaster(reg registry, tr transport, workers int, log *slog.Logger, m *metrics) *broadcaster {
	if workers < 1 {
		workers = defaultBroadcastWorkers
	}
	return &broadcaster{reg: reg, tr: tr, workers: workers, log: log, m: m}
}

// broadcastAll reads a snapshot of the registry and fans payload out to
// it. A gone peer is pruned from the registry and never fails the call.
// The first other failure aborts deliveries that have not started yet
// and is returned as a *partialDeliveryError along with the partial
// report.
func (b *broadcaster) broadcastAll(ctx context.Context, payload []byte) (broadcastReport, error) {
	defer b.m.time("broadcast.duration", time.Now())
	b.m.incr("broadcast.calls", 1)

	var report broadcastReport
	ids, err := b.reg.listAll(ctx)
	if err != nil {
		return report, fmt.Errorf("%w: %w", errRegistryUnavailable, err)
	}
	if len(ids) == 0 {
		return report, nil
	}

	var mux sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i, id := range ids {
		if gctx.Err() != nil {
			mux.Lock()
			report.Skipped += len(ids) - i
			mux.Unlock()
			break
		}
		id := id
		g.Go(func() error {
			if gctx.Err() != nil {
				mux.Lock()
				report.Skipped++
				mux.Unlock()
				return nil
			}
			o, err := b.deliver(ctx, gctx, id, payload)
			if o == outcomeFailed && gctx.Err() != nil && isCancellation(err) {
				// Cut short by the abort, not failed by this peer.
				mux.Lock()
				report.Skipped++
				mux.Unlock()
				return nil
			}
			mux.Lock()
			report.record(id, o, err)
			mux.Unlock()
			if o == outcomeFailed {
				return &partialDeliveryError{ID: id, Err: err}
			}
			return nil
		})
	}
	err = g.Wait()
	if err == nil && report.Skipped > 0 {
		// Nothing failed, so the caller's context ended the batch.
		err = ctx.Err()
	}

	slices.Sort(report.Delivered)
	slices.Sort(report.Stale)
	b.m.incr("broadcast.delivered", int64(report.count(outcomeDelivered)))
	b.m.incr("broadcast.stale", int64(report.count(outcomeStale)))
	b.m.incr("broadcast.failed", int64(report.count(outcomeFailed)))
	if !report.ok() {
		b.log.Warn("Broadcast incomplete",
			"delivered", report.count(outcomeDelivered),
			"stale", report.count(outcomeStale),
			"failed", report.count(outcomeFailed),
			"skipped", report.Skipped,
		)
	}
	return report, err
}

func (b *broadcaster) deliver(ctx, gctx context.Context, id connectionID, payload []byte) (outcome, error) {
	o, err := classify(b.tr.deliver(gctx, id, payload))
	b.log.Debug("Delivery", "connection_id", id, "outcome", o.String())
	if o == outcomeStale {
		b.log.Info("Found stale connection, deleting", "connection_id", id)
		b.prune(ctx, id)
	}
	return o, err
}

func classify(err error) (outcome, error) {
	switch {
	case err == nil:
		return outcomeDelivered, nil
	case isGone(err):
		return outcomeStale, nil
	default:
		return outcomeFailed, err
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// prune removes a gone connection. It outlives a cancelled batch because
// the remove is idempotent and self-contained; its failure is only logged.
func (b *broadcaster) prune(ctx context.Context, id connectionID) {
	if err := b.reg.remove(context.WithoutCancel(ctx), id); err != nil {
		b.log.Warn("Failed to remove stale connection", "connection_id", id, "error", err)
		b.m.incr("registry.prune_errors", 1)
	}
}
