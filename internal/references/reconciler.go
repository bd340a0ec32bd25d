package references

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"refmanager/api/internal/events"
	"refmanager/api/internal/logging"
)

type Outcome string

const (
	OutcomeFinalized Outcome = "finalized"
	OutcomeRemoved   Outcome = "removed"
	// OutcomeNotified is a duplicate with no placeholder left to remove.
	OutcomeNotified Outcome = "notified"
	// OutcomeIgnored is a created record with no matching placeholder, either
	// because none is left or because its correlation id names another session.
	OutcomeIgnored Outcome = "ignored"
	OutcomeDropped Outcome = "dropped"
)

// Stats counts reconciler outcomes since construction.
type Stats struct {
	Finalized int64
	Removed   int64
	Notified  int64
	Ignored   int64
	Dropped   int64
}

// Reconciler applies server events to the ledger one at a time.
type Reconciler struct {
	ledger   *Ledger
	notifier Notifier
	logger   *zap.Logger

	mu    sync.Mutex
	stats [5]atomic.Int64
}

func NewReconciler(ledger *Ledger, notifier Notifier, logger *zap.Logger) *Reconciler {
	if notifier == nil {
		notifier = NotifierFunc(func(Notification) {})
	}
	return &Reconciler{
		ledger:   ledger,
		notifier: notifier,
		logger:   logging.OrNop(logger).Named("reconciler"),
	}
}

// OnServerEvent decodes raw and applies it. Malformed payloads are logged and
// dropped; nothing escapes to the caller.
func (r *Reconciler) OnServerEvent(raw []byte) (outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("citation event handler panicked", zap.Any("panic", rec))
			outcome = OutcomeDropped
		}
		r.count(outcome)
	}()

	env, err := events.Decode(raw)
	if err != nil {
		r.logger.Warn("dropping malformed citation event", zap.Error(err), zap.Int("bytes", len(raw)))
		return OutcomeDropped
	}
	return r.apply(env)
}

func (r *Reconciler) apply(env events.Envelope) Outcome {
	logger := r.logger.With(zap.String("correlation_id", env.CorrelationID))

	if env.Kind() == events.KindDuplicate {
		title := env.Title()
		removed, ok := r.ledger.RemoveMatching(env.CorrelationID)
		r.notifier.Notify(DuplicateNotice(title))
		if !ok {
			logger.Debug("duplicate citation with no pending placeholder", zap.String("title", title))
			return OutcomeNotified
		}
		logger.Info("duplicate citation removed placeholder",
			zap.String("title", title), zap.String("placeholder_id", removed.ID))
		return OutcomeRemoved
	}

	record := *env.CreatedCitation
	replaced, ok := r.ledger.ReplaceMatching(env.CorrelationID, record)
	if !ok {
		logger.Warn("created citation with no pending placeholder", zap.String("citation_id", record.ID))
		return OutcomeIgnored
	}
	logger.Info("citation finalized", zap.String("citation_id", replaced.ID), zap.String("title", replaced.Title()))
	return OutcomeFinalized
}

// EventSource yields raw server messages in arrival order.
type EventSource interface {
	Next(ctx context.Context) ([]byte, error)
}

// Run feeds every message from src through OnServerEvent until ctx is done or
// the source is exhausted. A closed source returns nil.
func (r *Reconciler) Run(ctx context.Context, src EventSource) error {
	for {
		raw, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read citation event: %w", err)
		}
		r.OnServerEvent(raw)
	}
}

func (r *Reconciler) Stats() Stats {
	return Stats{
		Finalized: r.stats[0].Load(),
		Removed:   r.stats[1].Load(),
		Notified:  r.stats[2].Load(),
		Ignored:   r.stats[3].Load(),
		Dropped:   r.stats[4].Load(),
	}
}

func (r *Reconciler) count(o Outcome) {
	switch o {
	case OutcomeFinalized:
		r.stats[0].Add(1)
	case OutcomeRemoved:
		r.stats[1].Add(1)
	case OutcomeNotified:
		r.stats[2].Add(1)
	case OutcomeIgnored:
		r.stats[3].Add(1)
	case OutcomeDropped:
		r.stats[4].Add(1)
	}
}
