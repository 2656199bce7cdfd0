package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xcall-tracker/xtracker/adapter"
	"github.com/xcall-tracker/xtracker/db"
	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/tracker/storage"
	"github.com/xcall-tracker/xtracker/xcall"
)

// ChainResolver gives access to the static chain registry
type ChainResolver interface {
	Chain(chainID string) (adapter.ChainConfig, error)
}

// Observer is called inside the reconciliation transaction every time a message
// changed, so follow-up writes (finalization, next hop) commit atomically with it.
type Observer interface {
	OnMessageUpdated(ctx context.Context, tx db.Querier, m *xcall.Message) error
}

// Metrics counts the messages that could not be reconciled
type Metrics interface {
	InvariantViolation(kind string)
}

// Tracker stores canonical events and reconciles them into messages
type Tracker struct {
	storage   storage.Storage
	chains    ChainResolver
	observer  Observer
	locks     *KeyedMutex
	publisher *StatusPublisher
	metrics   Metrics
	log       *log.Logger
	now       func() time.Time
}

func New(st storage.Storage, chains ChainResolver, observer Observer, locks *KeyedMutex,
	publisher *StatusPublisher, metrics Metrics, logger *log.Logger) *Tracker {
	return &Tracker{
		storage:   st,
		chains:    chains,
		observer:  observer,
		locks:     locks,
		publisher: publisher,
		metrics:   metrics,
		log:       logger,
		now:       time.Now,
	}
}

// IngestEvents durably records the events of a scanned window. Events already stored
// are ignored so re-scanning a range is harmless.
func (t *Tracker) IngestEvents(ctx context.Context, chainID string, events []xcall.Event) (int, error) {
	for i := range events {
		if events[i].ChainID != chainID {
			return 0, fmt.Errorf("event %s does not belong to chain %s", events[i].Key(), chainID)
		}
	}
	n, err := t.storage.InsertEvents(ctx, events, t.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.log.Debugf("stored %d new events of %d for %s", n, len(events), chainID)
	}
	return n, nil
}

// ReconcileChain feeds the stored events to every active message touching chainID.
// It returns how many messages changed. A message that fails is logged and retried on
// the next call; only failing to list the active messages is returned.
func (t *Tracker) ReconcileChain(ctx context.Context, chainID string) (int, error) {
	messages, err := t.storage.ActiveMessages(ctx, chainID)
	if err != nil {
		return 0, fmt.Errorf("active messages of %s: %w", chainID, err)
	}
	changed := 0
	for _, m := range messages {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}
		ok, err := t.ReconcileMessage(ctx, m.TransactionID, m.ID)
		if err != nil {
			if ctx.Err() != nil {
				return changed, ctx.Err()
			}
			t.log.Errorw("bug: message not reconciled", "kind", "reconcile_failed", "message", m.ID,
				"transaction", m.TransactionID, "chain", chainID, "err", err)
			if t.metrics != nil {
				t.metrics.InvariantViolation("reconcile_failed")
			}
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

// ReconcileMessage applies the matching stored events to one message. Writes are
// serialized per transaction and committed in a single database transaction.
func (t *Tracker) ReconcileMessage(ctx context.Context, transactionID, messageID string) (bool, error) {
	unlock := t.locks.Lock(transactionID)
	defer unlock()

	changed := false
	err := t.storage.RunInTx(ctx, func(q db.Querier) error {
		changed = false
		m, err := t.storage.GetMessage(q, messageID)
		if err != nil {
			return err
		}
		if m.Status.IsTerminal() {
			return nil
		}
		tx, err := t.storage.GetTransaction(q, m.TransactionID)
		if err != nil {
			return err
		}
		if tx.Status.IsFinal() {
			// abandoned hop
			return nil
		}

		previous := m.Status
		applied, err := t.collect(q, m)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			return nil
		}
		m.UpdatedAt = t.now().UTC()
		if err := t.storage.UpdateMessage(q, m); err != nil {
			return err
		}
		for _, ev := range applied {
			if err := t.storage.AttachEvent(q, ev, m.ID); err != nil {
				return err
			}
		}
		if previous != m.Status {
			t.log.Infof("message %s (hop %d of %s): %s -> %s", m.ID, m.Hop, m.TransactionID, previous, m.Status)
		}
		if t.observer != nil {
			if err := t.observer.OnMessageUpdated(ctx, q, m); err != nil {
				return fmt.Errorf("observer: %w", err)
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed && t.publisher != nil {
		t.publisher.Notify(ctx, transactionID)
	}
	return changed, nil
}

// collect applies, in protocol order, the first stored candidate of every missing kind
func (t *Tracker) collect(q db.Querier, m *xcall.Message) ([]xcall.Event, error) {
	var applied []xcall.Event

	if _, ok := m.Events[xcall.MessageSent]; !ok {
		candidates, err := t.storage.FindEvents(q, storage.EventQuery{
			Kind:      xcall.MessageSent,
			ChainID:   m.SourceChainID,
			TxHash:    m.SourceTxHash,
			MessageID: m.ID,
		})
		if err != nil {
			return nil, err
		}
		if ev, ok := t.applyFirst(m, candidates, nil); ok {
			applied = append(applied, ev)
		}
	}

	sent, hasSent := m.Events[xcall.MessageSent]
	if _, ok := m.Events[xcall.MessageReceived]; !ok && hasSent {
		source, err := t.chains.Chain(m.SourceChainID)
		if err != nil {
			return nil, err
		}
		candidates, err := t.storage.FindEvents(q, storage.EventQuery{
			Kind:      xcall.MessageReceived,
			ChainID:   m.DestinationChainID,
			Sequence:  sent.Sequence.String(),
			MessageID: m.ID,
		})
		if err != nil {
			return nil, err
		}
		match := func(ev xcall.Event) bool {
			return xcall.ReceivedMatchesSent(sent, ev, source.NetworkID)
		}
		if ev, ok := t.applyFirst(m, candidates, match); ok {
			applied = append(applied, ev)
		}
	}

	received, hasReceived := m.Events[xcall.MessageReceived]
	if _, ok := m.Events[xcall.MessageExecuted]; !ok && hasReceived {
		candidates, err := t.storage.FindEvents(q, storage.EventQuery{
			Kind:      xcall.MessageExecuted,
			ChainID:   m.DestinationChainID,
			RequestID: received.RequestID.String(),
			MessageID: m.ID,
		})
		if err != nil {
			return nil, err
		}
		match := func(ev xcall.Event) bool {
			return xcall.ExecutedMatchesReceived(received, ev)
		}
		if ev, ok := t.applyFirst(m, candidates, match); ok {
			applied = append(applied, ev)
		}
	}
	return applied, nil
}

func (t *Tracker) applyFirst(m *xcall.Message, candidates []xcall.Event,
	match func(xcall.Event) bool) (xcall.Event, bool) {
	for _, ev := range candidates {
		if match != nil && !match(ev) {
			continue
		}
		changed, err := m.Apply(ev)
		if err != nil {
			if errors.Is(err, xcall.ErrConflictingEvent) || errors.Is(err, xcall.ErrUncorrelated) ||
				errors.Is(err, xcall.ErrWrongChain) {
				t.log.Warnf("event %s rejected for message %s: %v", ev.Key(), m.ID, err)
				continue
			}
			t.log.Errorf("event %s cannot be applied to message %s: %v", ev.Key(), m.ID, err)
			continue
		}
		if changed {
			return ev, true
		}
	}
	return xcall.Event{}, false
}

// MarkChainStalled flags the active messages touching chainID
func (t *Tracker) MarkChainStalled(ctx context.Context, chainID, reason string) error {
	ids, err := t.storage.SetStalled(ctx, chainID, reason)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		t.log.Warnf("%d messages touching %s flagged as stalled: %s", len(ids), chainID, reason)
	}
	t.notifyMessages(ctx, ids)
	return nil
}

// ClearChainStalled drops the flag set by MarkChainStalled with the same reason
func (t *Tracker) ClearChainStalled(ctx context.Context, chainID, reason string) error {
	ids, err := t.storage.ClearStalled(ctx, chainID, reason)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		t.log.Infof("%d messages touching %s recovered", len(ids), chainID)
	}
	t.notifyMessages(ctx, ids)
	return nil
}

func (t *Tracker) notifyMessages(ctx context.Context, ids []string) {
	if t.publisher == nil {
		return
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m, err := t.storage.GetMessage(nil, id)
		if err != nil {
			t.log.Errorf("notify message %s: %v", id, err)
			continue
		}
		if _, ok := seen[m.TransactionID]; ok {
			continue
		}
		seen[m.TransactionID] = struct{}{}
		t.publisher.Notify(ctx, m.TransactionID)
	}
}
