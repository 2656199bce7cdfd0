package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/hermeznetwork/tracerr"
	"github.com/xcall-tracker/xtracker/db"
	"github.com/xcall-tracker/xtracker/xcall"
)

// CheckSourceTransactions looks up the receipt of every initiating transaction on
// chainID whose MessageSent has not been observed yet. A failed receipt finalizes the
// transaction as FAILURE since no message will ever be emitted.
func (o *Orchestrator) CheckSourceTransactions(ctx context.Context, chainID string) error {
	if !o.cfg.VerifySourceTx {
		return nil
	}
	a, err := o.registry.Adapter(chainID)
	if err != nil {
		return err
	}
	messages, err := o.storage.ActiveMessages(ctx, chainID)
	if err != nil {
		return err
	}
	for _, m := range messages {
		if m.Hop != 1 || m.SourceChainID != chainID {
			continue
		}
		if _, ok := m.Events[xcall.MessageSent]; ok {
			continue
		}
		receipt, err := a.FetchReceipt(ctx, m.SourceTxHash)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.log.Debugf("receipt of %s unavailable: %v", m.SourceTxHash, err)
			continue
		}
		if a.DeriveStatus(receipt) != xcall.TxFailure {
			continue
		}
		if err := o.failOnSource(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) failOnSource(ctx context.Context, m *xcall.Message) error {
	unlock := o.locks.Lock(m.TransactionID)
	defer unlock()

	failed := false
	err := o.storage.RunInTx(ctx, func(q db.Querier) error {
		failed = false
		current, err := o.storage.GetMessage(q, m.ID)
		if err != nil {
			return err
		}
		if _, ok := current.Events[xcall.MessageSent]; ok {
			o.bug("sent_from_failed_tx", tracerr.Errorf("message %s emitted MessageSent from a failed transaction", m.ID))
			return nil
		}
		tx, err := o.storage.GetTransaction(q, m.TransactionID)
		if err != nil {
			return err
		}
		if tx.Status.IsFinal() {
			return nil
		}
		failed = true
		return o.finalize(q, tx, xcall.TxFailure, ReasonSourceFailed)
	})
	if err != nil {
		return err
	}
	if failed {
		o.notify(ctx, m.TransactionID)
	}
	return nil
}

// CheckHopTimeouts flags the active hops without progress for HopTimeout. The hop is
// never failed: a late delivery still completes it.
func (o *Orchestrator) CheckHopTimeouts(ctx context.Context) error {
	timeout := o.cfg.HopTimeout.Duration
	if timeout <= 0 {
		return nil
	}
	messages, err := o.storage.ActiveMessages(ctx, "")
	if err != nil {
		return err
	}
	now := o.now().UTC()
	var ids []string
	transactions := make(map[string]struct{})
	for _, m := range messages {
		if m.Stalled || now.Sub(m.UpdatedAt) < timeout {
			continue
		}
		ids = append(ids, m.ID)
		transactions[m.TransactionID] = struct{}{}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := o.storage.MarkStalled(ctx, ids, ReasonHopTimeout); err != nil {
		return err
	}
	o.log.Warnf("%d hops without progress for %s", len(ids), timeout)
	for id := range transactions {
		o.notify(ctx, id)
	}
	return nil
}

// RunHopTimeouts runs CheckHopTimeouts periodically until ctx is done
func (o *Orchestrator) RunHopTimeouts(ctx context.Context) error {
	if o.cfg.HopTimeout.Duration <= 0 {
		<-ctx.Done()
		return nil
	}
	interval := o.cfg.HopTimeoutCheckInterval.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.CheckHopTimeouts(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.log.Errorf("hop timeout check: %v", err)
			}
		}
	}
}
