package tracker

import (
	"context"
	"time"

	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/notifier"
	"github.com/xcall-tracker/xtracker/tracker/storage"
)

// StatusMetrics counts published changes
type StatusMetrics interface {
	StatusChange(status string)
}

// StatusPublisher snapshots a transaction and hands it to the notifier
type StatusPublisher struct {
	storage storage.Storage
	pub     notifier.Publisher
	metrics StatusMetrics
	log     *log.Logger
	now     func() time.Time
}

func NewStatusPublisher(st storage.Storage, pub notifier.Publisher, metrics StatusMetrics,
	logger *log.Logger) *StatusPublisher {
	if pub == nil {
		pub = notifier.Nop{}
	}
	return &StatusPublisher{
		storage: st,
		pub:     pub,
		metrics: metrics,
		log:     logger,
		now:     time.Now,
	}
}

// Snapshot returns the current state of a transaction as a status change
func (p *StatusPublisher) Snapshot(_ context.Context, transactionID string) (notifier.StatusChange, error) {
	tx, err := p.storage.GetTransaction(nil, transactionID)
	if err != nil {
		return notifier.StatusChange{}, err
	}
	hops, err := p.storage.GetMessages(nil, transactionID)
	if err != nil {
		return notifier.StatusChange{}, err
	}
	return notifier.NewStatusChange(tx, hops, p.now().UTC()), nil
}

// Notify publishes the current state of a transaction. Failures are only logged, a
// missed notification is recovered by the next change or by polling the rpc.
func (p *StatusPublisher) Notify(ctx context.Context, transactionID string) {
	change, err := p.Snapshot(ctx, transactionID)
	if err != nil {
		p.log.Errorf("notify %s: %v", transactionID, err)
		return
	}
	p.pub.Publish(change)
	if p.metrics != nil {
		p.metrics.StatusChange(string(change.Status))
	}
}
