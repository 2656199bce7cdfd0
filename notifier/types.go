package notifier

import (
	"time"

	"github.com/xcall-tracker/xtracker/xcall"
)

// GenericSubscriber fans out published values to every subscriber
type GenericSubscriber[T any] interface {
	Subscribe(subscriberName string) <-chan T
	Unsubscribe(ch <-chan T)
	Publish(data T)
}

// Publisher is the write side used by the components producing status changes
type Publisher interface {
	Publish(change StatusChange)
}

// HopState is the status of one hop inside a StatusChange
type HopState struct {
	MessageID          string              `json:"messageId"`
	Hop                int                 `json:"hop"`
	SourceChainID      string              `json:"sourceChainId"`
	DestinationChainID string              `json:"destinationChainId"`
	Status             xcall.MessageStatus `json:"status"`
	Stalled            bool                `json:"stalled"`
	StalledReason      string              `json:"stalledReason,omitempty"`
}

// StatusChange is emitted every time a transaction or one of its hops changes
type StatusChange struct {
	TransactionID string         `json:"transactionId"`
	Type          xcall.TxType   `json:"type"`
	Status        xcall.TxStatus `json:"status"`
	StatusText    string         `json:"statusText"`
	FailureReason string         `json:"failureReason,omitempty"`
	Hops          []HopState     `json:"hops"`
	At            time.Time      `json:"at"`
}

// NewStatusChange snapshots a transaction and its hops
func NewStatusChange(tx *xcall.Transaction, hops []*xcall.Message, at time.Time) StatusChange {
	change := StatusChange{
		TransactionID: tx.ID,
		Type:          tx.Type,
		Status:        tx.Status,
		StatusText:    xcall.StatusText(tx, hops),
		FailureReason: tx.FailureReason,
		Hops:          make([]HopState, 0, len(hops)),
		At:            at,
	}
	for _, h := range hops {
		if h == nil {
			continue
		}
		change.Hops = append(change.Hops, HopState{
			MessageID:          h.ID,
			Hop:                h.Hop,
			SourceChainID:      h.SourceChainID,
			DestinationChainID: h.DestinationChainID,
			Status:             h.Status,
			Stalled:            h.Stalled,
			StalledReason:      h.StalledReason,
		})
	}
	return change
}

// Nop discards every change
type Nop struct{}

func (Nop) Publish(StatusChange) {}
