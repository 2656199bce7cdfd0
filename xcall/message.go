package xcall

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// MessageStatus is the delivery status of a single hop
type MessageStatus string

const (
	StatusRequested       MessageStatus = "REQUESTED"
	StatusInProgress      MessageStatus = "IN_PROGRESS"
	StatusExecutedSuccess MessageStatus = "EXECUTED_SUCCESS"
	StatusExecutedFailure MessageStatus = "EXECUTED_FAILURE"
)

var (
	ErrConflictingEvent = errors.New("conflicting event for message")
	ErrUncorrelated     = errors.New("event does not correlate with message")
	ErrWrongChain       = errors.New("event observed on unexpected chain")
)

// IsTerminal returns true once the destination chain has executed (or rejected) the call
func (s MessageStatus) IsTerminal() bool {
	return s == StatusExecutedSuccess || s == StatusExecutedFailure
}

func (s MessageStatus) rank() int {
	switch s {
	case StatusInProgress:
		return 1
	case StatusExecutedSuccess, StatusExecutedFailure:
		return 2 //nolint:mnd
	default:
		return 0
	}
}

// Message is one directed hop from a source chain to a destination chain
type Message struct {
	ID                   string              `json:"id"`
	TransactionID        string              `json:"transactionId"`
	Hop                  int                 `json:"hop"`
	SourceChainID        string              `json:"sourceChainId"`
	SourceTxHash         string              `json:"sourceTxHash"`
	DestinationChainID   string              `json:"destinationChainId"`
	Status               MessageStatus       `json:"status"`
	Events               map[EventKind]Event `json:"events"`
	SourceWatermark      uint64              `json:"sourceWatermark"`
	DestinationWatermark uint64              `json:"destinationWatermark"`
	IsPrimaryHop         bool                `json:"isPrimaryHop"`
	Stalled              bool                `json:"stalled"`
	StalledReason        string              `json:"stalledReason,omitempty"`
	CreatedAt            time.Time           `json:"createdAt"`
	UpdatedAt            time.Time           `json:"updatedAt"`
}

// NewMessage creates a hop in REQUESTED state
func NewMessage(transactionID string, hop int, sourceChainID, sourceTxHash, destinationChainID string,
	sourceWatermark, destinationWatermark uint64, now time.Time) *Message {
	return &Message{
		ID:                   EntityID(sourceChainID, sourceTxHash),
		TransactionID:        transactionID,
		Hop:                  hop,
		SourceChainID:        sourceChainID,
		SourceTxHash:         NormalizeHash(sourceTxHash),
		DestinationChainID:   destinationChainID,
		Status:               StatusRequested,
		Events:               make(map[EventKind]Event),
		SourceWatermark:      sourceWatermark,
		DestinationWatermark: destinationWatermark,
		IsPrimaryHop:         hop == 1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// Sequence is the source sequence number, known once MessageSent has been observed
func (m *Message) Sequence() *big.Int {
	if e, ok := m.Events[MessageSent]; ok {
		return e.Sequence
	}
	return nil
}

// RequestID is the destination request id, known once MessageReceived has been observed
func (m *Message) RequestID() *big.Int {
	if e, ok := m.Events[MessageReceived]; ok {
		return e.RequestID
	}
	return nil
}

// ExecutedEvent returns the MessageExecuted event if present
func (m *Message) ExecutedEvent() (Event, bool) {
	e, ok := m.Events[MessageExecuted]
	return e, ok
}

// Apply records ev on the message and recomputes the status. It returns whether the
// message changed. Re-applying an already recorded event is a no-op. Once the status is
// terminal no event changes the message anymore.
func (m *Message) Apply(ev Event) (bool, error) {
	if m.Status.IsTerminal() {
		return false, nil
	}
	if err := ev.Validate(); err != nil {
		return false, err
	}
	if err := m.checkChain(ev); err != nil {
		return false, err
	}
	if m.Events == nil {
		m.Events = make(map[EventKind]Event)
	}
	if existing, ok := m.Events[ev.Kind]; ok {
		if existing.SameAs(ev) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s already recorded from %s, got %s",
			ErrConflictingEvent, ev.Kind, existing.Key(), ev.Key())
	}
	if err := m.checkCorrelation(ev); err != nil {
		return false, err
	}

	m.Events[ev.Kind] = ev
	next := DeriveMessageStatus(m.Events)
	if next.rank() >= m.Status.rank() {
		m.Status = next
	}
	// progress clears the stall diagnostic
	m.Stalled = false
	m.StalledReason = ""
	return true, nil
}

func (m *Message) checkChain(ev Event) error {
	expected := m.DestinationChainID
	if ev.Kind == MessageSent {
		expected = m.SourceChainID
	}
	if ev.ChainID != expected {
		return fmt.Errorf("%w: %s on %s, expected %s", ErrWrongChain, ev.Kind, ev.ChainID, expected)
	}
	if ev.Kind == MessageSent && NormalizeHash(ev.TxHash) != m.SourceTxHash {
		return fmt.Errorf("%w: sent in tx %s, message tx %s", ErrUncorrelated, ev.TxHash, m.SourceTxHash)
	}
	return nil
}

// checkCorrelation only rejects events that contradict an already recorded neighbour.
// Events whose predecessor is still unknown are accepted and simply do not count yet.
func (m *Message) checkCorrelation(ev Event) error {
	switch ev.Kind {
	case MessageSent:
		if rcv, ok := m.Events[MessageReceived]; ok && rcv.Sequence.Cmp(ev.Sequence) != 0 {
			return fmt.Errorf("%w: sequence %s vs received %s", ErrUncorrelated, ev.Sequence, rcv.Sequence)
		}
	case MessageReceived:
		if sent, ok := m.Events[MessageSent]; ok && sent.Sequence.Cmp(ev.Sequence) != 0 {
			return fmt.Errorf("%w: sequence %s vs sent %s", ErrUncorrelated, ev.Sequence, sent.Sequence)
		}
		if exe, ok := m.Events[MessageExecuted]; ok && exe.RequestID.Cmp(ev.RequestID) != 0 {
			return fmt.Errorf("%w: request id %s vs executed %s", ErrUncorrelated, ev.RequestID, exe.RequestID)
		}
	case MessageExecuted:
		if rcv, ok := m.Events[MessageReceived]; ok && rcv.RequestID.Cmp(ev.RequestID) != 0 {
			return fmt.Errorf("%w: request id %s vs received %s", ErrUncorrelated, ev.RequestID, rcv.RequestID)
		}
	}
	return nil
}

// DeriveMessageStatus computes the hop status from the recorded events. Received only
// counts when the matching Sent is present, Executed only when the matching Received
// counts, so arrival order never changes the result.
func DeriveMessageStatus(events map[EventKind]Event) MessageStatus {
	sent, hasSent := events[MessageSent]
	rcv, hasRcv := events[MessageReceived]
	exe, hasExe := events[MessageExecuted]

	received := hasSent && hasRcv && sent.Sequence != nil && rcv.Sequence != nil &&
		sent.Sequence.Cmp(rcv.Sequence) == 0
	if !received {
		return StatusRequested
	}
	executed := hasExe && rcv.RequestID != nil && exe.RequestID != nil &&
		rcv.RequestID.Cmp(exe.RequestID) == 0
	if !executed {
		return StatusInProgress
	}
	if exe.Code == 0 {
		return StatusExecutedSuccess
	}
	return StatusExecutedFailure
}

// Clone returns a deep enough copy to be mutated independently
func (m *Message) Clone() *Message {
	c := *m
	c.Events = make(map[EventKind]Event, len(m.Events))
	for k, v := range m.Events {
		c.Events[k] = v
	}
	return &c
}
