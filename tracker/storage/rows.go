package storage

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/xcall-tracker/xtracker/xcall"
)

type transactionRow struct {
	ID                      string    `meddler:"id"`
	Type                    string    `meddler:"type"`
	SourceChainID           string    `meddler:"source_chain_id"`
	SourceTxHash            string    `meddler:"source_tx_hash"`
	FinalDestinationChainID string    `meddler:"final_destination_chain_id"`
	SecondaryHopRequired    bool      `meddler:"secondary_hop_required"`
	Status                  string    `meddler:"status"`
	FailureReason           string    `meddler:"failure_reason,zeroisnull"`
	Attributes              string    `meddler:"attributes,zeroisnull"`
	CreatedAt               time.Time `meddler:"created_at,unixtime"`
	UpdatedAt               time.Time `meddler:"updated_at,unixtime"`
	ArchivedAt              time.Time `meddler:"archived_at,unixtime"`
}

func newTransactionRow(tx *xcall.Transaction) *transactionRow {
	return &transactionRow{
		ID:                      tx.ID,
		Type:                    string(tx.Type),
		SourceChainID:           tx.SourceChainID,
		SourceTxHash:            tx.SourceTxHash,
		FinalDestinationChainID: tx.FinalDestinationChainID,
		SecondaryHopRequired:    tx.SecondaryHopRequired,
		Status:                  string(tx.Status),
		FailureReason:           tx.FailureReason,
		Attributes:              string(tx.Attributes),
		CreatedAt:               tx.CreatedAt,
		UpdatedAt:               tx.UpdatedAt,
		ArchivedAt:              tx.ArchivedAt,
	}
}

func (r *transactionRow) toTransaction() *xcall.Transaction {
	tx := &xcall.Transaction{
		ID:                      r.ID,
		Type:                    xcall.TxType(r.Type),
		SourceChainID:           r.SourceChainID,
		SourceTxHash:            r.SourceTxHash,
		FinalDestinationChainID: r.FinalDestinationChainID,
		SecondaryHopRequired:    r.SecondaryHopRequired,
		Status:                  xcall.TxStatus(r.Status),
		FailureReason:           r.FailureReason,
		CreatedAt:               r.CreatedAt,
		UpdatedAt:               r.UpdatedAt,
		ArchivedAt:              r.ArchivedAt,
	}
	if r.Attributes != "" {
		tx.Attributes = json.RawMessage(r.Attributes)
	}
	return tx
}

type messageRow struct {
	ID                   string    `meddler:"id"`
	TransactionID        string    `meddler:"transaction_id"`
	Hop                  int       `meddler:"hop"`
	SourceChainID        string    `meddler:"source_chain_id"`
	SourceTxHash         string    `meddler:"source_tx_hash"`
	DestinationChainID   string    `meddler:"destination_chain_id"`
	Status               string    `meddler:"status"`
	SourceWatermark      uint64    `meddler:"source_watermark"`
	DestinationWatermark uint64    `meddler:"destination_watermark"`
	IsPrimaryHop         bool      `meddler:"is_primary_hop"`
	Stalled              bool      `meddler:"stalled"`
	StalledReason        string    `meddler:"stalled_reason,zeroisnull"`
	CreatedAt            time.Time `meddler:"created_at,unixtime"`
	UpdatedAt            time.Time `meddler:"updated_at,unixtime"`
}

func newMessageRow(m *xcall.Message) *messageRow {
	return &messageRow{
		ID:                   m.ID,
		TransactionID:        m.TransactionID,
		Hop:                  m.Hop,
		SourceChainID:        m.SourceChainID,
		SourceTxHash:         m.SourceTxHash,
		DestinationChainID:   m.DestinationChainID,
		Status:               string(m.Status),
		SourceWatermark:      m.SourceWatermark,
		DestinationWatermark: m.DestinationWatermark,
		IsPrimaryHop:         m.IsPrimaryHop,
		Stalled:              m.Stalled,
		StalledReason:        m.StalledReason,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
}

func (r *messageRow) toMessage() *xcall.Message {
	return &xcall.Message{
		ID:                   r.ID,
		TransactionID:        r.TransactionID,
		Hop:                  r.Hop,
		SourceChainID:        r.SourceChainID,
		SourceTxHash:         r.SourceTxHash,
		DestinationChainID:   r.DestinationChainID,
		Status:               xcall.MessageStatus(r.Status),
		Events:               make(map[xcall.EventKind]xcall.Event),
		SourceWatermark:      r.SourceWatermark,
		DestinationWatermark: r.DestinationWatermark,
		IsPrimaryHop:         r.IsPrimaryHop,
		Stalled:              r.Stalled,
		StalledReason:        r.StalledReason,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

type eventRow struct {
	ChainID     string    `meddler:"chain_id"`
	TxHash      string    `meddler:"tx_hash"`
	LogIndex    uint64    `meddler:"log_index"`
	Kind        string    `meddler:"kind"`
	Height      uint64    `meddler:"height"`
	From        string    `meddler:"from_address,zeroisnull"`
	FromDigest  string    `meddler:"from_digest,zeroisnull"`
	FromNetwork string    `meddler:"from_network,zeroisnull"`
	To          string    `meddler:"to_address,zeroisnull"`
	Sequence    *big.Int  `meddler:"sequence,bigint"`
	RequestID   *big.Int  `meddler:"request_id,bigint"`
	Payload     []byte    `meddler:"payload"`
	Code        int32     `meddler:"code"`
	Message     string    `meddler:"message,zeroisnull"`
	MessageID   string    `meddler:"message_id,zeroisnull"`
	CreatedAt   time.Time `meddler:"created_at,unixtime"`
}

func newEventRow(ev xcall.Event, now time.Time) *eventRow {
	return &eventRow{
		ChainID:     ev.ChainID,
		TxHash:      xcall.NormalizeHash(ev.TxHash),
		LogIndex:    ev.LogIndex,
		Kind:        string(ev.Kind),
		Height:      ev.Height,
		From:        ev.From,
		FromDigest:  ev.FromDigest,
		FromNetwork: ev.FromNetwork(),
		To:          ev.To,
		Sequence:    ev.Sequence,
		RequestID:   ev.RequestID,
		Payload:     ev.Payload,
		Code:        ev.Code,
		Message:     ev.Message,
		CreatedAt:   now,
	}
}

func (r *eventRow) toEvent() xcall.Event {
	return xcall.Event{
		Kind:       xcall.EventKind(r.Kind),
		ChainID:    r.ChainID,
		TxHash:     r.TxHash,
		Height:     r.Height,
		LogIndex:   r.LogIndex,
		From:       r.From,
		FromDigest: r.FromDigest,
		To:         r.To,
		Sequence:   r.Sequence,
		RequestID:  r.RequestID,
		Payload:    r.Payload,
		Code:       r.Code,
		Message:    r.Message,
	}
}

type watermarkRow struct {
	ChainID   string    `meddler:"chain_id"`
	Height    uint64    `meddler:"height"`
	UpdatedAt time.Time `meddler:"updated_at,unixtime"`
}
