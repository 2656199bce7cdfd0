package adapter

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/xcall-tracker/xtracker/xcall"
)

// RawLog is a chain-native log as returned by FetchLogs. Body holds the family specific
// encoding and is only interpreted by the Parse of the same family.
type RawLog struct {
	ChainID string          `json:"chainId"`
	TxHash  string          `json:"txHash"`
	Height  uint64          `json:"height"`
	Index   uint64          `json:"index"`
	Kind    string          `json:"kind"`
	Body    json.RawMessage `json:"body"`
}

// RawReceipt is the chain-native receipt of a submitted transaction. Found is false
// while the chain does not know the transaction yet.
type RawReceipt struct {
	TxHash string          `json:"txHash"`
	Found  bool            `json:"found"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// ReadAdapter is implemented once per chain family
type ReadAdapter interface {
	// CurrentHeight returns the latest height observed on the chain
	CurrentHeight(ctx context.Context) (uint64, error)
	// FetchLogs returns every xcall log in [from, to], both ends included
	FetchLogs(ctx context.Context, from, to uint64) ([]RawLog, error)
	// FetchReceipt returns the receipt of a transaction, Found=false if unknown yet
	FetchReceipt(ctx context.Context, txHash string) (RawReceipt, error)
	// DeriveStatus classifies a receipt as PENDING, SUCCESS or FAILURE
	DeriveStatus(receipt RawReceipt) xcall.TxStatus
	// Parse maps raw logs to canonical events. Unrelated logs are dropped, malformed
	// ones are reported, never silently skipped.
	Parse(logs []RawLog) ([]xcall.Event, []*ParseError)
}

// WriteAdapter submits the transaction that initiates a cross-chain call
type WriteAdapter interface {
	// Submit signs and broadcasts the intent and returns the transaction hash
	Submit(ctx context.Context, intent xcall.TransactionIntent) (string, error)
	// EstimateFee returns the protocol fee charged for the intent, with no side effects
	EstimateFee(ctx context.Context, intent xcall.TransactionIntent) (*big.Int, error)
}

// Adapter is the full per-chain contract
type Adapter interface {
	ReadAdapter
	WriteAdapter
}

// ReadOnly can be embedded by families that cannot submit transactions
type ReadOnly struct{}

// Submit always fails with ErrWriteUnsupported
func (ReadOnly) Submit(context.Context, xcall.TransactionIntent) (string, error) {
	return "", ErrWriteUnsupported
}

// EstimateFee always fails with ErrWriteUnsupported
func (ReadOnly) EstimateFee(context.Context, xcall.TransactionIntent) (*big.Int, error) {
	return nil, ErrWriteUnsupported
}
