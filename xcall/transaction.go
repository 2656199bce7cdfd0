package xcall

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// TxType is the logical user operation behind a transaction
type TxType string

const (
	TxSwap     TxType = "SWAP"
	TxBridge   TxType = "BRIDGE"
	TxDeposit  TxType = "DEPOSIT"
	TxWithdraw TxType = "WITHDRAW"
	TxBorrow   TxType = "BORROW"
	TxRepay    TxType = "REPAY"
)

// Valid returns true for the supported operation types
func (t TxType) Valid() bool {
	switch t {
	case TxSwap, TxBridge, TxDeposit, TxWithdraw, TxBorrow, TxRepay:
		return true
	default:
		return false
	}
}

// TxStatus is the externally visible status of a transaction. It is also the outcome
// classification of a single on-chain transaction receipt.
type TxStatus string

const (
	TxPending TxStatus = "PENDING"
	TxSuccess TxStatus = "SUCCESS"
	TxFailure TxStatus = "FAILURE"
)

// IsFinal returns true for SUCCESS and FAILURE
func (s TxStatus) IsFinal() bool {
	return s == TxSuccess || s == TxFailure
}

var (
	ErrSameChain     = errors.New("source and destination chain are the same")
	ErrInvalidIntent = errors.New("invalid transaction intent")
)

// Transaction is the logical user operation, made of one or two hops
type Transaction struct {
	ID                      string          `json:"id"`
	Type                    TxType          `json:"type"`
	SourceChainID           string          `json:"sourceChainId"`
	SourceTxHash            string          `json:"sourceTxHash"`
	FinalDestinationChainID string          `json:"finalDestinationChainId"`
	SecondaryHopRequired    bool            `json:"secondaryHopRequired"`
	Status                  TxStatus        `json:"status"`
	FailureReason           string          `json:"failureReason,omitempty"`
	Attributes              json.RawMessage `json:"attributes,omitempty"`
	CreatedAt               time.Time       `json:"createdAt"`
	UpdatedAt               time.Time       `json:"updatedAt"`
	ArchivedAt              time.Time       `json:"archivedAt,omitempty"`
}

// TransactionIntent is what the caller asks to be submitted on the source chain
type TransactionIntent struct {
	Type                    TxType `json:"type"`
	SourceChainID           string `json:"sourceChainId"`
	FinalDestinationChainID string `json:"finalDestinationChainId"`
	// Destination is the final recipient formatted as "<nid>/<address>"
	Destination string          `json:"destination"`
	Token       string          `json:"token,omitempty"`
	Amount      *big.Int        `json:"amount,omitempty"`
	Data        []byte          `json:"data,omitempty"`
	Rollback    []byte          `json:"rollback,omitempty"`
	ProtocolFee *big.Int        `json:"protocolFee,omitempty"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
}

// Validate checks the intent is well formed. It does not check balances.
func (i TransactionIntent) Validate() error {
	if !i.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidIntent, i.Type)
	}
	if i.SourceChainID == "" || i.FinalDestinationChainID == "" {
		return fmt.Errorf("%w: source and destination chains are required", ErrInvalidIntent)
	}
	if i.SourceChainID == i.FinalDestinationChainID {
		return fmt.Errorf("%w: %w", ErrInvalidIntent, ErrSameChain)
	}
	if _, _, err := ParseNetworkAddress(i.Destination); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidIntent, err)
	}
	if i.Amount != nil && i.Amount.Sign() < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidIntent)
	}
	if i.ProtocolFee != nil && i.ProtocolFee.Sign() < 0 {
		return fmt.Errorf("%w: negative protocol fee", ErrInvalidIntent)
	}
	return nil
}

// Fee returns the protocol fee or zero
func (i TransactionIntent) Fee() *big.Int {
	if i.ProtocolFee == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(i.ProtocolFee)
}

// AmountOrZero returns the amount or zero
func (i TransactionIntent) AmountOrZero() *big.Int {
	if i.Amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(i.Amount)
}

// Route returns the destination of the first hop and whether a second hop through the
// hub is needed. Transfers between two spokes are relayed by the hub.
func Route(sourceChainID, finalDestinationChainID, hubChainID string) (string, bool, error) {
	if sourceChainID == finalDestinationChainID {
		return "", false, ErrSameChain
	}
	hop1Destination := finalDestinationChainID
	if sourceChainID != hubChainID && finalDestinationChainID != hubChainID {
		hop1Destination = hubChainID
	}
	return hop1Destination, hop1Destination != finalDestinationChainID, nil
}

// DeriveTransactionStatus folds the hop statuses into the transaction status. A final
// status is never left. hops are indexed by position: hops[0] is hop 1, hops[1] hop 2.
func DeriveTransactionStatus(tx *Transaction, hops []*Message) TxStatus {
	if tx.Status.IsFinal() {
		return tx.Status
	}
	for _, h := range hops {
		if h != nil && h.Status == StatusExecutedFailure {
			return TxFailure
		}
	}
	last := 1
	if tx.SecondaryHopRequired {
		last = 2 //nolint:mnd
	}
	if len(hops) >= last && hops[last-1] != nil && hops[last-1].Status == StatusExecutedSuccess {
		return TxSuccess
	}
	return TxPending
}

// FailureReasonFrom extracts the destination reported reason of a failed hop
func FailureReasonFrom(m *Message) string {
	exe, ok := m.ExecutedEvent()
	if !ok {
		return ""
	}
	if exe.Message == "" {
		return fmt.Sprintf("execution failed on %s with code %d", m.DestinationChainID, exe.Code)
	}
	return fmt.Sprintf("execution failed on %s with code %d: %s", m.DestinationChainID, exe.Code, exe.Message)
}
