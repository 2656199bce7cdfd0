package xcall

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
)

// methods invoked on the destination dapp for every operation type
var payloadMethods = map[TxType]string{
	TxSwap:     "xSwap",
	TxBridge:   "xCrossTransfer",
	TxDeposit:  "xDeposit",
	TxWithdraw: "xWithdraw",
	TxBorrow:   "xBorrow",
	TxRepay:    "xRepay",
}

// CallPayload is the cross-chain call data carried by a message
type CallPayload struct {
	Method string
	Token  string
	Amount *big.Int
	To     string
	Data   []byte
}

// NewCallPayload builds the payload for an intent
func NewCallPayload(intent TransactionIntent) (CallPayload, error) {
	method, ok := payloadMethods[intent.Type]
	if !ok {
		return CallPayload{}, fmt.Errorf("%w: no payload method for %q", ErrInvalidIntent, intent.Type)
	}
	return CallPayload{
		Method: method,
		Token:  intent.Token,
		Amount: intent.AmountOrZero(),
		To:     intent.Destination,
		Data:   intent.Data,
	}, nil
}

// EncodePayloadRLP encodes the call payload as an RLP list, the format expected by the
// EVM and hub contracts
func EncodePayloadRLP(intent TransactionIntent) ([]byte, error) {
	p, err := NewCallPayload(intent)
	if err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(p)
}

// DecodePayloadRLP is the inverse of EncodePayloadRLP
func DecodePayloadRLP(data []byte) (CallPayload, error) {
	var p CallPayload
	if err := rlp.DecodeBytes(data, &p); err != nil {
		return CallPayload{}, err
	}
	return p, nil
}
