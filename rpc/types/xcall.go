package types

import "github.com/xcall-tracker/xtracker/xcall"

// TransactionView is a transaction together with its hops
type TransactionView struct {
	Transaction *xcall.Transaction `json:"transaction"`
	Hops        []*xcall.Message   `json:"hops"`
	StatusText  string             `json:"statusText"`
}

// FeeEstimate is the protocol fee of the first hop of an intent
type FeeEstimate struct {
	SourceChainID string `json:"sourceChainId"`
	// Fee in the smallest unit of the source chain fee token, decimal
	Fee string `json:"fee"`
}

// Watermark is the last scanned height of a chain
type Watermark struct {
	ChainID string `json:"chainId"`
	Height  uint64 `json:"height"`
}
