package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrRetryable wraps transient fetch failures (timeouts, indexer lagging behind)
	ErrRetryable = errors.New("retryable fetch error")

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientFee     = errors.New("insufficient protocol fee")
	ErrUserRejected        = errors.New("rejected by signer")
	ErrNetwork             = errors.New("network error")
	ErrWriteUnsupported    = errors.New("chain family does not support submissions")
	ErrNoSigner            = errors.New("no signer configured for chain")
)

// ParseError reports a log that looked like an xcall event but could not be decoded
type ParseError struct {
	ChainID string
	TxHash  string
	Index   uint64
	Kind    string
	Err     error
}

// NewParseError builds a ParseError for the given log
func NewParseError(l RawLog, err error) *ParseError {
	return &ParseError{ChainID: l.ChainID, TxHash: l.TxHash, Index: l.Index, Kind: l.Kind, Err: err}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s log %s/%d on %s: %v", e.Kind, e.TxHash, e.Index, e.ChainID, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Retryable marks err as transient
func Retryable(err error) error {
	if err == nil || errors.Is(err, ErrRetryable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

// IsRetryable returns true for transient fetch failures
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRetryable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

var (
	balanceHints = []string{"insufficient funds", "insufficient balance", "out of balance",
		"insufficientgas", "insufficient coin balance"}
	feeHints = []string{"insufficient fee", "insufficientfee", "fee too low", "invalid fee",
		"not enough fee", "insufficient protocol fee"}
)

// ClassifySubmitError maps a node error to one of the classified submission errors.
// Already classified errors are returned unchanged.
func ClassifySubmitError(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrInsufficientBalance, ErrInsufficientFee, ErrUserRejected,
		ErrNetwork, ErrWriteUnsupported, ErrNoSigner} {
		if errors.Is(err, known) {
			return err
		}
	}
	msg := strings.ToLower(err.Error())
	for _, h := range feeHints {
		if strings.Contains(msg, h) {
			return fmt.Errorf("%w: %w", ErrInsufficientFee, err)
		}
	}
	for _, h := range balanceHints {
		if strings.Contains(msg, h) {
			return fmt.Errorf("%w: %w", ErrInsufficientBalance, err)
		}
	}
	if IsRetryable(err) {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return err
}
