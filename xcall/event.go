package xcall

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// EventKind is the canonical kind of a cross-chain protocol event
type EventKind string

const (
	// MessageSent is emitted on the source chain when a call message is accepted
	MessageSent EventKind = "MessageSent"
	// MessageReceived is emitted on the destination chain when the relay delivers the message
	MessageReceived EventKind = "MessageReceived"
	// MessageExecuted is emitted on the destination chain once the call has been executed
	MessageExecuted EventKind = "MessageExecuted"
)

// EventKinds lists every canonical kind in protocol order
var EventKinds = []EventKind{MessageSent, MessageReceived, MessageExecuted}

var (
	ErrMissingField = errors.New("missing required field")
	ErrUnknownKind  = errors.New("unknown event kind")
)

// Valid returns true for the three canonical kinds
func (k EventKind) Valid() bool {
	switch k {
	case MessageSent, MessageReceived, MessageExecuted:
		return true
	default:
		return false
	}
}

// Event is the chain-agnostic representation of an xcall protocol event.
// Only the fields relevant to Kind are populated.
type Event struct {
	Kind     EventKind `json:"kind"`
	ChainID  string    `json:"chainId"`
	TxHash   string    `json:"txHash"`
	Height   uint64    `json:"height"`
	LogIndex uint64    `json:"logIndex"`

	// From and To are network addresses ("<nid>/<address>") on MessageReceived and
	// local addresses on MessageSent.
	From string `json:"from,omitempty"`
	// FromDigest is set instead of From by chains that only emit the keccak256 of the
	// sender network address (indexed strings on EVM).
	FromDigest string   `json:"fromDigest,omitempty"`
	To         string   `json:"to,omitempty"`
	Sequence   *big.Int `json:"sequence,omitempty"`
	RequestID  *big.Int `json:"requestId,omitempty"`
	Payload    []byte   `json:"payload,omitempty"`
	Code       int32    `json:"code"`
	Message    string   `json:"message,omitempty"`
}

// Key identifies the log that produced the event
func (e Event) Key() string {
	return fmt.Sprintf("%s/%s/%d", e.ChainID, e.TxHash, e.LogIndex)
}

// Validate checks that every field required by the event kind is present
func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.ChainID == "" {
		return fmt.Errorf("%w: chainId", ErrMissingField)
	}
	if e.TxHash == "" {
		return fmt.Errorf("%w: txHash", ErrMissingField)
	}
	switch e.Kind {
	case MessageSent:
		if e.Sequence == nil {
			return fmt.Errorf("%w: sequence", ErrMissingField)
		}
	case MessageReceived:
		if e.Sequence == nil {
			return fmt.Errorf("%w: sequence", ErrMissingField)
		}
		if e.RequestID == nil {
			return fmt.Errorf("%w: requestId", ErrMissingField)
		}
		if e.From == "" && e.FromDigest == "" {
			return fmt.Errorf("%w: from", ErrMissingField)
		}
	case MessageExecuted:
		if e.RequestID == nil {
			return fmt.Errorf("%w: requestId", ErrMissingField)
		}
	}
	return nil
}

// SameAs reports whether both values describe the same observed event
func (e Event) SameAs(other Event) bool {
	return e.Kind == other.Kind &&
		e.ChainID == other.ChainID &&
		e.TxHash == other.TxHash &&
		e.LogIndex == other.LogIndex
}

// FromNetwork returns the network id prefix of From, or "" when unknown
func (e Event) FromNetwork() string {
	nid, _, err := ParseNetworkAddress(e.From)
	if err != nil {
		return ""
	}
	return nid
}

// SortBySequence orders events by sequence number, events without one go last.
// Ties are broken by height and log index so the order is stable across scans.
func SortBySequence(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		switch {
		case a.Sequence == nil && b.Sequence == nil:
		case a.Sequence == nil:
			return false
		case b.Sequence == nil:
			return true
		default:
			if c := a.Sequence.Cmp(b.Sequence); c != 0 {
				return c < 0
			}
		}
		if a.Height != b.Height {
			return a.Height < b.Height
		}
		return a.LogIndex < b.LogIndex
	})
}

// ReceivedMatchesSent tells whether a MessageReceived observed on the destination is the
// delivery of the given MessageSent, emitted by a chain whose network id is sourceNID.
func ReceivedMatchesSent(sent, received Event, sourceNID string) bool {
	if sent.Sequence == nil || received.Sequence == nil {
		return false
	}
	if sent.Sequence.Cmp(received.Sequence) != 0 {
		return false
	}
	if received.From != "" {
		nid, addr, err := ParseNetworkAddress(received.From)
		if err != nil || nid != sourceNID {
			return false
		}
		return sent.From == "" || strings.EqualFold(addr, sent.From)
	}
	if received.FromDigest != "" && sent.From != "" {
		digest := crypto.Keccak256Hash([]byte(NetworkAddress(sourceNID, sent.From)))
		return strings.EqualFold(digest.Hex(), received.FromDigest)
	}
	return false
}

// ExecutedMatchesReceived tells whether executed is the outcome of received
func ExecutedMatchesReceived(received, executed Event) bool {
	if received.RequestID == nil || executed.RequestID == nil {
		return false
	}
	return received.ChainID == executed.ChainID && received.RequestID.Cmp(executed.RequestID) == 0
}
