package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/hermeznetwork/tracerr"
	"github.com/xcall-tracker/xtracker/adapter"
	"github.com/xcall-tracker/xtracker/db"
	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/tracker"
	"github.com/xcall-tracker/xtracker/tracker/storage"
	"github.com/xcall-tracker/xtracker/xcall"
)

const (
	// ReasonSourceFailed is the failure reason of a transaction whose initiating tx reverted
	ReasonSourceFailed = "source transaction failed"
	// ReasonHopTimeout is the stall reason of a hop without progress for HopTimeout
	ReasonHopTimeout = "hop timeout"
	// RelayOption names the hub contract receiving spoke to spoke calls
	RelayOption = "Relay"

	defaultHeightTimeout = 10 * time.Second
)

// Registry resolves chains and their adapters
type Registry interface {
	Adapter(chainID string) (adapter.Adapter, error)
	Chain(chainID string) (adapter.ChainConfig, error)
	Hub() string
}

// Metrics counts orchestration invariant violations
type Metrics interface {
	InvariantViolation(kind string)
}

// TrackRequest registers a transaction signed and broadcast outside the service
type TrackRequest struct {
	Type                    xcall.TxType    `json:"type"`
	SourceChainID           string          `json:"sourceChainId"`
	SourceTxHash            string          `json:"sourceTxHash"`
	FinalDestinationChainID string          `json:"finalDestinationChainId"`
	Attributes              json.RawMessage `json:"attributes,omitempty"`
}

// Orchestrator composes hops into transactions and derives their status
type Orchestrator struct {
	cfg       Config
	storage   storage.Storage
	registry  Registry
	locks     *tracker.KeyedMutex
	publisher *tracker.StatusPublisher
	metrics   Metrics
	log       *log.Logger
	now       func() time.Time
}

func New(cfg Config, st storage.Storage, registry Registry, locks *tracker.KeyedMutex,
	publisher *tracker.StatusPublisher, metrics Metrics, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		storage:   st,
		registry:  registry,
		locks:     locks,
		publisher: publisher,
		metrics:   metrics,
		log:       logger,
		now:       time.Now,
	}
}

// EstimateFee returns the protocol fee of the first hop of the intent
func (o *Orchestrator) EstimateFee(ctx context.Context, intent xcall.TransactionIntent) (*big.Int, error) {
	routed, _, _, err := o.route(intent)
	if err != nil {
		return nil, err
	}
	a, err := o.registry.Adapter(intent.SourceChainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", xcall.ErrInvalidIntent, err)
	}
	ctx, cancel := o.submitContext(ctx)
	defer cancel()
	return a.EstimateFee(ctx, routed)
}

// Initiate submits the intent on the source chain and starts tracking it. Submission
// errors are returned as is and no transaction is created.
func (o *Orchestrator) Initiate(ctx context.Context, intent xcall.TransactionIntent) (*xcall.Transaction, error) {
	routed, hop1Destination, secondary, err := o.route(intent)
	if err != nil {
		return nil, err
	}
	source, err := o.registry.Adapter(intent.SourceChainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", xcall.ErrInvalidIntent, err)
	}
	// heights read before submitting so the scan window covers the new transaction
	sourceHeight := o.height(ctx, intent.SourceChainID)
	destinationHeight := o.height(ctx, hop1Destination)

	submitCtx, cancel := o.submitContext(ctx)
	defer cancel()
	hash, err := source.Submit(submitCtx, routed)
	if err != nil {
		return nil, adapter.ClassifySubmitError(err)
	}
	o.log.Infof("submitted %s on %s: %s", intent.Type, intent.SourceChainID, hash)

	tx, err := o.create(ctx, intent.Type, intent.SourceChainID, hash, intent.FinalDestinationChainID,
		hop1Destination, secondary, intent.Attributes, sourceHeight, destinationHeight)
	if err != nil {
		// the transaction is on chain, Track with the same hash recovers it
		return nil, fmt.Errorf("submitted %s but could not record it: %w", hash, err)
	}
	return tx, nil
}

// Track starts tracking a transaction submitted by a wallet. Tracking the same
// transaction twice returns the stored one.
func (o *Orchestrator) Track(ctx context.Context, req TrackRequest) (*xcall.Transaction, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", xcall.ErrInvalidIntent, req.Type)
	}
	if req.SourceTxHash == "" {
		return nil, fmt.Errorf("%w: source tx hash is required", xcall.ErrInvalidIntent)
	}
	for _, id := range []string{req.SourceChainID, req.FinalDestinationChainID} {
		if _, err := o.registry.Chain(id); err != nil {
			return nil, fmt.Errorf("%w: %w", xcall.ErrInvalidIntent, err)
		}
	}
	hop1Destination, secondary, err := xcall.Route(req.SourceChainID, req.FinalDestinationChainID, o.registry.Hub())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", xcall.ErrInvalidIntent, err)
	}

	existing, err := o.storage.GetTransaction(nil, xcall.EntityID(req.SourceChainID, req.SourceTxHash))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	tx, err := o.create(ctx, req.Type, req.SourceChainID, req.SourceTxHash, req.FinalDestinationChainID,
		hop1Destination, secondary, req.Attributes,
		o.height(ctx, req.SourceChainID), o.height(ctx, hop1Destination))
	if errors.Is(err, storage.ErrAlreadyExists) {
		return o.storage.GetTransaction(nil, xcall.EntityID(req.SourceChainID, req.SourceTxHash))
	}
	return tx, err
}

// route validates the intent against the registry and rewrites it for the first hop.
// Spoke to spoke intents are sent to the hub relay with the final call as payload.
func (o *Orchestrator) route(intent xcall.TransactionIntent) (xcall.TransactionIntent, string, bool, error) {
	if err := intent.Validate(); err != nil {
		return intent, "", false, err
	}
	final, err := o.registry.Chain(intent.FinalDestinationChainID)
	if err != nil {
		return intent, "", false, fmt.Errorf("%w: %w", xcall.ErrInvalidIntent, err)
	}
	if _, err := o.registry.Chain(intent.SourceChainID); err != nil {
		return intent, "", false, fmt.Errorf("%w: %w", xcall.ErrInvalidIntent, err)
	}
	nid, err := adapter.DestinationNID(intent)
	if err != nil {
		return intent, "", false, err
	}
	if nid != final.NetworkID {
		return intent, "", false, fmt.Errorf("%w: destination network %s is not %s (%s)",
			xcall.ErrInvalidIntent, nid, final.ID, final.NetworkID)
	}

	hop1Destination, secondary, err := xcall.Route(intent.SourceChainID, intent.FinalDestinationChainID,
		o.registry.Hub())
	if err != nil {
		return intent, "", false, fmt.Errorf("%w: %w", xcall.ErrInvalidIntent, err)
	}
	if !secondary {
		return intent, hop1Destination, false, nil
	}

	hub, err := o.registry.Chain(hop1Destination)
	if err != nil {
		return intent, "", false, err
	}
	relay := hub.Option(RelayOption, hub.AssetManagerAddress)
	if relay == "" {
		relay = hub.XCallAddress
	}
	payload, err := adapter.CallData(intent)
	if err != nil {
		return intent, "", false, err
	}
	routed := intent
	routed.Destination = xcall.NetworkAddress(hub.NetworkID, relay)
	routed.Data = payload
	return routed, hop1Destination, true, nil
}

func (o *Orchestrator) create(ctx context.Context, txType xcall.TxType, sourceChainID, sourceTxHash,
	finalDestinationChainID, hop1Destination string, secondary bool, attributes json.RawMessage,
	sourceHeight, destinationHeight uint64) (*xcall.Transaction, error) {
	now := o.now().UTC()
	tx := &xcall.Transaction{
		ID:                      xcall.EntityID(sourceChainID, sourceTxHash),
		Type:                    txType,
		SourceChainID:           sourceChainID,
		SourceTxHash:            xcall.NormalizeHash(sourceTxHash),
		FinalDestinationChainID: finalDestinationChainID,
		SecondaryHopRequired:    secondary,
		Status:                  xcall.TxPending,
		Attributes:              attributes,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	hop1 := xcall.NewMessage(tx.ID, 1, sourceChainID, sourceTxHash, hop1Destination,
		sourceHeight, destinationHeight, now)

	unlock := o.locks.Lock(tx.ID)
	err := o.storage.RunInTx(ctx, func(q db.Querier) error {
		if err := o.storage.InsertTransaction(q, tx); err != nil {
			return err
		}
		return o.storage.InsertMessage(q, hop1)
	})
	unlock()
	if err != nil {
		return nil, err
	}
	o.log.Infof("tracking %s %s: %s -> %s (two hops: %t)", tx.Type, tx.ID, sourceChainID,
		finalDestinationChainID, secondary)
	o.notify(ctx, tx.ID)
	return tx, nil
}

// OnMessageUpdated finalizes the transaction or opens the second hop. It runs inside
// the reconciliation transaction of m.
func (o *Orchestrator) OnMessageUpdated(_ context.Context, q db.Querier, m *xcall.Message) error {
	tx, err := o.storage.GetTransaction(q, m.TransactionID)
	if err != nil {
		return err
	}
	if tx.Status.IsFinal() {
		return nil
	}
	hops, err := o.hops(q, tx.ID)
	if err != nil {
		return err
	}
	if m.Hop < 1 || m.Hop > len(hops) {
		o.bug("unexpected_hop", tracerr.Errorf("message %s has hop %d", m.ID, m.Hop))
		return nil
	}
	hops[m.Hop-1] = m

	if m.Hop == 2 && (hops[0] == nil || hops[0].Status != xcall.StatusExecutedSuccess) { //nolint:mnd
		o.bug("hop2_before_hop1", tracerr.Errorf("hop 2 %s of %s changed to %s while hop 1 is not executed",
			m.ID, tx.ID, m.Status))
		return nil
	}

	if m.Hop == 1 && m.Status == xcall.StatusExecutedSuccess && tx.SecondaryHopRequired {
		return o.createSecondHop(q, tx, m)
	}

	status := xcall.DeriveTransactionStatus(tx, hops)
	if !status.IsFinal() {
		return nil
	}
	reason := ""
	if status == xcall.TxFailure {
		reason = xcall.FailureReasonFrom(m)
	}
	return o.finalize(q, tx, status, reason)
}

func (o *Orchestrator) hops(q db.Querier, transactionID string) ([]*xcall.Message, error) {
	stored, err := o.storage.GetMessages(q, transactionID)
	if err != nil {
		return nil, err
	}
	hops := make([]*xcall.Message, 2) //nolint:mnd
	for _, h := range stored {
		if h.Hop < 1 || h.Hop > len(hops) {
			o.bug("unexpected_hop", tracerr.Errorf("message %s has hop %d", h.ID, h.Hop))
			continue
		}
		hops[h.Hop-1] = h
	}
	return hops, nil
}

// createSecondHop is idempotent: a redelivered hop 1 execution finds the hop already
// stored and the UNIQUE(transaction_id, hop) constraint rejects concurrent attempts.
func (o *Orchestrator) createSecondHop(q db.Querier, tx *xcall.Transaction,
	hop1 *xcall.Message) error {
	hops, err := o.hops(q, tx.ID)
	if err != nil {
		return err
	}
	if hops[1] != nil {
		return nil
	}
	executed, ok := hop1.ExecutedEvent()
	if !ok {
		o.bug("executed_without_event", tracerr.Errorf("hop 1 %s executed without event", hop1.ID))
		return nil
	}
	hub := hop1.DestinationChainID
	if hub != o.registry.Hub() {
		o.bug("relay_not_hub", tracerr.Errorf("hop 1 %s delivered to %s which is not the hub %s",
			hop1.ID, hub, o.registry.Hub()))
	}

	// heights observed by the scanners, never the nodes: q holds the database writer
	sourceHeight, err := o.scannedHeight(q, hub)
	if err != nil {
		return err
	}
	if sourceHeight < executed.Height {
		sourceHeight = executed.Height
	}
	destinationHeight, err := o.scannedHeight(q, tx.FinalDestinationChainID)
	if err != nil {
		return err
	}
	now := o.now().UTC()
	hop2 := xcall.NewMessage(tx.ID, 2, hub, executed.TxHash, tx.FinalDestinationChainID, //nolint:mnd
		sourceHeight, destinationHeight, now)
	if err := o.storage.InsertMessage(q, hop2); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil
		}
		return err
	}
	tx.UpdatedAt = now
	o.log.Infof("hop 1 of %s executed on %s, tracking hop 2 %s -> %s", tx.ID, hub, hub, tx.FinalDestinationChainID)
	return o.storage.UpsertTransaction(q, tx)
}

func (o *Orchestrator) finalize(q db.Querier, tx *xcall.Transaction, status xcall.TxStatus, reason string) error {
	if tx.Status.IsFinal() {
		return nil
	}
	tx.Status = status
	tx.FailureReason = reason
	tx.UpdatedAt = o.now().UTC()
	if status == xcall.TxFailure {
		o.log.Warnf("transaction %s failed: %s", tx.ID, reason)
	} else {
		o.log.Infof("transaction %s completed", tx.ID)
	}
	return o.storage.UpsertTransaction(q, tx)
}

// scannedHeight returns the persisted watermark of a chain, 0 before its first scan
func (o *Orchestrator) scannedHeight(q db.Querier, chainID string) (uint64, error) {
	h, _, err := o.storage.ChainWatermark(q, chainID)
	if err != nil {
		return 0, fmt.Errorf("watermark of %s: %w", chainID, err)
	}
	return h, nil
}

// height returns the current height of a chain or 0 when it cannot be read. A zero
// watermark only widens the first scan window of a chain without persisted progress.
func (o *Orchestrator) height(ctx context.Context, chainID string) uint64 {
	a, err := o.registry.Adapter(chainID)
	if err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, defaultHeightTimeout)
	defer cancel()
	h, err := a.CurrentHeight(ctx)
	if err != nil {
		o.log.Warnf("height of %s unavailable: %v", chainID, err)
		return 0
	}
	return h
}

func (o *Orchestrator) submitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.SubmitTimeout.Duration <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.cfg.SubmitTimeout.Duration)
}

func (o *Orchestrator) notify(ctx context.Context, transactionID string) {
	if o.publisher != nil {
		o.publisher.Notify(ctx, transactionID)
	}
}

func (o *Orchestrator) bug(kind string, err error) {
	o.log.Errorw("bug: orchestration invariant violated", "kind", kind, "err", err)
	if o.metrics != nil {
		o.metrics.InvariantViolation(kind)
	}
}
