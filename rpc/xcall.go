package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/0xPolygon/cdk-rpc/rpc"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xcall-tracker/xtracker/adapter"
	"github.com/xcall-tracker/xtracker/db"
	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/orchestrator"
	"github.com/xcall-tracker/xtracker/rpc/types"
	"github.com/xcall-tracker/xtracker/tracker/storage"
	"github.com/xcall-tracker/xtracker/xcall"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	// XCALL is the namespace of the xcall tracking service
	XCALL     = "xcall"
	meterName = "github.com/xcall-tracker/xtracker/rpc"

	// DefaultCacheSize is the number of final transactions kept in memory
	DefaultCacheSize = 1024

	invalidParamsErrorCode = -32602
	maxListLimit           = 1000
)

// Store is the read side of the transaction storage
type Store interface {
	GetTransaction(tx db.Querier, id string) (*xcall.Transaction, error)
	GetMessages(tx db.Querier, transactionID string) ([]*xcall.Message, error)
	ListTransactions(ctx context.Context, filter storage.TransactionFilter) ([]*xcall.Transaction, error)
	Watermarks(ctx context.Context) (map[string]uint64, error)
}

// Orchestrator starts tracking transactions
type Orchestrator interface {
	EstimateFee(ctx context.Context, intent xcall.TransactionIntent) (*big.Int, error)
	Initiate(ctx context.Context, intent xcall.TransactionIntent) (*xcall.Transaction, error)
	Track(ctx context.Context, req orchestrator.TrackRequest) (*xcall.Transaction, error)
}

// XCallEndpoints contains implementations for the "xcall" RPC endpoints
type XCallEndpoints struct {
	logger       *log.Logger
	meter        metric.Meter
	readTimeout  time.Duration
	writeTimeout time.Duration
	store        Store
	orchestrator Orchestrator
	// final transactions never change, their views are cached
	final *lru.Cache[string, *types.TransactionView]
}

// NewXCallEndpoints returns XCallEndpoints
func NewXCallEndpoints(
	logger *log.Logger,
	writeTimeout time.Duration,
	readTimeout time.Duration,
	cacheSize int,
	store Store,
	orch Orchestrator,
) (*XCallEndpoints, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *types.TransactionView](cacheSize)
	if err != nil {
		return nil, err
	}
	return &XCallEndpoints{
		logger:       logger,
		meter:        otel.Meter(meterName),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		store:        store,
		orchestrator: orch,
		final:        cache,
	}, nil
}

// GetTransaction returns a transaction, its hops and the human readable status
func (x *XCallEndpoints) GetTransaction(id string) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), x.readTimeout)
	defer cancel()
	x.count(ctx, "get_transaction")

	if view, ok := x.final.Get(id); ok {
		return view, nil
	}
	view, err := x.view(id)
	if err != nil {
		return nil, x.toRPCError(fmt.Sprintf("failed to get transaction %s", id), err)
	}
	if view.Transaction.Status.IsFinal() {
		x.final.Add(id, view)
	}
	return view, nil
}

// GetMessages returns the hops of a transaction ordered by hop
func (x *XCallEndpoints) GetMessages(transactionID string) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), x.readTimeout)
	defer cancel()
	x.count(ctx, "get_messages")

	if view, ok := x.final.Get(transactionID); ok {
		return view.Hops, nil
	}
	if _, err := x.store.GetTransaction(nil, transactionID); err != nil {
		return nil, x.toRPCError(fmt.Sprintf("failed to get transaction %s", transactionID), err)
	}
	hops, err := x.store.GetMessages(nil, transactionID)
	if err != nil {
		return nil, x.toRPCError(fmt.Sprintf("failed to get messages of %s", transactionID), err)
	}
	return hops, nil
}

// ListTransactions returns the most recent transactions, optionally by status
// ("PENDING", "SUCCESS", "FAILURE" or "" for any)
func (x *XCallEndpoints) ListTransactions(status string, limit, offset uint64) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), x.readTimeout)
	defer cancel()
	x.count(ctx, "list_transactions")

	if limit > maxListLimit {
		return nil, rpc.NewRPCError(invalidParamsErrorCode, fmt.Sprintf("limit above %d", maxListLimit))
	}
	filter := storage.TransactionFilter{Limit: limit, Offset: offset}
	if status != "" {
		s := xcall.TxStatus(status)
		if s != xcall.TxPending && !s.IsFinal() {
			return nil, rpc.NewRPCError(invalidParamsErrorCode, fmt.Sprintf("unknown status %q", status))
		}
		filter.Statuses = []xcall.TxStatus{s}
	}
	txs, err := x.store.ListTransactions(ctx, filter)
	if err != nil {
		return nil, x.toRPCError("failed to list transactions", err)
	}
	return txs, nil
}

// EstimateFee returns the protocol fee charged on the source chain for the intent
func (x *XCallEndpoints) EstimateFee(intent xcall.TransactionIntent) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), x.writeTimeout)
	defer cancel()
	x.count(ctx, "estimate_fee")

	fee, err := x.orchestrator.EstimateFee(ctx, intent)
	if err != nil {
		return nil, x.toRPCError("failed to estimate fee", err)
	}
	return types.FeeEstimate{SourceChainID: intent.SourceChainID, Fee: fee.String()}, nil
}

// Initiate submits the intent on its source chain and starts tracking it
func (x *XCallEndpoints) Initiate(intent xcall.TransactionIntent) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), x.writeTimeout)
	defer cancel()
	x.count(ctx, "initiate")

	tx, err := x.orchestrator.Initiate(ctx, intent)
	if err != nil {
		return nil, x.toRPCError("failed to initiate transaction", err)
	}
	return tx, nil
}

// Track starts tracking a transaction already broadcast by a wallet
func (x *XCallEndpoints) Track(req orchestrator.TrackRequest) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), x.writeTimeout)
	defer cancel()
	x.count(ctx, "track")

	tx, err := x.orchestrator.Track(ctx, req)
	if err != nil {
		return nil, x.toRPCError("failed to track transaction", err)
	}
	return tx, nil
}

// Watermarks returns the last scanned height of every chain
func (x *XCallEndpoints) Watermarks() (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), x.readTimeout)
	defer cancel()
	x.count(ctx, "watermarks")

	all, err := x.store.Watermarks(ctx)
	if err != nil {
		return nil, x.toRPCError("failed to get watermarks", err)
	}
	out := make([]types.Watermark, 0, len(all))
	for chainID, height := range all {
		out = append(out, types.Watermark{ChainID: chainID, Height: height})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out, nil
}

func (x *XCallEndpoints) view(id string) (*types.TransactionView, error) {
	tx, err := x.store.GetTransaction(nil, id)
	if err != nil {
		return nil, err
	}
	hops, err := x.store.GetMessages(nil, id)
	if err != nil {
		return nil, err
	}
	return &types.TransactionView{Transaction: tx, Hops: hops, StatusText: xcall.StatusText(tx, hops)}, nil
}

func (x *XCallEndpoints) count(ctx context.Context, name string) {
	c, merr := x.meter.Int64Counter(name)
	if merr != nil {
		x.logger.Warnf("failed to create %s counter: %s", name, merr)
		return
	}
	c.Add(ctx, 1)
}

func (x *XCallEndpoints) toRPCError(msg string, err error) rpc.Error {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return rpc.NewRPCError(rpc.NotFoundErrorCode, fmt.Sprintf("%s: not found", msg))
	case errors.Is(err, xcall.ErrInvalidIntent):
		return rpc.NewRPCError(invalidParamsErrorCode, fmt.Sprintf("%s: %s", msg, err))
	case errors.Is(err, adapter.ErrInsufficientBalance), errors.Is(err, adapter.ErrInsufficientFee),
		errors.Is(err, adapter.ErrUserRejected), errors.Is(err, adapter.ErrNetwork),
		errors.Is(err, adapter.ErrWriteUnsupported), errors.Is(err, adapter.ErrNoSigner):
		return rpc.NewRPCError(rpc.DefaultErrorCode, fmt.Sprintf("%s: %s", msg, err))
	default:
		x.logger.Errorf("%s: %v", msg, err)
		return rpc.NewRPCError(rpc.DefaultErrorCode, fmt.Sprintf("%s: %s", msg, err))
	}
}
