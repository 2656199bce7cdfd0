package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/xcall-tracker/xtracker/adapter"
	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/signer"
	"github.com/xcall-tracker/xtracker/sync"
	"github.com/xcall-tracker/xtracker/xcall"
	"golang.org/x/time/rate"
)

// EthClienter is the subset of the go-ethereum client used by the adapter
type EthClienter interface {
	ethereum.LogFilterer
	ethereum.BlockNumberReader
	ethereum.ContractCaller
	ethereum.GasEstimator
	ethereum.TransactionSender
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Adapter reads and writes xcall messages on an EVM chain
type Adapter struct {
	cfg       adapter.ChainConfig
	client    EthClienter
	signer    signer.Signer
	rh        *sync.RetryHandler
	limiter   *rate.Limiter
	emitters  []common.Address
	isEmitter map[common.Address]bool
	log       *log.Logger
}

// logBody is the part of a go-ethereum log kept in RawLog.Body
type logBody struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

type receiptBody struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
}

// Dial connects to cfg.RPCURL and builds the adapter. sig may be nil for read only use.
func Dial(ctx context.Context, cfg adapter.ChainConfig, sig signer.Signer, rh *sync.RetryHandler,
	logger *log.Logger) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("error dialing %s: %w", cfg.ID, err)
	}
	return New(cfg, client, sig, rh, logger), nil
}

// New builds an adapter on top of an existing client
func New(cfg adapter.ChainConfig, client EthClienter, sig signer.Signer, rh *sync.RetryHandler,
	logger *log.Logger) *Adapter {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	a := &Adapter{
		cfg:       cfg,
		client:    client,
		signer:    sig,
		rh:        rh,
		limiter:   rate.NewLimiter(limit, 1+int(cfg.RequestsPerSecond)),
		isEmitter: make(map[common.Address]bool),
		log:       logger,
	}
	for _, e := range cfg.Emitters() {
		addr := common.HexToAddress(e)
		a.emitters = append(a.emitters, addr)
		a.isEmitter[addr] = true
	}
	return a
}

func (a *Adapter) wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.RequestTimeout.Duration > 0 {
		return context.WithTimeout(ctx, a.cfg.RequestTimeout.Duration)
	}
	return context.WithCancel(ctx)
}

// CurrentHeight returns the latest block number
func (a *Adapter) CurrentHeight(ctx context.Context) (uint64, error) {
	if err := a.wait(ctx); err != nil {
		return 0, err
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	height, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, adapter.Retryable(fmt.Errorf("error getting block number of %s: %w", a.cfg.ID, err))
	}
	return height, nil
}

// FetchLogs returns the xcall logs emitted by the tracked contracts in [from, to]
func (a *Adapter) FetchLogs(ctx context.Context, from, to uint64) ([]adapter.RawLog, error) {
	if from > to {
		return nil, nil
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: a.emitters,
		Topics:    [][]common.Hash{{callMessageSentTopic, callMessageTopic, callExecutedTopic}},
	}
	var logs []types.Log
	err := a.rh.Do(ctx, a.log, "FilterLogs", func() error {
		if err := a.wait(ctx); err != nil {
			return sync.Permanent(err)
		}
		callCtx, cancel := a.withTimeout(ctx)
		defer cancel()
		var err error
		logs, err = a.client.FilterLogs(callCtx, query)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, adapter.Retryable(fmt.Errorf("error filtering logs %d-%d on %s: %w", from, to, a.cfg.ID, err))
	}
	out := make([]adapter.RawLog, 0, len(logs))
	for _, l := range logs {
		raw, err := a.toRaw(l)
		if err != nil {
			return nil, err
		}
		out = append(out, raw...)
	}
	return out, nil
}

func (a *Adapter) toRaw(l types.Log) ([]adapter.RawLog, error) {
	if l.Removed || len(l.Topics) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(logBody{Address: l.Address, Topics: l.Topics, Data: l.Data})
	if err != nil {
		return nil, err
	}
	return []adapter.RawLog{{
		ChainID: a.cfg.ID,
		TxHash:  l.TxHash.Hex(),
		Height:  l.BlockNumber,
		Index:   uint64(l.Index),
		Kind:    topicName(l.Topics[0]),
		Body:    body,
	}}, nil
}

// FetchReceipt returns the receipt of txHash, Found is false while it is not mined
func (a *Adapter) FetchReceipt(ctx context.Context, txHash string) (adapter.RawReceipt, error) {
	if err := a.wait(ctx); err != nil {
		return adapter.RawReceipt{}, err
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	r, err := a.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return adapter.RawReceipt{TxHash: txHash}, nil
	}
	if err != nil {
		return adapter.RawReceipt{}, adapter.Retryable(fmt.Errorf("error getting receipt %s: %w", txHash, err))
	}
	body := receiptBody{Status: r.Status, GasUsed: r.GasUsed}
	if r.BlockNumber != nil {
		body.BlockNumber = r.BlockNumber.Uint64()
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return adapter.RawReceipt{}, err
	}
	return adapter.RawReceipt{TxHash: txHash, Found: true, Body: raw}, nil
}

// DeriveStatus classifies a receipt by its status field
func (a *Adapter) DeriveStatus(receipt adapter.RawReceipt) xcall.TxStatus {
	if !receipt.Found {
		return xcall.TxPending
	}
	var body receiptBody
	if err := json.Unmarshal(receipt.Body, &body); err != nil {
		a.log.Warnf("undecodable receipt %s: %v", receipt.TxHash, err)
		return xcall.TxPending
	}
	if body.Status == types.ReceiptStatusSuccessful {
		return xcall.TxSuccess
	}
	return xcall.TxFailure
}

// Parse decodes xcall logs. Logs from other contracts or with other topics are ignored.
func (a *Adapter) Parse(logs []adapter.RawLog) ([]xcall.Event, []*adapter.ParseError) {
	var (
		events []xcall.Event
		errs   []*adapter.ParseError
	)
	for _, l := range logs {
		var body logBody
		if err := json.Unmarshal(l.Body, &body); err != nil {
			errs = append(errs, adapter.NewParseError(l, err))
			continue
		}
		if len(body.Topics) == 0 || (len(a.isEmitter) > 0 && !a.isEmitter[body.Address]) {
			continue
		}
		ev, ok, err := decodeLog(l, body)
		if !ok {
			continue
		}
		if err == nil {
			err = ev.Validate()
		}
		if err != nil {
			errs = append(errs, adapter.NewParseError(l, err))
			continue
		}
		events = append(events, ev)
	}
	return events, errs
}

func decodeLog(l adapter.RawLog, body logBody) (xcall.Event, bool, error) {
	ev := xcall.Event{
		ChainID:  l.ChainID,
		TxHash:   l.TxHash,
		Height:   l.Height,
		LogIndex: l.Index,
	}
	switch body.Topics[0] {
	case callMessageSentTopic:
		ev.Kind = xcall.MessageSent
		if len(body.Topics) != 4 { //nolint:mnd
			return ev, true, fmt.Errorf("%w: expected 4 topics, got %d", xcall.ErrMissingField, len(body.Topics))
		}
		ev.From = common.BytesToAddress(body.Topics[1].Bytes()).Hex()
		ev.Sequence = body.Topics[3].Big()
	case callMessageTopic:
		ev.Kind = xcall.MessageReceived
		if len(body.Topics) != 4 { //nolint:mnd
			return ev, true, fmt.Errorf("%w: expected 4 topics, got %d", xcall.ErrMissingField, len(body.Topics))
		}
		ev.FromDigest = body.Topics[1].Hex()
		ev.Sequence = body.Topics[3].Big()
		values, err := xcallABI.Events[eventMessage].Inputs.NonIndexed().Unpack(body.Data)
		if err != nil {
			return ev, true, err
		}
		reqID, ok := values[0].(*big.Int)
		if !ok {
			return ev, true, fmt.Errorf("%w: _reqId", xcall.ErrMissingField)
		}
		ev.RequestID = reqID
		ev.Payload, _ = values[1].([]byte)
	case callExecutedTopic:
		ev.Kind = xcall.MessageExecuted
		if len(body.Topics) != 2 { //nolint:mnd
			return ev, true, fmt.Errorf("%w: expected 2 topics, got %d", xcall.ErrMissingField, len(body.Topics))
		}
		ev.RequestID = body.Topics[1].Big()
		values, err := xcallABI.Events[eventExecuted].Inputs.NonIndexed().Unpack(body.Data)
		if err != nil {
			return ev, true, err
		}
		code, ok := values[0].(*big.Int)
		if !ok {
			return ev, true, fmt.Errorf("%w: _code", xcall.ErrMissingField)
		}
		if ev.Code, err = adapter.ResultCode(code); err != nil {
			return ev, true, err
		}
		ev.Message, _ = values[1].(string)
	default:
		return ev, false, nil
	}
	return ev, true, nil
}

func topicName(topic common.Hash) string {
	switch topic {
	case callMessageSentTopic:
		return eventSent
	case callMessageTopic:
		return eventMessage
	case callExecutedTopic:
		return eventExecuted
	default:
		return topic.Hex()
	}
}
