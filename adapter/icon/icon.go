package icon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/xcall-tracker/xtracker/adapter"
	"github.com/xcall-tracker/xtracker/adapter/jsonrpc"
	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/signer"
	"github.com/xcall-tracker/xtracker/sync"
	"github.com/xcall-tracker/xtracker/xcall"
)

const (
	logsPageSize = 100

	eventSent     = "CallMessageSent"
	eventMessage  = "CallMessage"
	eventExecuted = "CallExecuted"

	codePending   = -31002
	codeNotFound  = -31003
	codeExecuting = -31004
)

var errIndexerBehind = errors.New("indexer has not reached the requested height")

// Adapter reads xcall events through the tracker indexer and submits through the
// ICON JSON-RPC v3 endpoint
type Adapter struct {
	cfg    adapter.ChainConfig
	rpc    *jsonrpc.Client
	signer signer.Signer
	rh     *sync.RetryHandler
	log    *log.Logger
}

// New builds the adapter. sig may be nil for read only use.
func New(cfg adapter.ChainConfig, sig signer.Signer, rh *sync.RetryHandler, logger *log.Logger) *Adapter {
	return &Adapter{
		cfg:    cfg,
		rpc:    jsonrpc.NewClient(cfg.RPCURL, cfg.RequestTimeout.Duration, cfg.RequestsPerSecond, logger),
		signer: sig,
		rh:     rh,
		log:    logger,
	}
}

// Client exposes the underlying JSON-RPC client
func (a *Adapter) Client() *jsonrpc.Client {
	return a.rpc
}

// CurrentHeight returns the height of the last block
func (a *Adapter) CurrentHeight(ctx context.Context) (uint64, error) {
	res, err := a.rpc.CallGJSON(ctx, "icx_getLastBlock", nil)
	if err != nil {
		return 0, adapter.Retryable(err)
	}
	h := res.Get("height")
	if !h.Exists() {
		return 0, adapter.Retryable(fmt.Errorf("icx_getLastBlock without height"))
	}
	return parseUint(h)
}

// FetchLogs pages through the indexer logs of every tracked contract in [from, to].
// The range is only served once the indexer has caught up with to.
func (a *Adapter) FetchLogs(ctx context.Context, from, to uint64) ([]adapter.RawLog, error) {
	if from > to {
		return nil, nil
	}
	var out []adapter.RawLog
	err := a.rh.Do(ctx, a.log, "icon FetchLogs", func() error {
		indexed, err := a.indexedHeight(ctx)
		if err != nil {
			return err
		}
		if indexed < to {
			return fmt.Errorf("%w: %d < %d", errIndexerBehind, indexed, to)
		}
		out = out[:0]
		for _, addr := range a.cfg.Emitters() {
			logs, err := a.fetchEmitterLogs(ctx, addr, from, to)
			if err != nil {
				return err
			}
			out = append(out, logs...)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, adapter.Retryable(err)
	}
	return out, nil
}

func (a *Adapter) indexedHeight(ctx context.Context) (uint64, error) {
	body, err := a.rpc.Get(ctx, a.indexerURL("/api/v1/blocks"), map[string]string{"limit": "1"})
	if err != nil {
		return 0, err
	}
	number := gjson.GetBytes(body, "0.number")
	if !number.Exists() {
		return 0, fmt.Errorf("unexpected blocks response: %s", string(body))
	}
	return parseUint(number)
}

func (a *Adapter) fetchEmitterLogs(ctx context.Context, address string, from, to uint64) ([]adapter.RawLog, error) {
	var out []adapter.RawLog
	for skip := 0; ; skip += logsPageSize {
		body, err := a.rpc.Get(ctx, a.indexerURL("/api/v1/logs"), map[string]string{
			"address":     address,
			"block_start": strconv.FormatUint(from, 10),
			"block_end":   strconv.FormatUint(to, 10),
			"limit":       strconv.Itoa(logsPageSize),
			"skip":        strconv.Itoa(skip),
		})
		if err != nil {
			return nil, err
		}
		page := gjson.ParseBytes(body)
		if !page.IsArray() {
			return nil, fmt.Errorf("unexpected logs response: %s", string(body))
		}
		items := page.Array()
		for _, item := range items {
			raw, err := a.toRaw(item)
			if err != nil {
				return nil, err
			}
			out = append(out, raw)
		}
		if len(items) < logsPageSize {
			return out, nil
		}
	}
}

// logBody is the normalized indexer log kept in RawLog.Body
type logBody struct {
	Address string   `json:"address"`
	Indexed []string `json:"indexed"`
	Data    []string `json:"data"`
}

func (a *Adapter) toRaw(item gjson.Result) (adapter.RawLog, error) {
	height, err := parseUint(item.Get("block_number"))
	if err != nil {
		return adapter.RawLog{}, err
	}
	index, err := parseUint(item.Get("log_index"))
	if err != nil {
		return adapter.RawLog{}, err
	}
	body := logBody{
		Address: item.Get("address").String(),
		Indexed: stringList(item.Get("indexed")),
		Data:    stringList(item.Get("data")),
	}
	kind := item.Get("method").String()
	if kind == "" && len(body.Indexed) > 0 {
		kind = eventName(body.Indexed[0])
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return adapter.RawLog{}, err
	}
	return adapter.RawLog{
		ChainID: a.cfg.ID,
		TxHash:  item.Get("transaction_hash").String(),
		Height:  height,
		Index:   index,
		Kind:    kind,
		Body:    raw,
	}, nil
}

// FetchReceipt returns the transaction result, Found is false while it is pending
func (a *Adapter) FetchReceipt(ctx context.Context, txHash string) (adapter.RawReceipt, error) {
	raw, err := a.rpc.CallRaw(ctx, "icx_getTransactionResult", map[string]string{"txHash": txHash})
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case codePending, codeNotFound, codeExecuting:
			return adapter.RawReceipt{TxHash: txHash}, nil
		}
	}
	if err != nil {
		return adapter.RawReceipt{}, adapter.Retryable(err)
	}
	return adapter.RawReceipt{TxHash: txHash, Found: true, Body: raw}, nil
}

// DeriveStatus reads the status field of a transaction result
func (a *Adapter) DeriveStatus(receipt adapter.RawReceipt) xcall.TxStatus {
	if !receipt.Found {
		return xcall.TxPending
	}
	status := gjson.GetBytes(receipt.Body, "status")
	if !status.Exists() {
		return xcall.TxPending
	}
	if status.String() == "0x1" {
		return xcall.TxSuccess
	}
	return xcall.TxFailure
}

// Parse decodes indexer logs of the tracked contracts
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
		if len(body.Indexed) == 0 || !a.cfg.IsEmitter(body.Address) {
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
	ev := xcall.Event{ChainID: l.ChainID, TxHash: l.TxHash, Height: l.Height, LogIndex: l.Index}
	var err error
	switch eventName(body.Indexed[0]) {
	case eventSent:
		ev.Kind = xcall.MessageSent
		if len(body.Indexed) != 4 { //nolint:mnd
			return ev, true, fmt.Errorf("%w: expected 4 indexed values", xcall.ErrMissingField)
		}
		ev.From = body.Indexed[1]
		ev.To = body.Indexed[2]
		ev.Sequence, err = adapter.ParseBigInt("_sn", body.Indexed[3])
	case eventMessage:
		ev.Kind = xcall.MessageReceived
		if len(body.Indexed) != 4 || len(body.Data) != 2 { //nolint:mnd
			return ev, true, fmt.Errorf("%w: expected 4 indexed and 2 data values", xcall.ErrMissingField)
		}
		ev.From = body.Indexed[1]
		ev.To = body.Indexed[2]
		if ev.Sequence, err = adapter.ParseBigInt("_sn", body.Indexed[3]); err != nil {
			return ev, true, err
		}
		if ev.RequestID, err = adapter.ParseBigInt("_reqId", body.Data[0]); err != nil {
			return ev, true, err
		}
		ev.Payload, err = adapter.DecodeHexBytes(body.Data[1])
	case eventExecuted:
		ev.Kind = xcall.MessageExecuted
		if len(body.Indexed) != 2 || len(body.Data) < 1 { //nolint:mnd
			return ev, true, fmt.Errorf("%w: expected 2 indexed and at least 1 data value", xcall.ErrMissingField)
		}
		if ev.RequestID, err = adapter.ParseBigInt("_reqId", body.Indexed[1]); err != nil {
			return ev, true, err
		}
		code, err := adapter.ParseBigInt("_code", body.Data[0])
		if err != nil {
			return ev, true, err
		}
		if ev.Code, err = adapter.ResultCode(code); err != nil {
			return ev, true, err
		}
		if len(body.Data) > 1 {
			ev.Message = body.Data[1]
		}
	default:
		return ev, false, nil
	}
	return ev, true, err
}

func (a *Adapter) indexerURL(path string) string {
	return strings.TrimSuffix(a.cfg.IndexerURL, "/") + path
}

// eventName strips the argument list of an event signature
func eventName(signature string) string {
	if i := strings.IndexByte(signature, '('); i >= 0 {
		return signature[:i]
	}
	return signature
}

// stringList reads a list that the indexer may return either as an array or as a
// JSON encoded string
func stringList(r gjson.Result) []string {
	if r.Type == gjson.String {
		r = gjson.Parse(r.String())
	}
	if !r.IsArray() {
		return nil
	}
	items := r.Array()
	out := make([]string, len(items))
	for i, item := range items {
		if item.Type == gjson.Null {
			continue
		}
		out[i] = item.String()
	}
	return out
}

func parseUint(r gjson.Result) (uint64, error) {
	if r.Type == gjson.Number {
		return r.Uint(), nil
	}
	n, err := adapter.ParseBigInt("height", r.String())
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("height %s out of range", n)
	}
	return n.Uint64(), nil
}
