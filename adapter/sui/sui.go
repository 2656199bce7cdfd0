package sui

import (
	"context"
	"encoding/base64"
	"encoding/json"
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
	multiGetBatchSize = 50

	eventSent     = "CallMessageSent"
	eventMessage  = "CallMessage"
	eventExecuted = "CallExecuted"
)

// Adapter reads xcall move events checkpoint by checkpoint and submits move calls
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

// CurrentHeight returns the latest checkpoint sequence number
func (a *Adapter) CurrentHeight(ctx context.Context) (uint64, error) {
	var seq string
	if err := a.rpc.Call(ctx, "sui_getLatestCheckpointSequenceNumber", []interface{}{}, &seq); err != nil {
		return 0, adapter.Retryable(err)
	}
	return strconv.ParseUint(seq, 10, 64)
}

// FetchLogs returns the events of the tracked packages in checkpoints [from, to]
func (a *Adapter) FetchLogs(ctx context.Context, from, to uint64) ([]adapter.RawLog, error) {
	var out []adapter.RawLog
	for cp := from; cp <= to; cp++ {
		var logs []adapter.RawLog
		err := a.rh.Do(ctx, a.log, "sui FetchLogs", func() error {
			var err error
			logs, err = a.checkpointEvents(ctx, cp)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, adapter.Retryable(fmt.Errorf("checkpoint %d: %w", cp, err))
		}
		out = append(out, logs...)
	}
	return out, nil
}

func (a *Adapter) checkpointEvents(ctx context.Context, cp uint64) ([]adapter.RawLog, error) {
	checkpoint, err := a.rpc.CallGJSON(ctx, "sui_getCheckpoint", []interface{}{strconv.FormatUint(cp, 10)})
	if err != nil {
		return nil, err
	}
	var digests []string
	for _, d := range checkpoint.Get("transactions").Array() {
		digests = append(digests, d.String())
	}
	var out []adapter.RawLog
	for start := 0; start < len(digests); start += multiGetBatchSize {
		end := start + multiGetBatchSize
		if end > len(digests) {
			end = len(digests)
		}
		txs, err := a.rpc.CallGJSON(ctx, "sui_multiGetTransactionBlocks", []interface{}{
			digests[start:end],
			map[string]bool{"showEvents": true, "showEffects": true},
		})
		if err != nil {
			return nil, err
		}
		for _, tx := range txs.Array() {
			if tx.Get("effects.status.status").String() != "success" {
				continue
			}
			for _, ev := range tx.Get("events").Array() {
				if !a.cfg.IsEmitter(ev.Get("packageId").String()) {
					continue
				}
				seq, err := strconv.ParseUint(ev.Get("id.eventSeq").String(), 10, 64)
				if err != nil {
					return nil, fmt.Errorf("invalid eventSeq: %w", err)
				}
				out = append(out, adapter.RawLog{
					ChainID: a.cfg.ID,
					TxHash:  tx.Get("digest").String(),
					Height:  cp,
					Index:   seq,
					Kind:    eventName(ev.Get("type").String()),
					Body:    json.RawMessage(ev.Raw),
				})
			}
		}
	}
	return out, nil
}

// FetchReceipt returns the transaction effects, Found is false while unknown
func (a *Adapter) FetchReceipt(ctx context.Context, txHash string) (adapter.RawReceipt, error) {
	raw, err := a.rpc.CallRaw(ctx, "sui_getTransactionBlock", []interface{}{
		txHash, map[string]bool{"showEffects": true},
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "could not find") {
			return adapter.RawReceipt{TxHash: txHash}, nil
		}
		return adapter.RawReceipt{}, adapter.Retryable(err)
	}
	return adapter.RawReceipt{TxHash: txHash, Found: true, Body: raw}, nil
}

// DeriveStatus reads effects.status.status
func (a *Adapter) DeriveStatus(receipt adapter.RawReceipt) xcall.TxStatus {
	if !receipt.Found {
		return xcall.TxPending
	}
	switch gjson.GetBytes(receipt.Body, "effects.status.status").String() {
	case "success":
		return xcall.TxSuccess
	case "failure":
		return xcall.TxFailure
	default:
		return xcall.TxPending
	}
}

// Parse decodes the parsedJson of xcall move events
func (a *Adapter) Parse(logs []adapter.RawLog) ([]xcall.Event, []*adapter.ParseError) {
	var (
		events []xcall.Event
		errs   []*adapter.ParseError
	)
	for _, l := range logs {
		body := gjson.ParseBytes(l.Body)
		if !body.IsObject() {
			errs = append(errs, adapter.NewParseError(l, fmt.Errorf("event body is not an object")))
			continue
		}
		if !a.cfg.IsEmitter(body.Get("packageId").String()) {
			continue
		}
		ev, ok, err := decodeEvent(l, body)
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

func decodeEvent(l adapter.RawLog, body gjson.Result) (xcall.Event, bool, error) {
	ev := xcall.Event{ChainID: l.ChainID, TxHash: l.TxHash, Height: l.Height, LogIndex: l.Index}
	fields := body.Get("parsedJson")
	var err error
	switch eventName(body.Get("type").String()) {
	case eventSent:
		ev.Kind = xcall.MessageSent
		ev.From = fields.Get("from").String()
		ev.To = fields.Get("to").String()
		ev.Sequence, err = adapter.BigIntField(fields, "sn")
	case eventMessage:
		ev.Kind = xcall.MessageReceived
		ev.From = fields.Get("from").String()
		ev.To = fields.Get("to").String()
		if ev.Sequence, err = adapter.BigIntField(fields, "sn"); err != nil {
			return ev, true, err
		}
		if ev.RequestID, err = adapter.BigIntField(fields, "req_id"); err != nil {
			return ev, true, err
		}
		ev.Payload, err = moveBytes(fields.Get("data"))
	case eventExecuted:
		ev.Kind = xcall.MessageExecuted
		if ev.RequestID, err = adapter.BigIntField(fields, "req_id"); err != nil {
			return ev, true, err
		}
		code, err := adapter.BigIntField(fields, "code")
		if err != nil {
			return ev, true, err
		}
		if ev.Code, err = adapter.ResultCode(code); err != nil {
			return ev, true, err
		}
		ev.Message = fields.Get("err_msg").String()
	default:
		return ev, false, nil
	}
	return ev, true, err
}

// moveBytes decodes a vector<u8> rendered either as a number array or base64
func moveBytes(r gjson.Result) ([]byte, error) {
	switch {
	case !r.Exists() || r.Type == gjson.Null:
		return nil, nil
	case r.IsArray():
		items := r.Array()
		out := make([]byte, len(items))
		for i, item := range items {
			v := item.Uint()
			if item.Type != gjson.Number || v > 255 { //nolint:mnd
				return nil, fmt.Errorf("invalid byte %s", item.Raw)
			}
			out[i] = byte(v)
		}
		return out, nil
	default:
		return base64.StdEncoding.DecodeString(r.String())
	}
}

// eventName returns the struct name of a move event type "pkg::module::Name"
func eventName(moveType string) string {
	if i := strings.LastIndex(moveType, "::"); i >= 0 {
		return moveType[i+2:]
	}
	return moveType
}
