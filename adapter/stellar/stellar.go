package stellar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/xcall-tracker/xtracker/adapter"
	"github.com/xcall-tracker/xtracker/adapter/jsonrpc"
	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/sync"
	"github.com/xcall-tracker/xtracker/xcall"
)

const (
	eventsPageSize = 100
	// getEvents accepts at most five contract ids per filter
	maxContractsPerFilter = 5

	eventSent     = "CallMessageSent"
	eventMessage  = "CallMessage"
	eventExecuted = "CallExecuted"

	opBits = 12
)

var errLedgerBehind = errors.New("rpc has not reached the requested ledger")

// Adapter reads xcall contract events from a Soroban RPC. Submissions are not supported.
type Adapter struct {
	adapter.ReadOnly
	cfg adapter.ChainConfig
	rpc *jsonrpc.Client
	rh  *sync.RetryHandler
	log *log.Logger
}

// New builds the read only adapter
func New(cfg adapter.ChainConfig, rh *sync.RetryHandler, logger *log.Logger) *Adapter {
	return &Adapter{
		cfg: cfg,
		rpc: jsonrpc.NewClient(cfg.RPCURL, cfg.RequestTimeout.Duration, cfg.RequestsPerSecond, logger),
		rh:  rh,
		log: logger,
	}
}

// Client exposes the underlying JSON-RPC client
func (a *Adapter) Client() *jsonrpc.Client {
	return a.rpc
}

// CurrentHeight returns the latest ledger sequence
func (a *Adapter) CurrentHeight(ctx context.Context) (uint64, error) {
	res, err := a.rpc.CallGJSON(ctx, "getLatestLedger", nil)
	if err != nil {
		return 0, adapter.Retryable(err)
	}
	seq := res.Get("sequence")
	if !seq.Exists() {
		return 0, adapter.Retryable(fmt.Errorf("getLatestLedger without sequence"))
	}
	return seq.Uint(), nil
}

// FetchLogs pages through the contract events of ledgers [from, to]
func (a *Adapter) FetchLogs(ctx context.Context, from, to uint64) ([]adapter.RawLog, error) {
	if from > to {
		return nil, nil
	}
	var out []adapter.RawLog
	err := a.rh.Do(ctx, a.log, "stellar FetchLogs", func() error {
		var err error
		out, err = a.fetchEvents(ctx, from, to)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, adapter.Retryable(err)
	}
	return out, nil
}

func (a *Adapter) fetchEvents(ctx context.Context, from, to uint64) ([]adapter.RawLog, error) {
	var filters []interface{}
	emitters := a.cfg.Emitters()
	for start := 0; start < len(emitters); start += maxContractsPerFilter {
		end := start + maxContractsPerFilter
		if end > len(emitters) {
			end = len(emitters)
		}
		filters = append(filters, map[string]interface{}{"type": "contract", "contractIds": emitters[start:end]})
	}
	var (
		out    []adapter.RawLog
		cursor string
	)
	for {
		params := map[string]interface{}{
			"filters":    filters,
			"xdrFormat":  "json",
			"pagination": map[string]interface{}{"limit": eventsPageSize},
		}
		if cursor == "" {
			params["startLedger"] = from
		} else {
			params["pagination"] = map[string]interface{}{"limit": eventsPageSize, "cursor": cursor}
		}
		res, err := a.rpc.CallGJSON(ctx, "getEvents", params)
		if err != nil {
			return nil, err
		}
		if latest := res.Get("latestLedger").Uint(); latest < to {
			return nil, fmt.Errorf("%w: %d < %d", errLedgerBehind, latest, to)
		}
		events := res.Get("events").Array()
		for _, ev := range events {
			ledger := ev.Get("ledger").Uint()
			if ledger > to {
				return out, nil
			}
			raw, err := a.toRaw(ev, ledger)
			if err != nil {
				return nil, err
			}
			out = append(out, raw)
		}
		cursor = res.Get("cursor").String()
		if len(events) < eventsPageSize || cursor == "" {
			return out, nil
		}
	}
}

func (a *Adapter) toRaw(ev gjson.Result, ledger uint64) (adapter.RawLog, error) {
	index, err := eventIndex(ev.Get("id").String())
	if err != nil {
		return adapter.RawLog{}, err
	}
	kind, _ := scString(ev.Get("topicJson.0"))
	return adapter.RawLog{
		ChainID: a.cfg.ID,
		TxHash:  ev.Get("txHash").String(),
		Height:  ledger,
		Index:   index,
		Kind:    kind,
		Body:    json.RawMessage(ev.Raw),
	}, nil
}

// eventIndex derives a per transaction index from an event id "<toid>-<n>". The
// operation bits of the toid are kept so events of different operations don't collide.
func eventIndex(id string) (uint64, error) {
	parts := strings.SplitN(id, "-", 2) //nolint:mnd
	if len(parts) != 2 { //nolint:mnd
		return 0, fmt.Errorf("invalid event id %q", id)
	}
	toid, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid event id %q: %w", id, err)
	}
	n, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid event id %q: %w", id, err)
	}
	op := toid & (1<<opBits - 1)
	return op<<32 | n, nil
}

// FetchReceipt returns the getTransaction result, Found is false for NOT_FOUND
func (a *Adapter) FetchReceipt(ctx context.Context, txHash string) (adapter.RawReceipt, error) {
	raw, err := a.rpc.CallRaw(ctx, "getTransaction", map[string]string{"hash": txHash})
	if err != nil {
		return adapter.RawReceipt{}, adapter.Retryable(err)
	}
	if gjson.GetBytes(raw, "status").String() == "NOT_FOUND" {
		return adapter.RawReceipt{TxHash: txHash}, nil
	}
	return adapter.RawReceipt{TxHash: txHash, Found: true, Body: raw}, nil
}

// DeriveStatus reads the transaction status
func (a *Adapter) DeriveStatus(receipt adapter.RawReceipt) xcall.TxStatus {
	if !receipt.Found {
		return xcall.TxPending
	}
	switch gjson.GetBytes(receipt.Body, "status").String() {
	case "SUCCESS":
		return xcall.TxSuccess
	case "FAILED":
		return xcall.TxFailure
	default:
		return xcall.TxPending
	}
}

// Parse decodes contract events of the tracked contracts
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
		if !a.cfg.IsEmitter(body.Get("contractId").String()) {
			continue
		}
		if c := body.Get("inSuccessfulContractCall"); c.Exists() && !c.Bool() {
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
	name, _ := scString(body.Get("topicJson.0"))
	fields := scMap(body.Get("valueJson"))
	text := func(keys ...string) string {
		for _, k := range keys {
			if s, ok := scString(fields[k]); ok {
				return s
			}
		}
		return ""
	}
	number := func(keys ...string) (*big.Int, error) {
		for _, k := range keys {
			if v, ok := fields[k]; ok {
				return scInt(v, k)
			}
		}
		return nil, fmt.Errorf("%w: %s", xcall.ErrMissingField, keys[0])
	}
	var err error
	switch name {
	case eventSent:
		ev.Kind = xcall.MessageSent
		ev.From = text("from")
		ev.To = text("to")
		ev.Sequence, err = number("sn")
	case eventMessage:
		ev.Kind = xcall.MessageReceived
		ev.From = text("from")
		ev.To = text("to")
		if ev.Sequence, err = number("sn"); err != nil {
			return ev, true, err
		}
		if ev.RequestID, err = number("reqId", "req_id"); err != nil {
			return ev, true, err
		}
		ev.Payload, err = scBytes(fields["data"])
	case eventExecuted:
		ev.Kind = xcall.MessageExecuted
		if ev.RequestID, err = number("reqId", "req_id"); err != nil {
			return ev, true, err
		}
		code, err := number("code")
		if err != nil {
			return ev, true, err
		}
		if ev.Code, err = adapter.ResultCode(code); err != nil {
			return ev, true, err
		}
		ev.Message = text("msg", "err_msg")
	default:
		return ev, false, nil
	}
	return ev, true, err
}
