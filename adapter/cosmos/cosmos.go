package cosmos

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
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
	searchPageSize = 100

	eventSent     = "wasm-CallMessageSent"
	eventMessage  = "wasm-CallMessage"
	eventExecuted = "wasm-CallExecuted"

	contractAttribute = "_contract_address"
	// OptionBase64Attributes marks nodes that return base64 encoded event attributes
	OptionBase64Attributes = "Base64Attributes"
)

// Adapter reads wasm events through the Tendermint RPC and submits through the LCD
type Adapter struct {
	cfg    adapter.ChainConfig
	rpc    *jsonrpc.Client
	lcd    *jsonrpc.Client
	signer signer.Signer
	rh     *sync.RetryHandler
	log    *log.Logger
}

// New builds the adapter. sig may be nil for read only use.
func New(cfg adapter.ChainConfig, sig signer.Signer, rh *sync.RetryHandler, logger *log.Logger) *Adapter {
	timeout := cfg.RequestTimeout.Duration
	return &Adapter{
		cfg:    cfg,
		rpc:    jsonrpc.NewClient(cfg.RPCURL, timeout, cfg.RequestsPerSecond, logger),
		lcd:    jsonrpc.NewClient(cfg.IndexerURL, timeout, cfg.RequestsPerSecond, logger),
		signer: sig,
		rh:     rh,
		log:    logger,
	}
}

// Clients exposes the Tendermint RPC and LCD clients
func (a *Adapter) Clients() (rpc, lcd *jsonrpc.Client) {
	return a.rpc, a.lcd
}

// CurrentHeight returns the latest block height from /status
func (a *Adapter) CurrentHeight(ctx context.Context) (uint64, error) {
	body, err := a.rpc.Get(ctx, a.rpcURL("/status"), nil)
	if err != nil {
		return 0, adapter.Retryable(err)
	}
	h := gjson.GetBytes(body, "result.sync_info.latest_block_height")
	if !h.Exists() {
		return 0, adapter.Retryable(fmt.Errorf("status without latest_block_height"))
	}
	return strconv.ParseUint(h.String(), 10, 64)
}

// FetchLogs searches the transactions touching the tracked contracts in [from, to]
func (a *Adapter) FetchLogs(ctx context.Context, from, to uint64) ([]adapter.RawLog, error) {
	if from > to {
		return nil, nil
	}
	var out []adapter.RawLog
	err := a.rh.Do(ctx, a.log, "cosmos FetchLogs", func() error {
		out = out[:0]
		seen := make(map[string]bool)
		for _, contract := range a.cfg.Emitters() {
			logs, err := a.searchContract(ctx, contract, from, to)
			if err != nil {
				return err
			}
			for _, l := range logs {
				key := fmt.Sprintf("%s/%d", l.TxHash, l.Index)
				if !seen[key] {
					seen[key] = true
					out = append(out, l)
				}
			}
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

func (a *Adapter) searchContract(ctx context.Context, contract string, from, to uint64) ([]adapter.RawLog, error) {
	query := fmt.Sprintf(`"wasm.%s='%s' AND tx.height>=%d AND tx.height<=%d"`, contractAttribute, contract, from, to)
	var out []adapter.RawLog
	for page := 1; ; page++ {
		body, err := a.rpc.Get(ctx, a.rpcURL("/tx_search"), map[string]string{
			"query":    query,
			"page":     strconv.Itoa(page),
			"per_page": strconv.Itoa(searchPageSize),
			"order_by": `"asc"`,
		})
		if err != nil {
			return nil, err
		}
		res := gjson.GetBytes(body, "result")
		if !res.Exists() {
			return nil, fmt.Errorf("unexpected tx_search response: %s", string(body))
		}
		txs := res.Get("txs").Array()
		for _, tx := range txs {
			logs, err := a.txEvents(tx)
			if err != nil {
				return nil, err
			}
			out = append(out, logs...)
		}
		total := res.Get("total_count").Int()
		if len(txs) < searchPageSize || int64(page*searchPageSize) >= total {
			return out, nil
		}
	}
}

// eventBody is the flattened wasm event kept in RawLog.Body
type eventBody struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func (a *Adapter) txEvents(tx gjson.Result) ([]adapter.RawLog, error) {
	if tx.Get("tx_result.code").Int() != 0 {
		return nil, nil
	}
	height, err := strconv.ParseUint(tx.Get("height").String(), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid tx height: %w", err)
	}
	hash := tx.Get("hash").String()
	var out []adapter.RawLog
	for i, ev := range tx.Get("tx_result.events").Array() {
		typ := ev.Get("type").String()
		if typ != eventSent && typ != eventMessage && typ != eventExecuted {
			continue
		}
		body := eventBody{Type: typ, Attributes: map[string]string{}}
		for _, attr := range ev.Get("attributes").Array() {
			k, v := attr.Get("key").String(), attr.Get("value").String()
			if a.cfg.Option(OptionBase64Attributes, "false") == "true" {
				k, v = decodeBase64(k), decodeBase64(v)
			}
			body.Attributes[k] = v
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		out = append(out, adapter.RawLog{
			ChainID: a.cfg.ID,
			TxHash:  hash,
			Height:  height,
			Index:   uint64(i),
			Kind:    typ,
			Body:    raw,
		})
	}
	return out, nil
}

// FetchReceipt looks the transaction up on the LCD
func (a *Adapter) FetchReceipt(ctx context.Context, txHash string) (adapter.RawReceipt, error) {
	hash := strings.ToUpper(strings.TrimPrefix(txHash, "0x"))
	body, err := a.lcd.Get(ctx, a.lcdURL("/cosmos/tx/v1beta1/txs/"+hash), nil)
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) && (httpErr.Status == http.StatusNotFound ||
		strings.Contains(strings.ToLower(httpErr.Body), "not found")) {
		return adapter.RawReceipt{TxHash: txHash}, nil
	}
	if err != nil {
		return adapter.RawReceipt{}, adapter.Retryable(err)
	}
	resp := gjson.GetBytes(body, "tx_response")
	if !resp.Exists() {
		return adapter.RawReceipt{TxHash: txHash}, nil
	}
	return adapter.RawReceipt{TxHash: txHash, Found: true, Body: json.RawMessage(resp.Raw)}, nil
}

// DeriveStatus reads the ABCI code of a tx response, 0 is success
func (a *Adapter) DeriveStatus(receipt adapter.RawReceipt) xcall.TxStatus {
	if !receipt.Found {
		return xcall.TxPending
	}
	code := gjson.GetBytes(receipt.Body, "code")
	if !code.Exists() || code.Int() == 0 {
		return xcall.TxSuccess
	}
	return xcall.TxFailure
}

// Parse decodes wasm events emitted by the tracked contracts
func (a *Adapter) Parse(logs []adapter.RawLog) ([]xcall.Event, []*adapter.ParseError) {
	var (
		events []xcall.Event
		errs   []*adapter.ParseError
	)
	for _, l := range logs {
		var body eventBody
		if err := json.Unmarshal(l.Body, &body); err != nil {
			errs = append(errs, adapter.NewParseError(l, err))
			continue
		}
		if contract, ok := body.Attributes[contractAttribute]; ok && !a.cfg.IsEmitter(contract) {
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

func decodeEvent(l adapter.RawLog, body eventBody) (xcall.Event, bool, error) {
	ev := xcall.Event{ChainID: l.ChainID, TxHash: l.TxHash, Height: l.Height, LogIndex: l.Index}
	attrs := body.Attributes
	var err error
	switch body.Type {
	case eventSent:
		ev.Kind = xcall.MessageSent
		ev.From = attrs["from"]
		ev.To = attrs["to"]
		ev.Sequence, err = adapter.ParseBigInt("sn", attrs["sn"])
	case eventMessage:
		ev.Kind = xcall.MessageReceived
		ev.From = attrs["from"]
		ev.To = attrs["to"]
		if ev.Sequence, err = adapter.ParseBigInt("sn", attrs["sn"]); err != nil {
			return ev, true, err
		}
		if ev.RequestID, err = adapter.ParseBigInt("reqId", attrs["reqId"]); err != nil {
			return ev, true, err
		}
		ev.Payload, err = decodeData(attrs["data"])
	case eventExecuted:
		ev.Kind = xcall.MessageExecuted
		if ev.RequestID, err = adapter.ParseBigInt("reqId", attrs["reqId"]); err != nil {
			return ev, true, err
		}
		code, err := adapter.ParseBigInt("code", attrs["code"])
		if err != nil {
			return ev, true, err
		}
		if ev.Code, err = adapter.ResultCode(code); err != nil {
			return ev, true, err
		}
		ev.Message = attrs["msg"]
	default:
		return ev, false, nil
	}
	return ev, true, err
}

// decodeData accepts hex (0x prefixed) or base64 payloads
func decodeData(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "0x") {
		return adapter.DecodeHexBytes(s)
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return adapter.DecodeHexBytes(s)
}

func decodeBase64(s string) string {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return string(b)
}

func (a *Adapter) rpcURL(path string) string {
	return strings.TrimSuffix(a.cfg.RPCURL, "/") + path
}

func (a *Adapter) lcdURL(path string) string {
	return strings.TrimSuffix(a.cfg.IndexerURL, "/") + path
}
