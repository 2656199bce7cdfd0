package sui

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"io"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/xcall-tracker/xtracker/adapter"
	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/signer"
	"github.com/xcall-tracker/xtracker/sync"
	"github.com/xcall-tracker/xtracker/xcall"
	"golang.org/x/crypto/blake2b"
)

const (
	rpcURL = "http://sui.test"
	pkg    = "0x0000000000000000000000000000000000000000000000000000000000000abc"
)

func newTestAdapter(t *testing.T, sig signer.Signer) *Adapter {
	t.Helper()
	cfg := adapter.ChainConfig{
		ID:           "sui",
		Family:       adapter.FamilySui,
		NetworkID:    "sui",
		XCallAddress: pkg,
		RPCURL:       rpcURL,
		ProtocolFees: map[string]string{"0x1.icon": "1000"},
		Options:      map[string]string{OptionXCallStorage: "0xstorage"},
	}
	rh := &sync.RetryHandler{RetryAfterErrorPeriod: time.Millisecond, MaxRetryAttemptsAfterError: 1}
	a := New(cfg, sig, rh, log.WithFields("module", "sui-test"))
	a.Client().HTTP().SetRetryCount(0)
	httpmock.ActivateNonDefault(a.Client().HTTP().GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return a
}

func rpcResponder(t *testing.T, replies map[string]string, inspect func(req gjson.Result)) httpmock.Responder {
	t.Helper()
	return func(r *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		req := gjson.ParseBytes(body)
		if inspect != nil {
			inspect(req)
		}
		reply, ok := replies[req.Get("method").String()]
		require.True(t, ok, "unexpected method %s", req.Get("method").String())
		return httpmock.NewStringResponse(http.StatusOK, `{"jsonrpc":"2.0","id":1,`+reply+`}`), nil
	}
}

func TestBCS(t *testing.T) {
	var e bcsEncoder
	e.uleb128(300)
	require.Equal(t, []byte{0xac, 0x02}, e.Bytes())

	require.Equal(t, []byte{0x00, 0x03, 0x02, 0x01, 0x02, 0x00, 0x00}, encodeEnvelope([]byte{1, 2}, nil, nil, nil))
	require.Equal(t,
		[]byte{0x01, 0x04, 0x01, 0x07, 0x01, 0x08, 0x01, 0x01, 'a', 0x00},
		encodeEnvelope([]byte{7}, []byte{8}, []string{"a"}, nil))
}

const checkpointTxs = `"result":[{"digest":"D1","effects":{"status":{"status":"success"}},"events":[
 {"id":{"txDigest":"D1","eventSeq":"0"},"packageId":"` + pkg + `","type":"` + pkg + `::main::CallMessageSent",
  "parsedJson":{"from":"0xabc","to":"0x1.icon/cx01","sn":"42"}},
 {"id":{"txDigest":"D1","eventSeq":"1"},"packageId":"` + pkg + `","type":"` + pkg + `::main::CallMessage",
  "parsedJson":{"from":"0x1.icon/hx01","to":"dapp","sn":"5","req_id":"9","data":[1,2]}},
 {"id":{"txDigest":"D1","eventSeq":"2"},"packageId":"` + pkg + `","type":"` + pkg + `::main::CallExecuted",
  "parsedJson":{"req_id":"9","code":1,"err_msg":""}},
 {"id":{"txDigest":"D1","eventSeq":"3"},"packageId":"0x2","type":"0x2::coin::CoinEvent","parsedJson":{}}
]},{"digest":"D2","effects":{"status":{"status":"failure"}},"events":[]}]`

func TestFetchLogsAndParse(t *testing.T) {
	a := newTestAdapter(t, nil)
	httpmock.RegisterResponder(http.MethodPost, rpcURL, rpcResponder(t, map[string]string{
		"sui_getCheckpoint":             `"result":{"sequenceNumber":"10","transactions":["D1","D2"]}`,
		"sui_multiGetTransactionBlocks": checkpointTxs,
	}, nil))

	raw, err := a.FetchLogs(context.Background(), 10, 10)
	require.NoError(t, err)
	require.Len(t, raw, 3)
	require.Equal(t, uint64(10), raw[0].Height)

	events, errs := a.Parse(raw)
	require.Empty(t, errs)
	require.Len(t, events, 3)
	require.Equal(t, xcall.MessageSent, events[0].Kind)
	require.Equal(t, int64(42), events[0].Sequence.Int64())
	require.Equal(t, xcall.MessageReceived, events[1].Kind)
	require.Equal(t, []byte{1, 2}, events[1].Payload)
	require.Equal(t, int64(9), events[1].RequestID.Int64())
	require.Equal(t, xcall.MessageExecuted, events[2].Kind)
	require.Equal(t, int32(1), events[2].Code)
}

func TestParseMissingSequence(t *testing.T) {
	a := newTestAdapter(t, nil)
	body := `{"packageId":"` + pkg + `","type":"` + pkg + `::main::CallMessageSent","parsedJson":{"from":"0xabc"}}`
	events, errs := a.Parse([]adapter.RawLog{{ChainID: "sui", TxHash: "D", Body: []byte(body)}})
	require.Empty(t, events)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], xcall.ErrMissingField)
}

func TestReceipts(t *testing.T) {
	a := newTestAdapter(t, nil)
	replies := map[string]string{}
	httpmock.RegisterResponder(http.MethodPost, rpcURL, rpcResponder(t, replies, nil))

	replies["sui_getTransactionBlock"] = `"error":{"code":-32602,"message":"Could not find the referenced transaction [TransactionDigest(X)]."}`
	r, err := a.FetchReceipt(context.Background(), "X")
	require.NoError(t, err)
	require.Equal(t, xcall.TxPending, a.DeriveStatus(r))

	replies["sui_getTransactionBlock"] = `"result":{"digest":"X","effects":{"status":{"status":"failure","error":"MoveAbort"}}}`
	r, err = a.FetchReceipt(context.Background(), "X")
	require.NoError(t, err)
	require.Equal(t, xcall.TxFailure, a.DeriveStatus(r))
}

func TestSubmit(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	seed[0] = 1
	s := signer.NewEd25519(ed25519.NewKeyFromSeed(seed))
	a := newTestAdapter(t, s)

	var executed gjson.Result
	httpmock.RegisterResponder(http.MethodPost, rpcURL, rpcResponder(t, map[string]string{
		"suix_getCoins": `"result":{"data":[{"coinObjectId":"0xgas","balance":"900000000"},` +
			`{"coinObjectId":"0xsmall","balance":"5000"}],"hasNextPage":false}`,
		"unsafe_moveCall":             `"result":{"txBytes":"AQID"}`,
		"sui_executeTransactionBlock": `"result":{"digest":"TXD","effects":{"status":{"status":"success"}}}`,
	}, func(req gjson.Result) {
		switch req.Get("method").String() {
		case "unsafe_moveCall":
			params := req.Get("params").Array()
			require.Equal(t, pkg, params[1].String())
			require.Equal(t, "send_call", params[3].String())
			require.Equal(t, "0xstorage", params[5].Get("0").String())
			require.Equal(t, "0xsmall", params[5].Get("1").String())
			require.Equal(t, "0x1.icon/cx01", params[5].Get("2").String())
		case "sui_executeTransactionBlock":
			executed = req
		}
	}))

	hash, err := a.Submit(context.Background(), xcall.TransactionIntent{
		Type:                    xcall.TxBridge,
		SourceChainID:           "sui",
		FinalDestinationChainID: "icon",
		Destination:             "0x1.icon/cx01",
		Data:                    []byte{1},
	})
	require.NoError(t, err)
	require.Equal(t, "TXD", hash)

	serialized, err := base64.StdEncoding.DecodeString(executed.Get("params.1.0").String())
	require.NoError(t, err)
	require.Len(t, serialized, 1+ed25519.SignatureSize+ed25519.PublicKeySize)
	require.Equal(t, byte(ed25519Flag), serialized[0])
	sig := serialized[1 : 1+ed25519.SignatureSize]
	pub := ed25519.PublicKey(serialized[1+ed25519.SignatureSize:])
	digest := blake2b.Sum256([]byte{0, 0, 0, 1, 2, 3})
	require.True(t, ed25519.Verify(pub, digest[:], sig))
}

func TestSubmitNeedsFeeCoin(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	a := newTestAdapter(t, signer.NewEd25519(ed25519.NewKeyFromSeed(seed)))
	httpmock.RegisterResponder(http.MethodPost, rpcURL, rpcResponder(t, map[string]string{
		"suix_getCoins": `"result":{"data":[{"coinObjectId":"0xgas","balance":"900000000"}]}`,
	}, nil))
	_, err := a.Submit(context.Background(), xcall.TransactionIntent{
		Type: xcall.TxBridge, SourceChainID: "sui", FinalDestinationChainID: "icon",
		Destination: "0x1.icon/cx01", ProtocolFee: big.NewInt(10),
	})
	require.ErrorIs(t, err, adapter.ErrInsufficientBalance)
}

func TestEstimateFeeStatic(t *testing.T) {
	a := newTestAdapter(t, nil)
	fee, err := a.EstimateFee(context.Background(), xcall.TransactionIntent{Destination: "0x1.icon/cx01"})
	require.NoError(t, err)
	require.Equal(t, int64(1000), fee.Int64())

	_, err = a.EstimateFee(context.Background(), xcall.TransactionIntent{Destination: "0xa86a.avax/0x1"})
	require.ErrorIs(t, err, adapter.ErrNetwork)
}
