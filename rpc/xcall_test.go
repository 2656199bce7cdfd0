package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/0xPolygon/cdk-rpc/rpc"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xcall-tracker/xtracker/adapter"
	"github.com/xcall-tracker/xtracker/db"
	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/orchestrator"
	"github.com/xcall-tracker/xtracker/rpc/types"
	"github.com/xcall-tracker/xtracker/tracker/storage"
	"github.com/xcall-tracker/xtracker/xcall"
)

type storeMock struct{ mock.Mock }

func (s *storeMock) GetTransaction(tx db.Querier, id string) (*xcall.Transaction, error) {
	args := s.Called(tx, id)
	if t, ok := args.Get(0).(*xcall.Transaction); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}

func (s *storeMock) GetMessages(tx db.Querier, transactionID string) ([]*xcall.Message, error) {
	args := s.Called(tx, transactionID)
	hops, _ := args.Get(0).([]*xcall.Message)
	return hops, args.Error(1)
}

func (s *storeMock) ListTransactions(ctx context.Context, filter storage.TransactionFilter) ([]*xcall.Transaction, error) {
	args := s.Called(ctx, filter)
	txs, _ := args.Get(0).([]*xcall.Transaction)
	return txs, args.Error(1)
}

func (s *storeMock) Watermarks(ctx context.Context) (map[string]uint64, error) {
	args := s.Called(ctx)
	all, _ := args.Get(0).(map[string]uint64)
	return all, args.Error(1)
}

type orchestratorMock struct{ mock.Mock }

func (o *orchestratorMock) EstimateFee(ctx context.Context, intent xcall.TransactionIntent) (*big.Int, error) {
	args := o.Called(ctx, intent)
	fee, _ := args.Get(0).(*big.Int)
	return fee, args.Error(1)
}

func (o *orchestratorMock) Initiate(ctx context.Context, intent xcall.TransactionIntent) (*xcall.Transaction, error) {
	args := o.Called(ctx, intent)
	tx, _ := args.Get(0).(*xcall.Transaction)
	return tx, args.Error(1)
}

func (o *orchestratorMock) Track(ctx context.Context, req orchestrator.TrackRequest) (*xcall.Transaction, error) {
	args := o.Called(ctx, req)
	tx, _ := args.Get(0).(*xcall.Transaction)
	return tx, args.Error(1)
}

type endpointsWithMocks struct {
	*XCallEndpoints
	store        *storeMock
	orchestrator *orchestratorMock
}

func newEndpointsWithMocks(t *testing.T) endpointsWithMocks {
	t.Helper()
	store := &storeMock{}
	orch := &orchestratorMock{}
	x, err := NewXCallEndpoints(log.GetDefaultLogger(), time.Second, time.Second, 8, store, orch)
	require.NoError(t, err)
	return endpointsWithMocks{XCallEndpoints: x, store: store, orchestrator: orch}
}

func transaction(id string, status xcall.TxStatus) *xcall.Transaction {
	return &xcall.Transaction{ID: id, Type: xcall.TxSwap, SourceChainID: "avalanche", SourceTxHash: "0x01",
		FinalDestinationChainID: "icon", Status: status}
}

func TestGetTransactionCachesFinal(t *testing.T) {
	x := newEndpointsWithMocks(t)
	done := transaction("avalanche:0x01", xcall.TxSuccess)
	hops := []*xcall.Message{xcall.NewMessage(done.ID, 1, "avalanche", "0x01", "icon", 1, 1, time.Time{})}
	hops[0].Status = xcall.StatusExecutedSuccess
	x.store.On("GetTransaction", nil, done.ID).Return(done, nil).Once()
	x.store.On("GetMessages", nil, done.ID).Return(hops, nil).Once()

	for i := 0; i < 2; i++ {
		res, rerr := x.GetTransaction(done.ID)
		require.Nil(t, rerr)
		view, ok := res.(*types.TransactionView)
		require.True(t, ok)
		require.Equal(t, xcall.TxSuccess, view.Transaction.Status)
		require.Len(t, view.Hops, 1)
		require.NotEmpty(t, view.StatusText)
	}
	x.store.AssertExpectations(t)

	hopsRes, rerr := x.GetMessages(done.ID)
	require.Nil(t, rerr)
	require.Equal(t, hops, hopsRes)
}

func TestGetTransactionPendingIsNotCached(t *testing.T) {
	x := newEndpointsWithMocks(t)
	pending := transaction("avalanche:0x02", xcall.TxPending)
	x.store.On("GetTransaction", nil, pending.ID).Return(pending, nil).Twice()
	x.store.On("GetMessages", nil, pending.ID).Return([]*xcall.Message{}, nil).Twice()

	_, rerr := x.GetTransaction(pending.ID)
	require.Nil(t, rerr)
	_, rerr = x.GetTransaction(pending.ID)
	require.Nil(t, rerr)
	x.store.AssertExpectations(t)

	x.store.On("GetTransaction", nil, "nope").Return(nil, db.ErrNotFound)
	_, rerr = x.GetTransaction("nope")
	require.NotNil(t, rerr)
	require.Equal(t, rpc.NotFoundErrorCode, rerr.ErrorCode())
}

func TestListTransactions(t *testing.T) {
	x := newEndpointsWithMocks(t)
	x.store.On("ListTransactions", mock.Anything, storage.TransactionFilter{
		Statuses: []xcall.TxStatus{xcall.TxPending}, Limit: 10, Offset: 5,
	}).Return([]*xcall.Transaction{transaction("a", xcall.TxPending)}, nil)

	res, rerr := x.ListTransactions("PENDING", 10, 5)
	require.Nil(t, rerr)
	require.Len(t, res, 1)

	_, rerr = x.ListTransactions("DONE", 10, 0)
	require.Equal(t, invalidParamsErrorCode, rerr.ErrorCode())
	_, rerr = x.ListTransactions("", maxListLimit+1, 0)
	require.Equal(t, invalidParamsErrorCode, rerr.ErrorCode())
}

func TestWriteEndpoints(t *testing.T) {
	x := newEndpointsWithMocks(t)
	intent := xcall.TransactionIntent{Type: xcall.TxBridge, SourceChainID: "avalanche",
		FinalDestinationChainID: "icon", Destination: "0x1.icon/hx01"}

	x.orchestrator.On("EstimateFee", mock.Anything, intent).Return(big.NewInt(12345), nil)
	res, rerr := x.EstimateFee(intent)
	require.Nil(t, rerr)
	require.Equal(t, types.FeeEstimate{SourceChainID: "avalanche", Fee: "12345"}, res)

	x.orchestrator.On("Initiate", mock.Anything, intent).
		Return(nil, fmt.Errorf("%w: 0 < 100", adapter.ErrInsufficientBalance)).Once()
	_, rerr = x.Initiate(intent)
	require.Equal(t, rpc.DefaultErrorCode, rerr.ErrorCode())
	require.Contains(t, rerr.Error(), "insufficient balance")

	bad := intent
	bad.Destination = "nope"
	x.orchestrator.On("Initiate", mock.Anything, bad).Return(nil, xcall.ErrInvalidIntent).Once()
	_, rerr = x.Initiate(bad)
	require.Equal(t, invalidParamsErrorCode, rerr.ErrorCode())

	req := orchestrator.TrackRequest{Type: xcall.TxSwap, SourceChainID: "sui", SourceTxHash: "abc",
		FinalDestinationChainID: "icon"}
	x.orchestrator.On("Track", mock.Anything, req).Return(transaction("sui:abc", xcall.TxPending), nil)
	res, rerr = x.Track(req)
	require.Nil(t, rerr)
	require.Equal(t, "sui:abc", res.(*xcall.Transaction).ID)
}

func TestWatermarksSorted(t *testing.T) {
	x := newEndpointsWithMocks(t)
	x.store.On("Watermarks", mock.Anything).Return(map[string]uint64{"sui": 9, "avalanche": 3}, nil)
	res, rerr := x.Watermarks()
	require.Nil(t, rerr)
	require.Equal(t, []types.Watermark{{ChainID: "avalanche", Height: 3}, {ChainID: "sui", Height: 9}}, res)

	x = newEndpointsWithMocks(t)
	x.store.On("Watermarks", mock.Anything).Return(nil, errors.New("database is locked"))
	_, rerr = x.Watermarks()
	require.Equal(t, rpc.DefaultErrorCode, rerr.ErrorCode())
}

func TestClient(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		gotMethod = req.Method
		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "xcall_getTransaction":
			_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":{"transaction":{"id":"icon:0x01",`+
				`"status":"SUCCESS"},"hops":[],"statusText":"completed"}}`)
		default:
			_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"not found"}}`)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	view, err := c.GetTransaction("icon:0x01")
	require.NoError(t, err)
	require.Equal(t, "xcall_getTransaction", gotMethod)
	require.Equal(t, xcall.TxSuccess, view.Transaction.Status)
	require.Equal(t, "completed", view.StatusText)

	_, err = c.Watermarks()
	require.ErrorContains(t, err, "not found")
	require.Equal(t, "xcall_watermarks", gotMethod)
}
