package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xcall-tracker/xtracker/adapter"
	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/signer"
	"github.com/xcall-tracker/xtracker/sync"
	"github.com/xcall-tracker/xtracker/xcall"
)

const (
	testKey     = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testAddress = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
	xcallAddr   = "0x0000000000000000000000000000000000000aaa"
	managerAddr = "0x0000000000000000000000000000000000000bbb"
)

func testConfig() adapter.ChainConfig {
	return adapter.ChainConfig{
		ID:                  "avalanche",
		Family:              adapter.FamilyEVM,
		NetworkID:           "0xa86a.avax",
		NativeChainID:       "43114",
		XCallAddress:        xcallAddr,
		AssetManagerAddress: managerAddr,
		RPCURL:              "http://localhost:8545",
	}
}

func newTestAdapter(t *testing.T, withSigner bool) (*Adapter, *ethClienterMock) {
	t.Helper()
	client := &ethClienterMock{}
	var s signer.Signer
	if withSigner {
		key, err := crypto.HexToECDSA(testKey)
		require.NoError(t, err)
		s = signer.NewSecp256k1(key)
	}
	rh := &sync.RetryHandler{RetryAfterErrorPeriod: time.Millisecond, MaxRetryAttemptsAfterError: 2}
	return New(testConfig(), client, s, rh, log.WithFields("module", "evm-test")), client
}

func sentLog(sn int64) types.Log {
	return types.Log{
		Address: common.HexToAddress(xcallAddr),
		Topics: []common.Hash{
			callMessageSentTopic,
			common.BytesToHash(common.HexToAddress(testAddress).Bytes()),
			crypto.Keccak256Hash([]byte("0x1.icon/cx01")),
			common.BigToHash(big.NewInt(sn)),
		},
		TxHash:      common.HexToHash("0x01"),
		BlockNumber: 100,
		Index:       3,
	}
}

func receivedLog(t *testing.T, from string, sn, reqID int64) types.Log {
	t.Helper()
	data, err := xcallABI.Events[eventMessage].Inputs.NonIndexed().Pack(big.NewInt(reqID), []byte("payload"))
	require.NoError(t, err)
	return types.Log{
		Address: common.HexToAddress(xcallAddr),
		Topics: []common.Hash{
			callMessageTopic,
			crypto.Keccak256Hash([]byte(from)),
			crypto.Keccak256Hash([]byte(testAddress)),
			common.BigToHash(big.NewInt(sn)),
		},
		Data:        data,
		TxHash:      common.HexToHash("0x02"),
		BlockNumber: 101,
		Index:       0,
	}
}

func executedLog(t *testing.T, reqID, code int64, msg string) types.Log {
	t.Helper()
	data, err := xcallABI.Events[eventExecuted].Inputs.NonIndexed().Pack(big.NewInt(code), msg)
	require.NoError(t, err)
	return types.Log{
		Address:     common.HexToAddress(xcallAddr),
		Topics:      []common.Hash{callExecutedTopic, common.BigToHash(big.NewInt(reqID))},
		Data:        data,
		TxHash:      common.HexToHash("0x03"),
		BlockNumber: 102,
		Index:       1,
	}
}

func TestFetchAndParse(t *testing.T) {
	a, client := newTestAdapter(t, false)
	foreign := sentLog(1)
	foreign.Address = common.HexToAddress("0x0000000000000000000000000000000000000ccc")
	client.On("FilterLogs", mock.Anything, mock.Anything).Return([]types.Log{
		sentLog(42),
		receivedLog(t, "0x1.icon/hx01", 42, 7),
		executedLog(t, 7, -1, "revert: slippage"),
		foreign,
	}, nil).Once()

	raw, err := a.FetchLogs(context.Background(), 100, 110)
	require.NoError(t, err)
	require.Len(t, raw, 4)
	require.Equal(t, eventSent, raw[0].Kind)

	events, errs := a.Parse(raw)
	require.Empty(t, errs)
	require.Len(t, events, 3)

	sent := events[0]
	require.Equal(t, xcall.MessageSent, sent.Kind)
	require.Equal(t, testAddress, sent.From)
	require.Equal(t, int64(42), sent.Sequence.Int64())
	require.Equal(t, uint64(3), sent.LogIndex)

	rcv := events[1]
	require.Equal(t, xcall.MessageReceived, rcv.Kind)
	require.Equal(t, int64(7), rcv.RequestID.Int64())
	require.Equal(t, []byte("payload"), rcv.Payload)
	require.Equal(t, crypto.Keccak256Hash([]byte("0x1.icon/hx01")).Hex(), rcv.FromDigest)

	exe := events[2]
	require.Equal(t, xcall.MessageExecuted, exe.Kind)
	require.Equal(t, int32(-1), exe.Code)
	require.Equal(t, "revert: slippage", exe.Message)
	client.AssertExpectations(t)
}

func TestReceivedDigestMatchesSent(t *testing.T) {
	a, _ := newTestAdapter(t, false)
	raw, err := a.toRaw(receivedLog(t, xcall.NetworkAddress("0x1.icon", "hx01"), 5, 9))
	require.NoError(t, err)
	events, errs := a.Parse(raw)
	require.Empty(t, errs)
	sent := xcall.Event{Kind: xcall.MessageSent, ChainID: "icon", TxHash: "0x1", From: "hx01", Sequence: big.NewInt(5)}
	require.True(t, xcall.ReceivedMatchesSent(sent, events[0], "0x1.icon"))
	require.False(t, xcall.ReceivedMatchesSent(sent, events[0], "0x2.icon"))
}

func TestParseMalformed(t *testing.T) {
	a, _ := newTestAdapter(t, false)
	short := receivedLog(t, "0x1.icon/hx01", 1, 1)
	short.Topics = short.Topics[:3]
	badData := executedLog(t, 1, 0, "")
	badData.Data = []byte{0x01}
	unrelated := sentLog(1)
	unrelated.Topics[0] = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	var raw []adapter.RawLog
	for _, l := range []types.Log{short, badData, unrelated} {
		r, err := a.toRaw(l)
		require.NoError(t, err)
		raw = append(raw, r...)
	}
	raw = append(raw, adapter.RawLog{ChainID: "avalanche", TxHash: "0x9", Body: []byte("{")})

	events, errs := a.Parse(raw)
	require.Empty(t, events)
	require.Len(t, errs, 3)
	require.ErrorIs(t, errs[0], xcall.ErrMissingField)
}

func TestFetchLogsRetryable(t *testing.T) {
	a, client := newTestAdapter(t, false)
	client.On("FilterLogs", mock.Anything, mock.Anything).Return(nil, errors.New("timeout")).Times(2)

	_, err := a.FetchLogs(context.Background(), 1, 2)
	require.True(t, adapter.IsRetryable(err))
	client.AssertExpectations(t)

	logs, err := a.FetchLogs(context.Background(), 5, 4)
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestReceiptStatus(t *testing.T) {
	a, client := newTestAdapter(t, false)
	ok := common.HexToHash("0x0a")
	reverted := common.HexToHash("0x0b")
	missing := common.HexToHash("0x0c")
	client.On("TransactionReceipt", mock.Anything, ok).
		Return(&types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(5)}, nil)
	client.On("TransactionReceipt", mock.Anything, reverted).
		Return(&types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(5)}, nil)
	client.On("TransactionReceipt", mock.Anything, missing).Return(nil, ethereum.NotFound)

	for hash, expected := range map[common.Hash]xcall.TxStatus{
		ok: xcall.TxSuccess, reverted: xcall.TxFailure, missing: xcall.TxPending,
	} {
		r, err := a.FetchReceipt(context.Background(), hash.Hex())
		require.NoError(t, err)
		require.Equal(t, expected, a.DeriveStatus(r), hash.Hex())
	}
}

func submitMocks(client *ethClienterMock) {
	client.On("PendingNonceAt", mock.Anything, common.HexToAddress(testAddress)).Return(uint64(4), nil)
	client.On("SuggestGasTipCap", mock.Anything).Return(big.NewInt(2), nil)
	client.On("HeaderByNumber", mock.Anything, (*big.Int)(nil)).Return(&types.Header{BaseFee: big.NewInt(10)}, nil)
	client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(100000), nil)
}

func TestSubmitSendCallMessage(t *testing.T) {
	a, client := newTestAdapter(t, true)
	submitMocks(client)
	var sent *types.Transaction
	client.On("SendTransaction", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		sent = args.Get(1).(*types.Transaction) //nolint:forcetypeassert
	}).Return(nil)

	hash, err := a.Submit(context.Background(), xcall.TransactionIntent{
		Type:                    xcall.TxSwap,
		SourceChainID:           "avalanche",
		FinalDestinationChainID: "icon",
		Destination:             "0x1.icon/hx01",
		Data:                    []byte{0x01},
		ProtocolFee:             big.NewInt(1000),
	})
	require.NoError(t, err)
	require.Equal(t, sent.Hash().Hex(), hash)
	require.Equal(t, common.HexToAddress(xcallAddr), *sent.To())
	require.Equal(t, big.NewInt(1000), sent.Value())
	require.Equal(t, uint64(120000), sent.Gas())
	require.Equal(t, big.NewInt(22), sent.GasFeeCap())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(43114)), sent)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(testAddress), from)

	method, err := xcallABI.MethodById(sent.Data()[:4])
	require.NoError(t, err)
	require.Equal(t, "sendCallMessage", method.Name)
}

func TestSubmitDepositNative(t *testing.T) {
	a, client := newTestAdapter(t, true)
	submitMocks(client)
	var sent *types.Transaction
	client.On("SendTransaction", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		sent = args.Get(1).(*types.Transaction) //nolint:forcetypeassert
	}).Return(nil)

	_, err := a.Submit(context.Background(), xcall.TransactionIntent{
		Type:                    xcall.TxDeposit,
		SourceChainID:           "avalanche",
		FinalDestinationChainID: "icon",
		Destination:             "0x1.icon/hx01",
		Token:                   adapter.NativeToken,
		Amount:                  big.NewInt(5000),
		ProtocolFee:             big.NewInt(1000),
	})
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(managerAddr), *sent.To())
	require.Equal(t, big.NewInt(6000), sent.Value())
	method, err := assetManagerABI.MethodById(sent.Data()[:4])
	require.NoError(t, err)
	require.Equal(t, "depositNative", method.Name)
}

func TestSubmitErrors(t *testing.T) {
	intent := xcall.TransactionIntent{
		Type: xcall.TxBridge, SourceChainID: "avalanche", FinalDestinationChainID: "icon",
		Destination: "0x1.icon/hx01",
	}

	t.Run("no signer", func(t *testing.T) {
		a, _ := newTestAdapter(t, false)
		_, err := a.Submit(context.Background(), intent)
		require.ErrorIs(t, err, adapter.ErrNoSigner)
	})
	t.Run("invalid intent", func(t *testing.T) {
		a, _ := newTestAdapter(t, true)
		bad := intent
		bad.Destination = "hx01"
		_, err := a.Submit(context.Background(), bad)
		require.ErrorIs(t, err, xcall.ErrInvalidIntent)
	})
	t.Run("insufficient funds", func(t *testing.T) {
		a, client := newTestAdapter(t, true)
		submitMocks(client)
		client.On("SendTransaction", mock.Anything, mock.Anything).
			Return(errors.New("insufficient funds for gas * price + value"))
		_, err := a.Submit(context.Background(), intent)
		require.ErrorIs(t, err, adapter.ErrInsufficientBalance)
	})
}

func TestEstimateFee(t *testing.T) {
	a, client := newTestAdapter(t, false)
	out, err := xcallABI.Methods["getFee"].Outputs.Pack(big.NewInt(12345))
	require.NoError(t, err)
	client.On("CallContract", mock.Anything, mock.Anything, (*big.Int)(nil)).Return(out, nil).Once()

	fee, err := a.EstimateFee(context.Background(), xcall.TransactionIntent{Destination: "0x1.icon/hx01"})
	require.NoError(t, err)
	require.Equal(t, int64(12345), fee.Int64())

	client.On("CallContract", mock.Anything, mock.Anything, (*big.Int)(nil)).Return(nil, errors.New("down")).Once()
	_, err = a.EstimateFee(context.Background(), xcall.TransactionIntent{Destination: "0x1.icon/hx01"})
	require.ErrorIs(t, err, adapter.ErrNetwork)
}
