package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/mock"
)

// ethClienterMock is a testify mock of EthClienter
type ethClienterMock struct {
	mock.Mock
}

func (m *ethClienterMock) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	args := m.Called(ctx, q)
	logs, _ := args.Get(0).([]types.Log)
	return logs, args.Error(1)
}

func (m *ethClienterMock) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery,
	ch chan<- types.Log) (ethereum.Subscription, error) {
	args := m.Called(ctx, q, ch)
	sub, _ := args.Get(0).(ethereum.Subscription)
	return sub, args.Error(1)
}

func (m *ethClienterMock) BlockNumber(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1) //nolint:forcetypeassert
}

func (m *ethClienterMock) CallContract(ctx context.Context, call ethereum.CallMsg, block *big.Int) ([]byte, error) {
	args := m.Called(ctx, call, block)
	out, _ := args.Get(0).([]byte)
	return out, args.Error(1)
}

func (m *ethClienterMock) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	args := m.Called(ctx, call)
	return args.Get(0).(uint64), args.Error(1) //nolint:forcetypeassert
}

func (m *ethClienterMock) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return m.Called(ctx, tx).Error(0)
}

func (m *ethClienterMock) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	args := m.Called(ctx, hash)
	r, _ := args.Get(0).(*types.Receipt)
	return r, args.Error(1)
}

func (m *ethClienterMock) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	args := m.Called(ctx, number)
	h, _ := args.Get(0).(*types.Header)
	return h, args.Error(1)
}

func (m *ethClienterMock) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(uint64), args.Error(1) //nolint:forcetypeassert
}

func (m *ethClienterMock) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	tip, _ := args.Get(0).(*big.Int)
	return tip, args.Error(1)
}

func (m *ethClienterMock) ChainID(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	id, _ := args.Get(0).(*big.Int)
	return id, args.Error(1)
}
