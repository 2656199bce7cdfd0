package evm

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/xcall-tracker/xtracker/adapter"
	"github.com/xcall-tracker/xtracker/signer"
	"github.com/xcall-tracker/xtracker/xcall"
)

const (
	gasLimitMarginPercent = 20
	baseFeeMultiplier     = 2
)

type call struct {
	to    common.Address
	value *big.Int
	data  []byte
}

// Submit signs an EIP-1559 transaction for the intent and broadcasts it
func (a *Adapter) Submit(ctx context.Context, intent xcall.TransactionIntent) (string, error) {
	if a.signer == nil {
		return "", adapter.ErrNoSigner
	}
	c, err := a.buildCall(intent)
	if err != nil {
		return "", err
	}
	from, err := signer.EVMAddress(a.signer.PublicKey())
	if err != nil {
		return "", err
	}
	if err := a.wait(ctx); err != nil {
		return "", err
	}
	chainID, err := a.chainID(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", adapter.ErrNetwork, err)
	}
	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("%w: nonce: %w", adapter.ErrNetwork, err)
	}
	tip, err := a.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: gas tip: %w", adapter.ErrNetwork, err)
	}
	head, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: header: %w", adapter.ErrNetwork, err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(baseFeeMultiplier)))
	}
	gas := a.cfg.GasLimit
	if gas == 0 {
		estimated, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
			From: from, To: &c.to, Value: c.value, Data: c.data, GasTipCap: tip, GasFeeCap: feeCap,
		})
		if err != nil {
			return "", adapter.ClassifySubmitError(err)
		}
		gas = estimated + estimated*gasLimitMarginPercent/100 //nolint:mnd
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &c.to,
		Value:     c.value,
		Data:      c.data,
	})
	txSigner := types.LatestSignerForChainID(chainID)
	sig, err := a.signer.Sign(ctx, txSigner.Hash(tx).Bytes())
	if err != nil {
		return "", fmt.Errorf("%w: %w", adapter.ErrUserRejected, err)
	}
	signed, err := tx.WithSignature(txSigner, sig)
	if err != nil {
		return "", fmt.Errorf("%w: %w", adapter.ErrUserRejected, err)
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return "", adapter.ClassifySubmitError(err)
	}
	a.log.Infof("submitted %s intent on %s: %s (nonce %d)", intent.Type, a.cfg.ID, signed.Hash().Hex(), nonce)
	return signed.Hash().Hex(), nil
}

// EstimateFee queries xcall getFee for the destination network
func (a *Adapter) EstimateFee(ctx context.Context, intent xcall.TransactionIntent) (*big.Int, error) {
	nid, err := adapter.DestinationNID(intent)
	if err != nil {
		return nil, err
	}
	input, err := xcallABI.Pack("getFee", nid, len(intent.Rollback) > 0)
	if err != nil {
		return nil, err
	}
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	to := common.HexToAddress(a.cfg.XCallAddress)
	callCtx, cancel := a.withTimeout(ctx)
	defer cancel()
	out, err := a.client.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		if fee, errStatic := adapter.StaticFeeFor(a.cfg, intent); errStatic == nil {
			a.log.Warnf("getFee failed on %s, using configured fee: %v", a.cfg.ID, err)
			return fee, nil
		}
		return nil, fmt.Errorf("%w: getFee: %w", adapter.ErrNetwork, err)
	}
	values, err := xcallABI.Unpack("getFee", out)
	if err != nil {
		return nil, fmt.Errorf("error decoding getFee result: %w", err)
	}
	fee, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getFee result %T", values[0])
	}
	return fee, nil
}

func (a *Adapter) buildCall(intent xcall.TransactionIntent) (call, error) {
	if err := intent.Validate(); err != nil {
		return call{}, err
	}
	data, err := adapter.CallData(intent)
	if err != nil {
		return call{}, err
	}
	fee := intent.Fee()
	if !adapter.UsesAssetManager(a.cfg, intent) {
		input, err := xcallABI.Pack("sendCallMessage", intent.Destination, data, intent.Rollback)
		if err != nil {
			return call{}, fmt.Errorf("%w: %w", xcall.ErrInvalidIntent, err)
		}
		return call{to: common.HexToAddress(a.cfg.XCallAddress), value: fee, data: input}, nil
	}
	manager := common.HexToAddress(a.cfg.AssetManagerAddress)
	if adapter.IsNativeToken(intent.Token) {
		input, err := assetManagerABI.Pack("depositNative", intent.Amount, intent.Destination, data)
		if err != nil {
			return call{}, fmt.Errorf("%w: %w", xcall.ErrInvalidIntent, err)
		}
		return call{to: manager, value: fee.Add(fee, intent.Amount), data: input}, nil
	}
	if !common.IsHexAddress(intent.Token) {
		return call{}, fmt.Errorf("%w: token %q is not an address", xcall.ErrInvalidIntent, intent.Token)
	}
	input, err := assetManagerABI.Pack("deposit", common.HexToAddress(intent.Token), intent.Amount,
		intent.Destination, data)
	if err != nil {
		return call{}, fmt.Errorf("%w: %w", xcall.ErrInvalidIntent, err)
	}
	return call{to: manager, value: fee, data: input}, nil
}

func (a *Adapter) chainID(ctx context.Context) (*big.Int, error) {
	if a.cfg.NativeChainID != "" {
		if id, err := strconv.ParseUint(a.cfg.NativeChainID, 0, 64); err == nil {
			return new(big.Int).SetUint64(id), nil
		}
	}
	return a.client.ChainID(ctx)
}
