package sui

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/big"
	"sort"
	"strconv"

	"github.com/xcall-tracker/xtracker/adapter"
	"github.com/xcall-tracker/xtracker/signer"
	"github.com/xcall-tracker/xtracker/xcall"
	"golang.org/x/crypto/blake2b"
)

const (
	suiCoinType      = "0x2::sui::SUI"
	defaultGasBudget = 100_000_000
	ed25519Flag      = 0x00

	OptionXCallStorage        = "XCallStorage"
	OptionXCallModule         = "XCallModule"
	OptionXCallFunction       = "XCallFunction"
	OptionIDCap               = "IDCap"
	OptionAssetManagerStorage = "AssetManagerStorage"
	OptionAssetManagerModule  = "AssetManagerModule"
)

// transaction data intent prefix: scope TransactionData, version 0, app Sui
var txIntentPrefix = []byte{0, 0, 0}

type coin struct {
	id      string
	balance *big.Int
}

type moveCall struct {
	pkg      string
	module   string
	function string
	typeArgs []string
	args     []interface{}
}

// Submit builds the move call with unsafe_moveCall, signs it with ed25519 and executes it
func (a *Adapter) Submit(ctx context.Context, intent xcall.TransactionIntent) (string, error) {
	if a.signer == nil {
		return "", adapter.ErrNoSigner
	}
	if a.signer.Scheme() != signer.SchemeEd25519 {
		return "", fmt.Errorf("%w: sui needs an ed25519 signer", adapter.ErrNoSigner)
	}
	if err := intent.Validate(); err != nil {
		return "", err
	}
	pub := a.signer.PublicKey()
	owner, err := signer.SuiAddress(pub)
	if err != nil {
		return "", err
	}
	fee := intent.ProtocolFee
	if fee == nil {
		if fee, err = a.EstimateFee(ctx, intent); err != nil {
			return "", err
		}
	}
	call, err := a.buildMoveCall(ctx, intent, owner, fee)
	if err != nil {
		return "", err
	}
	budget := a.cfg.GasLimit
	if budget == 0 {
		budget = defaultGasBudget
	}
	built, err := a.rpc.CallGJSON(ctx, "unsafe_moveCall", []interface{}{
		owner, call.pkg, call.module, call.function, call.typeArgs, call.args, nil,
		strconv.FormatUint(budget, 10),
	})
	if err != nil {
		return "", adapter.ClassifySubmitError(err)
	}
	txBytes, err := base64.StdEncoding.DecodeString(built.Get("txBytes").String())
	if err != nil || len(txBytes) == 0 {
		return "", fmt.Errorf("%w: unsafe_moveCall returned no txBytes", adapter.ErrNetwork)
	}
	digest := blake2b.Sum256(append(append([]byte{}, txIntentPrefix...), txBytes...))
	sig, err := a.signer.Sign(ctx, digest[:])
	if err != nil {
		return "", fmt.Errorf("%w: %w", adapter.ErrUserRejected, err)
	}
	serialized := append(append([]byte{ed25519Flag}, sig...), pub...)

	res, err := a.rpc.CallGJSON(ctx, "sui_executeTransactionBlock", []interface{}{
		base64.StdEncoding.EncodeToString(txBytes),
		[]string{base64.StdEncoding.EncodeToString(serialized)},
		map[string]bool{"showEffects": true},
		"WaitForLocalExecution",
	})
	if err != nil {
		return "", adapter.ClassifySubmitError(err)
	}
	if res.Get("effects.status.status").String() == "failure" {
		return "", adapter.ClassifySubmitError(fmt.Errorf("execution failed: %s",
			res.Get("effects.status.error").String()))
	}
	hash := res.Get("digest").String()
	a.log.Infof("submitted %s intent on %s: %s", intent.Type, a.cfg.ID, hash)
	return hash, nil
}

// EstimateFee returns the configured protocol fee for the destination. The sui xcall
// package exposes fees only through a dev inspect call, the static schedule is used
// instead.
func (a *Adapter) EstimateFee(_ context.Context, intent xcall.TransactionIntent) (*big.Int, error) {
	return adapter.StaticFeeFor(a.cfg, intent)
}

func (a *Adapter) buildMoveCall(ctx context.Context, intent xcall.TransactionIntent, owner string,
	fee *big.Int) (moveCall, error) {
	data, err := adapter.CallData(intent)
	if err != nil {
		return moveCall{}, err
	}
	xcallStorage := a.cfg.Option(OptionXCallStorage, "")
	if xcallStorage == "" {
		return moveCall{}, fmt.Errorf("chain %s: option %s is required to submit", a.cfg.ID, OptionXCallStorage)
	}
	gasCoins, err := a.coins(ctx, owner, suiCoinType)
	if err != nil {
		return moveCall{}, err
	}

	if !adapter.UsesAssetManager(a.cfg, intent) {
		feeCoin, err := pickCoin(gasCoins, fee, nil, true)
		if err != nil {
			return moveCall{}, err
		}
		args := []interface{}{xcallStorage, feeCoin.id}
		if idcap := a.cfg.Option(OptionIDCap, ""); idcap != "" {
			args = append(args, idcap)
		}
		envelope := encodeEnvelope(data, intent.Rollback, nil, nil)
		args = append(args, intent.Destination, byteArg(envelope))
		return moveCall{
			pkg:      a.cfg.XCallAddress,
			module:   a.cfg.Option(OptionXCallModule, "main"),
			function: a.cfg.Option(OptionXCallFunction, "send_call"),
			typeArgs: []string{},
			args:     args,
		}, nil
	}

	managerStorage := a.cfg.Option(OptionAssetManagerStorage, "")
	if managerStorage == "" {
		return moveCall{}, fmt.Errorf("chain %s: option %s is required for deposits", a.cfg.ID,
			OptionAssetManagerStorage)
	}
	tokenType := intent.Token
	tokenCoins := gasCoins
	native := adapter.IsNativeToken(tokenType)
	if native {
		tokenType = suiCoinType
	} else if tokenCoins, err = a.coins(ctx, owner, tokenType); err != nil {
		return moveCall{}, err
	}
	tokenCoin, err := pickCoin(tokenCoins, intent.Amount, nil, native)
	if err != nil {
		return moveCall{}, err
	}
	feeCoin, err := pickCoin(gasCoins, fee, map[string]bool{tokenCoin.id: true}, true)
	if err != nil {
		return moveCall{}, err
	}
	return moveCall{
		pkg:      a.cfg.AssetManagerAddress,
		module:   a.cfg.Option(OptionAssetManagerModule, "asset_manager"),
		function: "deposit",
		typeArgs: []string{tokenType},
		args: []interface{}{
			managerStorage, xcallStorage, feeCoin.id, tokenCoin.id,
			intent.Amount.String(), intent.Destination, byteArg(data),
		},
	}, nil
}

func (a *Adapter) coins(ctx context.Context, owner, coinType string) ([]coin, error) {
	res, err := a.rpc.CallGJSON(ctx, "suix_getCoins", []interface{}{owner, coinType, nil, nil})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", adapter.ErrNetwork, err)
	}
	var out []coin
	for _, c := range res.Get("data").Array() {
		balance, err := adapter.BigIntField(c, "balance")
		if err != nil {
			return nil, err
		}
		out = append(out, coin{id: c.Get("coinObjectId").String(), balance: balance})
	}
	return out, nil
}

// pickCoin returns the smallest coin covering amount. With keepGas the largest coin is
// never picked, it pays for gas.
func pickCoin(coins []coin, amount *big.Int, exclude map[string]bool, keepGas bool) (coin, error) {
	if amount == nil {
		amount = new(big.Int)
	}
	candidates := make([]coin, 0, len(coins))
	for _, c := range coins {
		if !exclude[c.id] {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].balance.Cmp(candidates[j].balance) < 0 })
	if keepGas {
		if len(candidates) == 0 {
			return coin{}, fmt.Errorf("%w: no gas coin", adapter.ErrInsufficientBalance)
		}
		candidates = candidates[:len(candidates)-1]
	}
	for _, c := range candidates {
		if c.balance.Cmp(amount) >= 0 {
			return c, nil
		}
	}
	return coin{}, fmt.Errorf("%w: no coin of at least %s available", adapter.ErrInsufficientBalance, amount)
}

func byteArg(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}
