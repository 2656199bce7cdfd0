package icon

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/xcall-tracker/xtracker/adapter"
	"github.com/xcall-tracker/xtracker/signer"
	"github.com/xcall-tracker/xtracker/xcall"
)

const (
	txVersion        = "0x3"
	defaultStepLimit = 5_000_000
)

// Submit signs an icx_sendTransaction for the intent and broadcasts it
func (a *Adapter) Submit(ctx context.Context, intent xcall.TransactionIntent) (string, error) {
	if a.signer == nil {
		return "", adapter.ErrNoSigner
	}
	from, err := signer.ICONAddress(a.signer.PublicKey())
	if err != nil {
		return "", err
	}
	params, err := a.buildTx(intent, from, time.Now())
	if err != nil {
		return "", err
	}
	payload, err := serializeTx(params)
	if err != nil {
		return "", err
	}
	sig, err := a.signer.Sign(ctx, sha3Sum(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %w", adapter.ErrUserRejected, err)
	}
	params["signature"] = base64.StdEncoding.EncodeToString(sig)

	var hash string
	if err := a.rpc.Call(ctx, "icx_sendTransaction", params, &hash); err != nil {
		return "", adapter.ClassifySubmitError(err)
	}
	a.log.Infof("submitted %s intent on %s: %s", intent.Type, a.cfg.ID, hash)
	return hash, nil
}

// EstimateFee calls getFee on the xcall contract
func (a *Adapter) EstimateFee(ctx context.Context, intent xcall.TransactionIntent) (*big.Int, error) {
	nid, err := adapter.DestinationNID(intent)
	if err != nil {
		return nil, err
	}
	rollback := "0x0"
	if len(intent.Rollback) > 0 {
		rollback = "0x1"
	}
	var res string
	err = a.rpc.Call(ctx, "icx_call", map[string]interface{}{
		"to":       a.cfg.XCallAddress,
		"dataType": "call",
		"data": map[string]interface{}{
			"method": "getFee",
			"params": map[string]interface{}{"_net": nid, "_rollback": rollback},
		},
	}, &res)
	if err != nil {
		if fee, errStatic := adapter.StaticFeeFor(a.cfg, intent); errStatic == nil {
			a.log.Warnf("getFee failed on %s, using configured fee: %v", a.cfg.ID, err)
			return fee, nil
		}
		return nil, fmt.Errorf("%w: getFee: %w", adapter.ErrNetwork, err)
	}
	return adapter.ParseBigInt("getFee", res)
}

// buildTx returns the unsigned transaction parameters. Values are strings only so
// the map can be serialized for signing.
func (a *Adapter) buildTx(intent xcall.TransactionIntent, from string, now time.Time) (map[string]interface{}, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	data, err := adapter.CallData(intent)
	if err != nil {
		return nil, err
	}
	nid := a.cfg.NativeChainID
	if nid == "" {
		nid = "0x1"
	}
	stepLimit := a.cfg.GasLimit
	if stepLimit == 0 {
		stepLimit = defaultStepLimit
	}
	tx := map[string]interface{}{
		"version":   txVersion,
		"from":      from,
		"stepLimit": adapter.HexUint(new(big.Int).SetUint64(stepLimit)),
		"timestamp": adapter.HexUint(big.NewInt(now.UnixMicro())),
		"nid":       nid,
		"dataType":  "call",
	}
	fee := intent.Fee()

	switch {
	case !adapter.UsesAssetManager(a.cfg, intent):
		callParams := map[string]interface{}{
			"_to":   intent.Destination,
			"_data": adapter.HexBytes(data),
		}
		if len(intent.Rollback) > 0 {
			callParams["_rollback"] = adapter.HexBytes(intent.Rollback)
		}
		tx["to"] = a.cfg.XCallAddress
		tx["value"] = adapter.HexUint(fee)
		tx["data"] = map[string]interface{}{"method": "sendCallMessage", "params": callParams}
	case adapter.IsNativeToken(intent.Token):
		tx["to"] = a.cfg.AssetManagerAddress
		tx["value"] = adapter.HexUint(fee.Add(fee, intent.Amount))
		tx["data"] = map[string]interface{}{"method": "deposit", "params": map[string]interface{}{
			"_to":   intent.Destination,
			"_data": adapter.HexBytes(data),
		}}
	default:
		// IRC2 tokens are deposited with a transfer to the asset manager
		depositData, err := json.Marshal(map[string]interface{}{
			"method": "_deposit",
			"params": map[string]string{"address": intent.Destination, "data": adapter.HexBytes(data)},
		})
		if err != nil {
			return nil, err
		}
		tx["to"] = intent.Token
		tx["value"] = adapter.HexUint(fee)
		tx["data"] = map[string]interface{}{"method": "transfer", "params": map[string]interface{}{
			"_to":    a.cfg.AssetManagerAddress,
			"_value": adapter.HexUint(intent.Amount),
			"_data":  adapter.HexBytes(depositData),
		}}
	}
	return tx, nil
}
