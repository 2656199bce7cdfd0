package cosmos

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tidwall/gjson"
	"github.com/xcall-tracker/xtracker/adapter"
	"github.com/xcall-tracker/xtracker/xcall"
)

const (
	defaultGasLimit = 500_000
	signatureSize   = 64
	pubKeyType      = "tendermint/PubKeySecp256k1"
	msgExecuteType  = "wasm/MsgExecuteContract"
)

type account struct {
	number   string
	sequence string
}

// Submit signs a legacy amino MsgExecuteContract and broadcasts it in sync mode
func (a *Adapter) Submit(ctx context.Context, intent xcall.TransactionIntent) (string, error) {
	if a.signer == nil {
		return "", adapter.ErrNoSigner
	}
	sender := a.cfg.Signer.Address
	if sender == "" {
		return "", fmt.Errorf("%w: cosmos signer needs an Address", adapter.ErrNoSigner)
	}
	msg, err := a.buildMsg(intent, sender)
	if err != nil {
		return "", err
	}
	acc, err := a.account(ctx, sender)
	if err != nil {
		return "", fmt.Errorf("%w: %w", adapter.ErrNetwork, err)
	}
	fee, err := a.txFee()
	if err != nil {
		return "", err
	}
	signDoc, err := json.Marshal(map[string]interface{}{
		"account_number": acc.number,
		"chain_id":       a.cfg.NativeChainID,
		"fee":            fee,
		"memo":           "",
		"msgs":           []interface{}{msg},
		"sequence":       acc.sequence,
	})
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(signDoc)
	sig, err := a.signer.Sign(ctx, digest[:])
	if err != nil {
		return "", fmt.Errorf("%w: %w", adapter.ErrUserRejected, err)
	}
	if len(sig) < signatureSize {
		return "", fmt.Errorf("%w: short signature", adapter.ErrUserRejected)
	}
	pub, err := compressedPubKey(a.signer.PublicKey())
	if err != nil {
		return "", err
	}

	body, err := a.lcd.Post(ctx, a.lcdURL("/txs"), map[string]interface{}{
		"tx": map[string]interface{}{
			"msg":  []interface{}{msg},
			"fee":  fee,
			"memo": "",
			"signatures": []interface{}{map[string]interface{}{
				"pub_key":   map[string]string{"type": pubKeyType, "value": base64.StdEncoding.EncodeToString(pub)},
				"signature": base64.StdEncoding.EncodeToString(sig[:signatureSize]),
			}},
		},
		"mode": "sync",
	})
	if err != nil {
		return "", adapter.ClassifySubmitError(err)
	}
	res := gjson.ParseBytes(body)
	if code := res.Get("code").Int(); code != 0 {
		return "", adapter.ClassifySubmitError(fmt.Errorf("broadcast failed with code %d: %s", code,
			res.Get("raw_log").String()))
	}
	hash := res.Get("txhash").String()
	if hash == "" {
		return "", fmt.Errorf("%w: broadcast response without txhash", adapter.ErrNetwork)
	}
	a.log.Infof("submitted %s intent on %s: %s", intent.Type, a.cfg.ID, hash)
	return hash, nil
}

// EstimateFee runs the get_fee smart query on the xcall contract
func (a *Adapter) EstimateFee(ctx context.Context, intent xcall.TransactionIntent) (*big.Int, error) {
	nid, err := adapter.DestinationNID(intent)
	if err != nil {
		return nil, err
	}
	query, err := json.Marshal(map[string]interface{}{
		"get_fee": map[string]interface{}{"nid": nid, "rollback": len(intent.Rollback) > 0},
	})
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/cosmwasm/wasm/v1/contract/%s/smart/%s", a.cfg.XCallAddress,
		base64.StdEncoding.EncodeToString(query))
	body, err := a.lcd.Get(ctx, a.lcdURL(path), nil)
	if err != nil {
		if fee, errStatic := adapter.StaticFeeFor(a.cfg, intent); errStatic == nil {
			a.log.Warnf("get_fee failed on %s, using configured fee: %v", a.cfg.ID, err)
			return fee, nil
		}
		return nil, fmt.Errorf("%w: get_fee: %w", adapter.ErrNetwork, err)
	}
	return adapter.BigIntField(gjson.ParseBytes(body), "data")
}

func (a *Adapter) buildMsg(intent xcall.TransactionIntent, sender string) (map[string]interface{}, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	data, err := adapter.CallData(intent)
	if err != nil {
		return nil, err
	}
	fee := intent.Fee()
	var (
		contract string
		execute  map[string]interface{}
		funds    []map[string]string
	)
	switch {
	case !adapter.UsesAssetManager(a.cfg, intent):
		call := map[string]interface{}{"to": intent.Destination, "data": byteList(data)}
		if len(intent.Rollback) > 0 {
			call["rollback"] = byteList(intent.Rollback)
		}
		contract = a.cfg.XCallAddress
		execute = map[string]interface{}{"send_call_message": call}
		funds = coins(a.cfg.FeeToken, fee)
	case a.isDenom(intent.Token, sender):
		denom := intent.Token
		if adapter.IsNativeToken(denom) {
			denom = a.cfg.FeeToken
		}
		contract = a.cfg.AssetManagerAddress
		execute = map[string]interface{}{"deposit_denom": map[string]interface{}{
			"denom": denom, "to": intent.Destination, "data": byteList(data),
		}}
		if denom == a.cfg.FeeToken {
			funds = coins(denom, fee.Add(fee, intent.Amount))
		} else {
			funds = append(coins(denom, intent.Amount), coins(a.cfg.FeeToken, fee)...)
		}
	default:
		// cw20 tokens are sent to the asset manager with the deposit message attached
		hook, err := json.Marshal(map[string]interface{}{"deposit": map[string]interface{}{
			"to": intent.Destination, "data": byteList(data),
		}})
		if err != nil {
			return nil, err
		}
		contract = intent.Token
		execute = map[string]interface{}{"send": map[string]interface{}{
			"contract": a.cfg.AssetManagerAddress,
			"amount":   intent.Amount.String(),
			"msg":      base64.StdEncoding.EncodeToString(hook),
		}}
		funds = coins(a.cfg.FeeToken, fee)
	}
	if funds == nil {
		funds = []map[string]string{}
	}
	return map[string]interface{}{
		"type": msgExecuteType,
		"value": map[string]interface{}{
			"sender":   sender,
			"contract": contract,
			"msg":      execute,
			"funds":    funds,
		},
	}, nil
}

// isDenom tells bank denominations apart from cw20 contracts, which share the bech32
// prefix of the chain accounts
func (a *Adapter) isDenom(token, sender string) bool {
	if adapter.IsNativeToken(token) {
		return true
	}
	prefix := sender
	if i := strings.LastIndexByte(sender, '1'); i > 0 {
		prefix = sender[:i+1]
	}
	return !strings.HasPrefix(token, prefix)
}

func (a *Adapter) txFee() (map[string]interface{}, error) {
	gas := a.cfg.GasLimit
	if gas == 0 {
		gas = defaultGasLimit
	}
	amount := new(big.Int)
	if a.cfg.GasPrice != "" {
		price, ok := new(big.Rat).SetString(a.cfg.GasPrice)
		if !ok {
			return nil, fmt.Errorf("invalid GasPrice %q on %s", a.cfg.GasPrice, a.cfg.ID)
		}
		total := new(big.Rat).Mul(price, new(big.Rat).SetInt64(int64(gas)))
		// round up
		amount.Add(amount, new(big.Int).Quo(
			new(big.Int).Sub(new(big.Int).Add(total.Num(), total.Denom()), big.NewInt(1)), total.Denom()))
	}
	feeCoins := coins(a.cfg.FeeToken, amount)
	if feeCoins == nil {
		feeCoins = []map[string]string{}
	}
	return map[string]interface{}{
		"amount": feeCoins,
		"gas":    fmt.Sprintf("%d", gas),
	}, nil
}

func (a *Adapter) account(ctx context.Context, address string) (account, error) {
	body, err := a.lcd.Get(ctx, a.lcdURL("/cosmos/auth/v1beta1/accounts/"+address), nil)
	if err != nil {
		return account{}, err
	}
	acc := gjson.GetBytes(body, "account")
	// vesting and module accounts nest the base account
	if base := acc.Get("base_account"); base.Exists() {
		acc = base
	}
	number := acc.Get("account_number")
	if !number.Exists() {
		return account{}, fmt.Errorf("account %s not found", address)
	}
	seq := acc.Get("sequence").String()
	if seq == "" {
		seq = "0"
	}
	return account{number: number.String(), sequence: seq}, nil
}

func coins(denom string, amount *big.Int) []map[string]string {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	return []map[string]string{{"amount": amount.String(), "denom": denom}}
}

// byteList renders bytes the way cosmwasm Vec<u8> fields are decoded
func byteList(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

func compressedPubKey(pub []byte) ([]byte, error) {
	key, err := crypto.UnmarshalPubkey(pub)
	if err != nil {
		return nil, err
	}
	return crypto.CompressPubkey(key), nil
}
