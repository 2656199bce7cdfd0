package adapter

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/xcall-tracker/xtracker/xcall"
)

// NativeToken designates the gas token of the source chain in an intent
const NativeToken = "native"

var zeroAddresses = map[string]bool{
	"0x0000000000000000000000000000000000000000": true,
	"cx0000000000000000000000000000000000000000": true,
	"hx0000000000000000000000000000000000000000": true,
}

// IsNativeToken reports whether token designates the chain native asset
func IsNativeToken(token string) bool {
	t := strings.ToLower(strings.TrimSpace(token))
	return t == NativeToken || zeroAddresses[t]
}

// UsesAssetManager reports whether the intent moves tokens through the asset manager
// of the chain instead of calling xcall directly
func UsesAssetManager(cfg ChainConfig, intent xcall.TransactionIntent) bool {
	if cfg.AssetManagerAddress == "" || intent.Token == "" {
		return false
	}
	return intent.Amount != nil && intent.Amount.Sign() > 0
}

// CallData returns the explicit data of the intent or the encoded call payload
func CallData(intent xcall.TransactionIntent) ([]byte, error) {
	if len(intent.Data) > 0 {
		return intent.Data, nil
	}
	return xcall.EncodePayloadRLP(intent)
}

// DestinationNID returns the network id of the intent destination
func DestinationNID(intent xcall.TransactionIntent) (string, error) {
	nid, _, err := xcall.ParseNetworkAddress(intent.Destination)
	if err != nil {
		return "", fmt.Errorf("%w: %w", xcall.ErrInvalidIntent, err)
	}
	return nid, nil
}

// StaticFeeFor returns the configured fee for the intent destination
func StaticFeeFor(cfg ChainConfig, intent xcall.TransactionIntent) (*big.Int, error) {
	nid, err := DestinationNID(intent)
	if err != nil {
		return nil, err
	}
	fee, ok := cfg.StaticFee(nid)
	if !ok {
		return nil, fmt.Errorf("%w: no protocol fee configured on %s for %s", ErrNetwork, cfg.ID, nid)
	}
	return fee, nil
}
