package adapter

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/xcall-tracker/xtracker/config/types"
	"github.com/xcall-tracker/xtracker/signer"
)

// Family is the closed set of supported chain families
type Family string

const (
	FamilyEVM     Family = "evm"
	FamilyICON    Family = "icon"
	FamilyCosmos  Family = "cosmos"
	FamilySui     Family = "sui"
	FamilyStellar Family = "stellar"
)

// Families lists every supported family
var Families = []Family{FamilyEVM, FamilyICON, FamilyCosmos, FamilySui, FamilyStellar}

// UnmarshalText accepts the family name in any case
func (f *Family) UnmarshalText(data []byte) error {
	candidate := Family(strings.ToLower(strings.TrimSpace(string(data))))
	for _, known := range Families {
		if known == candidate {
			*f = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown chain family %q", string(data))
}

// ChainConfig is the static registry entry of a chain
type ChainConfig struct {
	// ID is the internal chain identifier ("avalanche", "icon", ...)
	ID string `mapstructure:"ID"`
	// Family selects the adapter implementation
	Family Family `mapstructure:"Family" jsonschema:"enum=evm,enum=icon,enum=cosmos,enum=sui,enum=stellar"`
	// NetworkID is the xcall network id ("0xa86a.avax", "0x1.icon")
	NetworkID string `mapstructure:"NetworkID"`
	// NativeChainID is the chain id used when signing (EVM chain id, cosmos chain-id, icon nid)
	NativeChainID string `mapstructure:"NativeChainID"`
	// Hub marks the chain relaying spoke to spoke transfers. Exactly one chain must be the hub.
	Hub bool `mapstructure:"Hub"`
	// FeeToken is the denomination used to pay protocol fees
	FeeToken string `mapstructure:"FeeToken"`
	// ConfirmationLag is the number of heights kept out of the scan window
	ConfirmationLag uint64 `mapstructure:"ConfirmationLag"`
	// XCallAddress is the xcall contract (package on sui)
	XCallAddress string `mapstructure:"XCallAddress"`
	// ConnectionAddresses are extra xcall compatible emitters watched on the chain
	ConnectionAddresses []string `mapstructure:"ConnectionAddresses"`
	// AssetManagerAddress receives token deposits and bridges, optional
	AssetManagerAddress string `mapstructure:"AssetManagerAddress"`
	// RPCURL is the node endpoint
	RPCURL string `mapstructure:"RPCURL"`
	// IndexerURL is the indexer (icon tracker) or REST endpoint (cosmos lcd)
	IndexerURL string `mapstructure:"IndexerURL"`
	// RequestsPerSecond limits calls to the chain endpoints, 0 means unlimited
	RequestsPerSecond float64 `mapstructure:"RequestsPerSecond"`
	// RequestTimeout bounds every remote call
	RequestTimeout types.Duration `mapstructure:"RequestTimeout"`
	// GasLimit overrides gas estimation (step limit on icon, gas budget on sui)
	GasLimit uint64 `mapstructure:"GasLimit"`
	// GasPrice is used by families without a fee market (cosmos), in FeeToken units
	GasPrice string `mapstructure:"GasPrice"`
	// ProtocolFees is a static fee schedule keyed by destination network id, used when
	// the chain cannot be queried for it
	ProtocolFees map[string]string `mapstructure:"ProtocolFees"`
	// Options holds family specific identifiers (sui storage object, module, ...)
	Options map[string]string `mapstructure:"Options"`
	// SyncBlockChunkSize overrides the scanner window for this chain
	SyncBlockChunkSize uint64 `mapstructure:"SyncBlockChunkSize"`
	// SyncInterval overrides the scanner period for this chain
	SyncInterval types.Duration `mapstructure:"SyncInterval"`
	// Signer used by the write adapter, optional
	Signer signer.Config `mapstructure:"Signer"`
}

// Emitters returns the contracts whose events are tracked
func (c ChainConfig) Emitters() []string {
	out := make([]string, 0, 1+len(c.ConnectionAddresses))
	if c.XCallAddress != "" {
		out = append(out, c.XCallAddress)
	}
	return append(out, c.ConnectionAddresses...)
}

// IsEmitter reports whether addr is one of the tracked contracts
func (c ChainConfig) IsEmitter(addr string) bool {
	for _, e := range c.Emitters() {
		if strings.EqualFold(e, addr) {
			return true
		}
	}
	return false
}

// StaticFee looks up the configured protocol fee for a destination network
func (c ChainConfig) StaticFee(destinationNID string) (*big.Int, bool) {
	raw, ok := c.ProtocolFees[destinationNID]
	if !ok {
		// viper lowercases map keys
		raw, ok = c.ProtocolFees[strings.ToLower(destinationNID)]
	}
	if !ok {
		return nil, false
	}
	fee, ok := new(big.Int).SetString(raw, 0)
	return fee, ok
}

// Option returns a family specific option or the default value
func (c ChainConfig) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	if v, ok := c.Options[strings.ToLower(key)]; ok && v != "" {
		return v
	}
	return def
}

// Validate checks the fields every family needs
func (c ChainConfig) Validate() error {
	switch {
	case c.ID == "":
		return fmt.Errorf("chain without ID")
	case c.NetworkID == "":
		return fmt.Errorf("chain %s: NetworkID is required", c.ID)
	case c.RPCURL == "":
		return fmt.Errorf("chain %s: RPCURL is required", c.ID)
	case c.XCallAddress == "":
		return fmt.Errorf("chain %s: XCallAddress is required", c.ID)
	}
	if c.Family == FamilyICON && c.IndexerURL == "" {
		return fmt.Errorf("chain %s: IndexerURL is required for icon chains", c.ID)
	}
	if c.Family == FamilyCosmos && c.IndexerURL == "" {
		return fmt.Errorf("chain %s: IndexerURL (lcd endpoint) is required for cosmos chains", c.ID)
	}
	return nil
}
