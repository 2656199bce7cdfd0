package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/xcall-tracker/xtracker/adapter"
	"github.com/xcall-tracker/xtracker/adapter/cosmos"
	"github.com/xcall-tracker/xtracker/adapter/evm"
	"github.com/xcall-tracker/xtracker/adapter/icon"
	"github.com/xcall-tracker/xtracker/adapter/stellar"
	"github.com/xcall-tracker/xtracker/adapter/sui"
	"github.com/xcall-tracker/xtracker/common"
	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/signer"
	"github.com/xcall-tracker/xtracker/sync"
)

var (
	ErrUnknownChain = errors.New("unknown chain")
	ErrNoHub        = errors.New("exactly one hub chain must be configured")
)

// Registry holds the adapter of every configured chain. It is built once at startup
// and read only afterwards.
type Registry struct {
	chains   map[string]adapter.ChainConfig
	adapters map[string]adapter.Adapter
	byNID    map[string]string
	hub      string
}

// New resolves the adapter of every chain from its family
func New(ctx context.Context, chains []adapter.ChainConfig, rh *sync.RetryHandler) (*Registry, error) {
	r := &Registry{
		chains:   make(map[string]adapter.ChainConfig, len(chains)),
		adapters: make(map[string]adapter.Adapter, len(chains)),
		byNID:    make(map[string]string, len(chains)),
	}
	for _, cfg := range chains {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.chains[cfg.ID]; dup {
			return nil, fmt.Errorf("chain %s configured twice", cfg.ID)
		}
		if cfg.Hub {
			if r.hub != "" {
				return nil, fmt.Errorf("%w: %s and %s", ErrNoHub, r.hub, cfg.ID)
			}
			r.hub = cfg.ID
		}
		a, err := build(ctx, cfg, rh)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", cfg.ID, err)
		}
		r.chains[cfg.ID] = cfg
		r.adapters[cfg.ID] = a
		r.byNID[cfg.NetworkID] = cfg.ID
	}
	if r.hub == "" {
		return nil, ErrNoHub
	}
	return r, nil
}

// NewFromAdapters builds a registry on top of already constructed adapters
func NewFromAdapters(chains []adapter.ChainConfig, adapters map[string]adapter.Adapter) (*Registry, error) {
	r := &Registry{
		chains:   make(map[string]adapter.ChainConfig, len(chains)),
		adapters: adapters,
		byNID:    make(map[string]string, len(chains)),
	}
	for _, cfg := range chains {
		if _, ok := adapters[cfg.ID]; !ok {
			return nil, fmt.Errorf("%w: no adapter for %s", ErrUnknownChain, cfg.ID)
		}
		if cfg.Hub {
			if r.hub != "" {
				return nil, fmt.Errorf("%w: %s and %s", ErrNoHub, r.hub, cfg.ID)
			}
			r.hub = cfg.ID
		}
		r.chains[cfg.ID] = cfg
		r.byNID[cfg.NetworkID] = cfg.ID
	}
	if r.hub == "" {
		return nil, ErrNoHub
	}
	return r, nil
}

func build(ctx context.Context, cfg adapter.ChainConfig, rh *sync.RetryHandler) (adapter.Adapter, error) {
	logger := log.WithFields("module", common.REGISTRY, "chain", cfg.ID, "family", string(cfg.Family))
	sig, err := signer.New(cfg.Signer)
	if err != nil && !errors.Is(err, signer.ErrNoKey) {
		return nil, err
	}
	switch cfg.Family {
	case adapter.FamilyEVM:
		return evm.Dial(ctx, cfg, sig, rh, logger)
	case adapter.FamilyICON:
		return icon.New(cfg, sig, rh, logger), nil
	case adapter.FamilyCosmos:
		return cosmos.New(cfg, sig, rh, logger), nil
	case adapter.FamilySui:
		return sui.New(cfg, sig, rh, logger), nil
	case adapter.FamilyStellar:
		if sig != nil {
			logger.Warn("stellar chains are read only, the configured signer is ignored")
		}
		return stellar.New(cfg, rh, logger), nil
	default:
		return nil, fmt.Errorf("unsupported chain family %q", cfg.Family)
	}
}

// Adapter returns the adapter of a chain
func (r *Registry) Adapter(chainID string) (adapter.Adapter, error) {
	a, ok := r.adapters[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chainID)
	}
	return a, nil
}

// Chain returns the static configuration of a chain
func (r *Registry) Chain(chainID string) (adapter.ChainConfig, error) {
	c, ok := r.chains[chainID]
	if !ok {
		return adapter.ChainConfig{}, fmt.Errorf("%w: %s", ErrUnknownChain, chainID)
	}
	return c, nil
}

// ChainByNetworkID resolves an xcall network id to the chain id
func (r *Registry) ChainByNetworkID(nid string) (string, bool) {
	id, ok := r.byNID[nid]
	return id, ok
}

// Hub returns the id of the hub chain
func (r *Registry) Hub() string {
	return r.hub
}

// ChainIDs returns every configured chain id, sorted
func (r *Registry) ChainIDs() []string {
	ids := make([]string, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
