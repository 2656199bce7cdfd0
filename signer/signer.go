package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Scheme is the signature scheme of a key
type Scheme string

const (
	SchemeSecp256k1 Scheme = "secp256k1"
	SchemeEd25519   Scheme = "ed25519"
	// SchemeKeystore loads a secp256k1 key from an encrypted go-ethereum keystore file
	SchemeKeystore Scheme = "keystore"

	suiEd25519Flag = 0x00
)

var (
	// ErrRejected is returned by signers that refuse to sign
	ErrRejected = errors.New("signature rejected")
	ErrNoKey    = errors.New("no signing key configured")
)

// Config of a chain signer
type Config struct {
	// Scheme is one of secp256k1, ed25519 or keystore. Empty disables signing.
	Scheme Scheme `mapstructure:"Scheme" jsonschema:"enum=,enum=secp256k1,enum=ed25519,enum=keystore"`
	// PrivateKey hex encoded, used by secp256k1 and ed25519 (32 byte seed)
	PrivateKey string `mapstructure:"PrivateKey"`
	// Path and Password of the keystore file
	Path     string `mapstructure:"Path"`
	Password string `mapstructure:"Password"`
	// Address overrides the address derived from the public key (bech32 accounts)
	Address string `mapstructure:"Address"`
}

// Signer signs transaction digests for one chain
type Signer interface {
	Scheme() Scheme
	PublicKey() []byte
	Sign(ctx context.Context, digest []byte) ([]byte, error)
}

// New builds the signer described by cfg. It returns ErrNoKey when signing is disabled.
func New(cfg Config) (Signer, error) {
	switch cfg.Scheme {
	case "":
		return nil, ErrNoKey
	case SchemeSecp256k1:
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid secp256k1 key: %w", err)
		}
		return NewSecp256k1(key), nil
	case SchemeKeystore:
		data, err := os.ReadFile(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("error reading keystore %s: %w", cfg.Path, err)
		}
		key, err := keystore.DecryptKey(data, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("error decrypting keystore %s: %w", cfg.Path, err)
		}
		return NewSecp256k1(key.PrivateKey), nil
	case SchemeEd25519:
		seed, err := hex.DecodeString(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid ed25519 seed: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("invalid ed25519 seed length %d", len(seed))
		}
		return NewEd25519(ed25519.NewKeyFromSeed(seed)), nil
	default:
		return nil, fmt.Errorf("unknown signer scheme %q", cfg.Scheme)
	}
}

// Secp256k1 signs with a local ecdsa key. Signatures are 65 bytes [R || S || V], V in {0, 1}.
type Secp256k1 struct {
	key *ecdsa.PrivateKey
}

func NewSecp256k1(key *ecdsa.PrivateKey) *Secp256k1 {
	return &Secp256k1{key: key}
}

func (s *Secp256k1) Scheme() Scheme { return SchemeSecp256k1 }

// PublicKey returns the 65 byte uncompressed public key
func (s *Secp256k1) PublicKey() []byte {
	return crypto.FromECDSAPub(&s.key.PublicKey)
}

func (s *Secp256k1) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return crypto.Sign(digest, s.key)
}

// Ed25519 signs with a local ed25519 key
type Ed25519 struct {
	key ed25519.PrivateKey
}

func NewEd25519(key ed25519.PrivateKey) *Ed25519 {
	return &Ed25519{key: key}
}

func (s *Ed25519) Scheme() Scheme { return SchemeEd25519 }

func (s *Ed25519) PublicKey() []byte {
	pub, _ := s.key.Public().(ed25519.PublicKey)
	return pub
}

func (s *Ed25519) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ed25519.Sign(s.key, digest), nil
}

// EVMAddress derives the account address of a secp256k1 public key
func EVMAddress(pub []byte) (common.Address, error) {
	key, err := crypto.UnmarshalPubkey(pub)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*key), nil
}

// ICONAddress derives the "hx" address: last 20 bytes of sha3-256 over the raw public key
func ICONAddress(pub []byte) (string, error) {
	if len(pub) != 65 || pub[0] != 0x04 { //nolint:mnd
		return "", errors.New("icon address needs an uncompressed secp256k1 public key")
	}
	sum := sha3.Sum256(pub[1:])
	return "hx" + hex.EncodeToString(sum[12:]), nil
}

// SuiAddress derives the address of an ed25519 key: blake2b-256(flag || pubkey)
func SuiAddress(pub []byte) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", errors.New("sui address needs an ed25519 public key")
	}
	sum := blake2b.Sum256(append([]byte{suiEd25519Flag}, pub...))
	return "0x" + hex.EncodeToString(sum[:]), nil
}
