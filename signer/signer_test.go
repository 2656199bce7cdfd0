package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSecp256k1Signer(t *testing.T) {
	s, err := New(Config{Scheme: SchemeSecp256k1, PrivateKey: "0x" + testKey})
	require.NoError(t, err)
	require.Equal(t, SchemeSecp256k1, s.Scheme())

	digest := crypto.Keccak256([]byte("payload"))
	sig, err := s.Sign(context.Background(), digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	recovered, err := crypto.Ecrecover(digest, sig)
	require.NoError(t, err)
	require.Equal(t, s.PublicKey(), recovered)

	addr, err := EVMAddress(s.PublicKey())
	require.NoError(t, err)
	require.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", addr.Hex())

	iconAddr, err := ICONAddress(s.PublicKey())
	require.NoError(t, err)
	require.Len(t, iconAddr, 42)
	require.Equal(t, "hx", iconAddr[:2])
}

func TestSignHonoursCancelledContext(t *testing.T) {
	s, err := New(Config{Scheme: SchemeSecp256k1, PrivateKey: testKey})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Sign(ctx, make([]byte, 32))
	require.ErrorIs(t, err, context.Canceled)
}

func TestEd25519Signer(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	seed[0] = 1
	s, err := New(Config{Scheme: SchemeEd25519, PrivateKey: hex.EncodeToString(seed)})
	require.NoError(t, err)

	sig, err := s.Sign(context.Background(), []byte("digest"))
	require.NoError(t, err)
	require.True(t, ed25519.Verify(s.PublicKey(), []byte("digest"), sig))

	addr, err := SuiAddress(s.PublicKey())
	require.NoError(t, err)
	require.Len(t, addr, 66)

	_, err = New(Config{Scheme: SchemeEd25519, PrivateKey: "abcd"})
	require.Error(t, err)
}

func TestKeystoreSigner(t *testing.T) {
	key, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	id, err := uuid.NewRandom()
	require.NoError(t, err)
	data, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}, "secret", keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)

	file := path.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(file, data, 0600))

	s, err := New(Config{Scheme: SchemeKeystore, Path: file, Password: "secret"})
	require.NoError(t, err)
	addr, err := EVMAddress(s.PublicKey())
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), addr)

	_, err = New(Config{Scheme: SchemeKeystore, Path: file, Password: "wrong"})
	require.Error(t, err)
}

func TestNoSigner(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNoKey)
	_, err = New(Config{Scheme: "rsa"})
	require.Error(t, err)
}
