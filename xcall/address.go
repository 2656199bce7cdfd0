package xcall

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidNetworkAddress = errors.New("invalid network address")

// NetworkAddress joins a network id and an address as "<nid>/<address>"
func NetworkAddress(nid, address string) string {
	return nid + "/" + address
}

// ParseNetworkAddress splits "<nid>/<address>". The address part may not contain a slash.
func ParseNetworkAddress(s string) (nid, address string, err error) {
	idx := strings.LastIndex(s, "/")
	if idx <= 0 || idx == len(s)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidNetworkAddress, s)
	}
	return s[:idx], s[idx+1:], nil
}

// NormalizeHash lowercases hex encoded hashes (with or without 0x) and leaves any other
// encoding (base58 digests) untouched, so that identities built from hashes are stable.
func NormalizeHash(hash string) string {
	h := strings.TrimSpace(hash)
	body := strings.TrimPrefix(strings.TrimPrefix(h, "0x"), "0X")
	if body == "" {
		return h
	}
	for _, r := range body {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return h
		}
	}
	return strings.ToLower(h)
}

// EntityID builds the identity shared by transactions and messages
func EntityID(chainID, txHash string) string {
	return chainID + ":" + NormalizeHash(txHash)
}
