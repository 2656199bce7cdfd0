package stellar

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/tidwall/gjson"
	"github.com/xcall-tracker/xtracker/adapter"
	"github.com/xcall-tracker/xtracker/xcall"
)

// scString renders the JSON form of an ScVal holding a textual value
func scString(v gjson.Result) (string, bool) {
	for _, key := range []string{"symbol", "string", "address", "str"} {
		if r := v.Get(key); r.Exists() {
			return r.String(), true
		}
	}
	if v.Type == gjson.String {
		return v.String(), true
	}
	return "", false
}

// scInt parses the JSON form of an integer ScVal. 128 bit values may be a decimal string
// or a {hi, lo} pair.
func scInt(v gjson.Result, field string) (*big.Int, error) {
	for _, key := range []string{"u128", "i128", "u64", "i64", "u32", "i32", "u256", "i256"} {
		r := v.Get(key)
		if !r.Exists() {
			continue
		}
		if r.IsObject() {
			return hiLo(r, field)
		}
		if r.Type == gjson.Number {
			return adapter.ParseBigInt(field, r.Raw)
		}
		return adapter.ParseBigInt(field, r.String())
	}
	if v.Type == gjson.Number {
		return adapter.ParseBigInt(field, v.Raw)
	}
	if v.Type == gjson.String {
		return adapter.ParseBigInt(field, v.String())
	}
	return nil, fmt.Errorf("%w: %s", xcall.ErrMissingField, field)
}

func hiLo(r gjson.Result, field string) (*big.Int, error) {
	hi, lo := r.Get("hi"), r.Get("lo")
	if !hi.Exists() || !lo.Exists() {
		return nil, fmt.Errorf("%w: %s", xcall.ErrMissingField, field)
	}
	hiN, err := adapter.ParseBigInt(field, hi.String())
	if err != nil {
		return nil, err
	}
	loN, err := adapter.ParseBigInt(field, lo.String())
	if err != nil {
		return nil, err
	}
	return new(big.Int).Add(new(big.Int).Lsh(hiN, 64), loN), nil //nolint:mnd
}

// scBytes decodes a bytes ScVal rendered in hex or base64
func scBytes(v gjson.Result) ([]byte, error) {
	r := v.Get("bytes")
	if !r.Exists() {
		return nil, nil
	}
	s := r.String()
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// scMap flattens a map ScVal keyed by symbols
func scMap(v gjson.Result) map[string]gjson.Result {
	out := make(map[string]gjson.Result)
	for _, entry := range v.Get("map").Array() {
		if k, ok := scString(entry.Get("key")); ok {
			out[k] = entry.Get("val")
		}
	}
	return out
}
