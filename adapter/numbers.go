package adapter

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/xcall-tracker/xtracker/xcall"
)

// ParseBigInt parses a decimal or 0x prefixed hex integer, optionally negative. An
// empty value is an error, never zero.
func ParseBigInt(field, s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: %s", xcall.ErrMissingField, field)
	}
	digits, negative := strings.CutPrefix(s, "-")
	base := 10
	if hexDigits, ok := cutHexPrefix(digits); ok {
		digits, base = hexDigits, 16
	}
	n, ok := new(big.Int).SetString(digits, base)
	if !ok || strings.HasPrefix(digits, "+") || strings.HasPrefix(digits, "-") {
		return nil, fmt.Errorf("invalid integer %q in %s", s, field)
	}
	if negative {
		n.Neg(n)
	}
	return n, nil
}

func cutHexPrefix(s string) (string, bool) {
	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		return rest, true
	}
	return strings.CutPrefix(s, "0X")
}

// BigIntField reads an integer from a gjson value holding a string or a number
func BigIntField(r gjson.Result, field string) (*big.Int, error) {
	v := r.Get(field)
	if !v.Exists() || v.Type == gjson.Null {
		return nil, fmt.Errorf("%w: %s", xcall.ErrMissingField, field)
	}
	if v.Type == gjson.Number {
		return ParseBigInt(field, v.Raw)
	}
	return ParseBigInt(field, v.String())
}

// ResultCode converts a protocol result code to int32
func ResultCode(n *big.Int) (int32, error) {
	if !n.IsInt64() || n.Int64() < math.MinInt32 || n.Int64() > math.MaxInt32 {
		return 0, fmt.Errorf("result code %s out of range", n)
	}
	return int32(n.Int64()), nil
}

// DecodeHexBytes decodes an optionally 0x prefixed hex string
func DecodeHexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

// HexBytes encodes b as a 0x prefixed hex string
func HexBytes(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// HexUint encodes n as a 0x prefixed hex quantity
func HexUint(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16) //nolint:mnd
}
