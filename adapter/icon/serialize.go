package icon

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/sha3"
)

const sendTxPrefix = "icx_sendTransaction"

var escaper = strings.NewReplacer(
	`\`, `\\`,
	`.`, `\.`,
	`{`, `\{`,
	`}`, `\}`,
	`[`, `\[`,
	`]`, `\]`,
)

// serializeTx returns the bytes hashed to sign a transaction
func serializeTx(params map[string]interface{}) ([]byte, error) {
	body, err := serializeMap(params)
	if err != nil {
		return nil, err
	}
	// the top level object is written without braces
	return []byte(sendTxPrefix + "." + body[1:len(body)-1]), nil
}

func serializeValue(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return `\0`, nil
	case string:
		return escaper.Replace(t), nil
	case map[string]interface{}:
		return serializeMap(t)
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			s, err := serializeValue(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return "[" + strings.Join(parts, ".") + "]", nil
	default:
		return "", fmt.Errorf("unsupported value %T in transaction", v)
	}
}

func serializeMap(m map[string]interface{}) (string, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, 2*len(keys)) //nolint:mnd
	for _, k := range keys {
		s, err := serializeValue(m[k])
		if err != nil {
			return "", err
		}
		parts = append(parts, k, s)
	}
	return "{" + strings.Join(parts, ".") + "}", nil
}

func sha3Sum(b []byte) []byte {
	sum := sha3.Sum256(b)
	return sum[:]
}
