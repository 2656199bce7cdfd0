package adapter

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xcall-tracker/xtracker/xcall"
)

func TestParseBigInt(t *testing.T) {
	tests := []struct {
		in       string
		expected int64
		valid    bool
	}{
		{"42", 42, true},
		{"010", 10, true},
		{"0x2a", 42, true},
		{"0X2A", 42, true},
		{"-1", -1, true},
		{"-0x1", -1, true},
		{" 7 ", 7, true},
		{"0o17", 0, false},
		{"0b101", 0, false},
		{"1_000", 0, false},
		{"0x", 0, false},
		{"--1", 0, false},
		{"-+1", 0, false},
		{"12ab", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			n, err := ParseBigInt("_sn", tt.in)
			if !tt.valid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, big.NewInt(tt.expected), n)
		})
	}

	_, err := ParseBigInt("_sn", "  ")
	require.ErrorIs(t, err, xcall.ErrMissingField)
}
