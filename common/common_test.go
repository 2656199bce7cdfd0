package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseComponents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    []string
		expected []string
		err      string
	}{
		{
			name:     "repeated flag",
			input:    []string{"scanner", "rpc"},
			expected: []string{SCANNER, RPC},
		},
		{
			name:     "comma separated with spaces and duplicates",
			input:    []string{"Scanner, retention", "rpc,scanner"},
			expected: []string{SCANNER, RETENTION, RPC},
		},
		{
			name:     "empty",
			input:    nil,
			expected: []string{},
		},
		{
			name:  "unknown",
			input: []string{"aggregator"},
			err:   `unknown component "aggregator"`,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseComponents(tt.input)
			if tt.err != "" {
				require.ErrorContains(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}

func TestIsNeeded(t *testing.T) {
	require.True(t, IsNeeded([]string{SCANNER, RPC}, []string{NOTIFIER, RPC}))
	require.False(t, IsNeeded([]string{SCANNER}, []string{RPC}))
	require.False(t, IsNeeded([]string{SCANNER}, nil))
}
