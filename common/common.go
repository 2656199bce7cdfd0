package common

import (
	"fmt"
	"strings"
)

// Components lists every component that can be selected with --components
var Components = []string{SCANNER, ORCHESTRATOR, RPC, NOTIFIER, RETENTION}

// ParseComponents normalizes the selected components. Flags may repeat or join them with ",".
func ParseComponents(selected []string) ([]string, error) {
	out := make([]string, 0, len(selected))
	for _, entry := range selected {
		for _, name := range strings.Split(entry, ",") {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" || contains(out, name) {
				continue
			}
			if !contains(Components, name) {
				return nil, fmt.Errorf("unknown component %q, expected one of %v", name, Components)
			}
			out = append(out, name)
		}
	}
	return out, nil
}

// IsNeeded reports whether any of the components needing a service was selected
func IsNeeded(casesWhereNeeded, actualCases []string) bool {
	for _, actualCase := range actualCases {
		if contains(casesWhereNeeded, actualCase) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
