package config

import (
	"slices"
	"strings"
)

// RetryBackoffMode selects how the delay between clone and fetch attempts grows.
type RetryBackoffMode string

const (
	RetryBackoffFixed       RetryBackoffMode = "fixed"
	RetryBackoffLinear      RetryBackoffMode = "linear"
	RetryBackoffExponential RetryBackoffMode = "exponential"
)

var retryBackoffModes = []RetryBackoffMode{RetryBackoffFixed, RetryBackoffLinear, RetryBackoffExponential}

// ParseRetryBackoff accepts a mode name in any case and surrounding space.
func ParseRetryBackoff(raw string) (RetryBackoffMode, bool) {
	m := RetryBackoffMode(strings.ToLower(strings.TrimSpace(raw)))
	if !slices.Contains(retryBackoffModes, m) {
		return "", false
	}
	return m, true
}
