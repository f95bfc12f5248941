// Package service holds the paid services a provider can sell. Every service
// is a pure function of its input so that a requester can recompute and
// verify the provider's answer.
package service

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

// ServiceHash returns the lowercase hex SHA-256 of the UTF-8 input.
const ServiceHash = "hash"

var ErrUnsupportedService = errors.New("unsupported service type")

// Func computes a service result.
type Func func(input string) string

var registry = map[string]Func{
	ServiceHash: sha256Hex,
}

func sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Execute runs serviceType over input. It is deterministic: the same pair
// always yields the same result.
func Execute(serviceType, input string) (string, error) {
	fn, ok := registry[serviceType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedService, serviceType)
	}
	return fn(input), nil
}

// Supported lists the service types Execute accepts, sorted.
func Supported() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsSupported reports whether serviceType can be executed.
func IsSupported(serviceType string) bool {
	_, ok := registry[serviceType]
	return ok
}
