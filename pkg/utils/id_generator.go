// Package utils provides shared utility functions used across the application.
//
// Go Learning Note — "pkg/" Directory Convention:
// Code under pkg/ is intended to be importable by external projects (unlike
// internal/ which is compiler-enforced private). This is a community convention,
// not a Go language feature.
package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID creates a new UUID v4 string. Ledger receipts and request IDs
// both use it, so they can be correlated in logs.
//
// Go Learning Note — "github.com/google/uuid":
// uuid.New() creates a v4 (random) UUID like
// "550e8400-e29b-41d4-a716-446655440000". It needs no coordination between
// processes, which matters once the ledger gateway runs separately.
func GenerateID() string {
	return uuid.New().String()
}

// RequestID keeps a caller-supplied request ID if it is a well-formed UUID
// and generates a fresh one otherwise.
func RequestID(incoming string) string {
	incoming = strings.TrimSpace(incoming)
	if incoming != "" {
		if id, err := uuid.Parse(incoming); err == nil {
			return id.String()
		}
	}
	return GenerateID()
}
