// Package idgen provides prefixed, time-sortable identifiers for slotwatch
// records. Every persisted entity (credential, applicant, slot, log line)
// carries a UUIDv7 with a type prefix so IDs are self-describing in logs.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator producing RFC 9562 UUID v7 strings.
// Time-sortable, so ORDER BY id is chronological for append-only tables.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the module-wide default generator.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Record-type generators used by the store.
var (
	Credential = Prefixed("cred_", Default)
	Applicant  = Prefixed("app_", Default)
	Slot       = Prefixed("slot_", Default)
	Log        = Prefixed("log_", Default)
)

// Parse validates a bare UUID string and returns it normalised, or an error.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid UUID: %w", err)
	}
	return u.String(), nil
}
