// CLAUDE:SUMMARY Request id generation: pluggable Generator, UUIDv7 default, validation of caller-supplied ids.
// Package idgen generates the request ids that tie a dispatch's logs,
// attempts and response together.
package idgen

import (
	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 version 7 UUIDs. They sort by
// creation time, which keeps request logs in order. A failing clock read
// falls back to a random v4.
func UUIDv7() Generator {
	return func() string {
		if id, err := uuid.NewV7(); err == nil {
			return id.String()
		}
		return uuid.NewString()
	}
}

// Default is the process-wide generator.
var Default Generator = UUIDv7()

// New produces an id with Default.
func New() string {
	return Default()
}

// Valid reports whether s is a well-formed UUID. Caller-supplied ids that
// fail it are replaced, so they never reach headers or logs.
func Valid(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
