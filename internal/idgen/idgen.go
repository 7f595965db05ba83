// Package idgen provides short, URL-safe unique ID generation backed by nanoid.
package idgen

import (
	"fmt"
	"strconv"
	"sync/atomic"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Alphabet defines the character set used for the random portion of the ID.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 10

// Generate returns a new random ID with no prefix. Used for event target IDs.
func Generate() (string, error) {
	return GenerateWithPrefix("")
}

// GenerateWithPrefix returns a new random ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// Sequence hands out IDs that never repeat within the process: a random
// per-sequence nonce followed by a monotonically increasing counter.
// The nonce keeps IDs unpredictable across restarts; the counter makes
// them unique without any bookkeeping of previously issued values.
type Sequence struct {
	prefix string
	nonce  string
	next   atomic.Uint64
}

// NewSequence creates a sequence whose IDs look like "<prefix><nonce>-<n>".
func NewSequence(prefix string) (*Sequence, error) {
	nonce, err := nanoid.Generate(Alphabet, 8)
	if err != nil {
		return nil, fmt.Errorf("idgen: sequence nonce: %w", err)
	}
	return &Sequence{prefix: prefix, nonce: nonce}, nil
}

// Next returns the next ID. Safe for concurrent use.
func (s *Sequence) Next() string {
	n := s.next.Add(1)
	return s.prefix + s.nonce + "-" + strconv.FormatUint(n, 36)
}
