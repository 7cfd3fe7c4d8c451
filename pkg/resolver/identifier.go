// Package resolver normalizes player identifiers and drives the cache
// waterfall: fast tier, durable tier, then a single-flighted upstream fetch.
package resolver

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidIdentifier reports an identifier matching neither the opaque-ID
// nor the name shape. Raised before any cache or network access.
var ErrInvalidIdentifier = errors.New("invalid player identifier")

// Kind distinguishes the two identifier shapes.
type Kind string

const (
	KindID   Kind = "id"
	KindName Kind = "name"
)

const (
	idLength           = 32
	maxNameLen         = 16
	defaultMaxInputLen = 64
)

// Identifier is a validated, normalized player identifier.
type Identifier struct {
	Kind  Kind
	Value string
}

// Key returns a kind-qualified, case-normalized key; name lookups coalesce
// on it so mixed-case requests for one name share a single profile fetch.
func (i Identifier) Key() string {
	return string(i.Kind) + ":" + strings.ToLower(i.Value)
}

// Classify validates raw input and normalizes it into an Identifier. The
// length guard runs first so oversized input is rejected before any
// per-character work. Opaque IDs are 32 hex characters, case-insensitive,
// with optional dash separators; names are 1-16 word characters.
func Classify(raw string, maxInputLen int) (Identifier, error) {
	if maxInputLen <= 0 {
		maxInputLen = defaultMaxInputLen
	}
	if raw == "" || len(raw) > maxInputLen {
		return Identifier{}, fmt.Errorf("%w: length %d", ErrInvalidIdentifier, len(raw))
	}

	if id, ok := normalizeID(raw); ok {
		return Identifier{Kind: KindID, Value: id}, nil
	}
	if isValidName(raw) {
		return Identifier{Kind: KindName, Value: raw}, nil
	}
	return Identifier{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, raw)
}

func normalizeID(raw string) (string, bool) {
	var b strings.Builder
	b.Grow(idLength)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c == '-':
			continue
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
			b.WriteByte(c)
		case c >= 'A' && c <= 'F':
			b.WriteByte(c + ('a' - 'A'))
		default:
			return "", false
		}
		if b.Len() > idLength {
			return "", false
		}
	}
	if b.Len() != idLength {
		return "", false
	}
	return b.String(), true
}

func isValidName(raw string) bool {
	if len(raw) == 0 || len(raw) > maxNameLen {
		return false
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return false
		}
	}
	return true
}
