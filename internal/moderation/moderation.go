// Package moderation screens idea text before it enters a deliberation.
package moderation

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/unitychant/chant/internal/model"
)

// Moderator checks text and returns an error wrapping
// model.ErrModerationRejected when it must not be accepted.
type Moderator interface {
	Check(ctx context.Context, text string) error
}

// Noop accepts everything.
type Noop struct{}

// Check always returns nil.
func (Noop) Check(context.Context, string) error { return nil }

// Blocklist rejects text containing any blocked term as a whole word,
// compared case-insensitively.
type Blocklist struct {
	terms map[string]bool
}

// NewBlocklist builds a Blocklist from terms. Empty terms are ignored.
func NewBlocklist(terms []string) *Blocklist {
	b := &Blocklist{terms: make(map[string]bool, len(terms))}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			b.terms[t] = true
		}
	}
	return b
}

// Len returns the number of blocked terms.
func (b *Blocklist) Len() int { return len(b.terms) }

// Check rejects text that contains a blocked word.
func (b *Blocklist) Check(_ context.Context, text string) error {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		if b.terms[w] {
			return fmt.Errorf("%w: contains blocked term", model.ErrModerationRejected)
		}
	}
	return nil
}

// FromTerms returns a Blocklist for terms, or Noop when no usable term
// remains after normalization.
func FromTerms(terms []string) Moderator {
	b := NewBlocklist(terms)
	if b.Len() == 0 {
		return Noop{}
	}
	return b
}
