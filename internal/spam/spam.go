// Package spam validates outgoing message content and applies the per-user
// send window.
package spam

import (
	"strings"
	"unicode/utf8"

	"github.com/4xmen/goftogoo/internal/apperr"
	"github.com/4xmen/goftogoo/internal/ratelimit"
)

type Verdict int

const (
	Accepted Verdict = iota
	Throttled
)

type Guard struct {
	maxLength int
	window    *ratelimit.SlidingWindow
}

func New(maxLength int, window *ratelimit.SlidingWindow) *Guard {
	return &Guard{maxLength: maxLength, window: window}
}

// Validate rejects content that is empty after trimming or longer than the
// configured maximum, counted in characters.
func (g *Guard) Validate(content string) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return apperr.Validation("message content is empty")
	}
	if n := utf8.RuneCountInString(content); n > g.maxLength {
		return apperr.Validation("message content is %d characters, limit is %d", n, g.maxLength)
	}
	return nil
}

// Check validates content and then consults the send window. A validation
// failure is returned as an error; a full window is reported as Throttled
// with a nil error and is not recorded.
func (g *Guard) Check(userID, content string) (Verdict, error) {
	if err := g.Validate(content); err != nil {
		return Throttled, err
	}
	if !g.window.Allow(userID) {
		return Throttled, nil
	}
	return Accepted, nil
}
