package session

import (
	"regexp"
	"strings"
)

// dedupeWindow is the number of recent output lines remembered per
// session for duplicate suppression.
const dedupeWindow = 32

var ansiSGR = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

// normalizeOutput strips ANSI escape sequences and collapses whitespace
// so that re-rendered terminal output compares equal to its first
// emission.
func normalizeOutput(text string) string {
	stripped := ansiSGR.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(stripped), " ")
}

// dedupeRing is a bounded ring of recently emitted normalized lines.
type dedupeRing struct {
	entries [dedupeWindow]string
	next    int
	filled  bool
}

// Seen records text and reports whether the same normalized text was
// already emitted within the window. Empty (whitespace-only) text is
// never treated as a duplicate.
func (r *dedupeRing) Seen(normalized string) bool {
	if normalized == "" {
		return false
	}
	limit := r.next
	if r.filled {
		limit = dedupeWindow
	}
	for i := 0; i < limit; i++ {
		if r.entries[i] == normalized {
			return true
		}
	}
	r.entries[r.next] = normalized
	r.next++
	if r.next == dedupeWindow {
		r.next = 0
		r.filled = true
	}
	return false
}

// Reset forgets all remembered lines. Called at turn boundaries.
func (r *dedupeRing) Reset() {
	r.next = 0
	r.filled = false
	for i := range r.entries {
		r.entries[i] = ""
	}
}
