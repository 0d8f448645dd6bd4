// Package collab implements the client-side synchronization engine for one
// shared rundown: optimistic local edits, debounced autosave through
// compare-and-swap writes, and per-field conflict resolution against
// concurrently arriving remote updates. Many sessions may edit the same
// rundown; convergence, not locking, is the consistency strategy.
package collab

import (
	"strings"
	"time"
)

// timestampLayout is the canonical form every commit timestamp is normalized
// to before comparison: UTC, millisecond precision. The store and transport
// produce a few different textual shapes for the same instant; own-update
// recognition depends on them collapsing to one key.
const timestampLayout = "2006-01-02T15:04:05.000Z"

var timestampParseLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// NormalizeTimestamp parses any of the timestamp shapes the store or broker
// emit and re-renders the instant canonically. Unparseable input is returned
// trimmed, so comparisons still work when both sides carry the same junk.
func NormalizeTimestamp(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range timestampParseLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC().Truncate(time.Millisecond).Format(timestampLayout)
		}
	}
	return s
}

// FormatTimestamp renders a time in the canonical form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(timestampLayout)
}
