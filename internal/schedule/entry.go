// Package schedule turns Squad Queue announcements into schedule entries and
// keeps the persisted schedule blob merged and versioned.
package schedule

import (
	"sort"
	"strings"
	"time"
)

type Format string

const (
	Format2v2 Format = "2v2"
	Format3v3 Format = "3v3"
	Format4v4 Format = "4v4"
	Format6v6 Format = "6v6"
)

// ParseFormat lowercases s and reports whether it names a known format.
func ParseFormat(s string) (Format, bool) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case Format2v2, Format3v3, Format4v4, Format6v6:
		return f, true
	}
	return "", false
}

// Entry is one scheduled Squad Queue. Time is unix milliseconds.
type Entry struct {
	ID     string `json:"id"`
	Format Format `json:"format"`
	Time   int64  `json:"time"`
}

func (e Entry) At() time.Time { return time.UnixMilli(e.Time) }

// Merge overlays incoming on existing by ID (last write wins) and returns the
// union sorted by time, then ID. Neither input is modified.
func Merge(existing, incoming []Entry) []Entry {
	byID := make(map[string]Entry, len(existing)+len(incoming))
	for _, e := range existing {
		byID[e.ID] = e
	}
	for _, e := range incoming {
		byID[e.ID] = e
	}
	out := make([]Entry, 0, len(byID))
	for _, e := range byID {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

func sortEntries(es []Entry) {
	sort.SliceStable(es, func(i, j int) bool {
		if es[i].Time != es[j].Time {
			return es[i].Time < es[j].Time
		}
		return es[i].ID < es[j].ID
	})
}

// Upcoming returns the entries strictly after now, in order.
func Upcoming(es []Entry, now time.Time) []Entry {
	cut := now.UnixMilli()
	out := make([]Entry, 0, len(es))
	for _, e := range es {
		if e.Time > cut {
			out = append(out, e)
		}
	}
	return out
}
