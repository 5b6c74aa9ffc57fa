package schedule

import (
	"context"
	"errors"
	"fmt"
)

// ErrConflict means the version passed to Save is no longer current.
var ErrConflict = errors.New("schedule: version conflict")

type Snapshot struct {
	Entries []Entry
	Version string // "" when the blob does not exist yet
}

// Store is a versioned schedule blob.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	// Save writes entries if version is still current and returns the new version.
	Save(ctx context.Context, entries []Entry, version, message string) (string, error)
}

type MergeResult struct {
	Incoming int    `json:"incoming"`
	Total    int    `json:"total"`
	Version  string `json:"version"`
	Attempts int    `json:"attempts"`
}

// CommitMessage is the message recorded for a merge of n entries.
func CommitMessage(n int) string {
	return fmt.Sprintf("🗓️ Update SQ Schedule - %d new entries", n)
}

// MergeAndSave re-reads, merges and saves until the save is not a conflict,
// at most attempts times. Exhaustion returns an error wrapping ErrConflict.
func MergeAndSave(ctx context.Context, store Store, incoming []Entry, attempts int) (MergeResult, []Entry, error) {
	if attempts <= 0 {
		attempts = 3
	}
	res := MergeResult{Incoming: len(incoming)}
	for res.Attempts < attempts {
		res.Attempts++
		snap, err := store.Load(ctx)
		if err != nil {
			return res, nil, fmt.Errorf("load schedule: %w", err)
		}
		merged := Merge(snap.Entries, incoming)
		version, err := store.Save(ctx, merged, snap.Version, CommitMessage(len(incoming)))
		if errors.Is(err, ErrConflict) {
			if err := ctx.Err(); err != nil {
				return res, nil, err
			}
			continue
		}
		if err != nil {
			return res, nil, fmt.Errorf("save schedule: %w", err)
		}
		res.Total = len(merged)
		res.Version = version
		return res, merged, nil
	}
	return res, nil, fmt.Errorf("merge gave up after %d attempts: %w", res.Attempts, ErrConflict)
}
