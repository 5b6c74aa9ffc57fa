package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	logx "mkhub/pkg/logx"
)

const compactEvery = 500

type journalOp string

const (
	opSub       journalOp = "sub"
	opLog       journalOp = "log"
	opLogDelete journalOp = "log_del"
)

// journalRecord carries the full post-mutation state of one entity.
type journalRecord struct {
	Op  journalOp        `json:"op"`
	Sub *Subscription    `json:"sub,omitempty"`
	Log *NotificationLog `json:"log,omitempty"`
	ID  string           `json:"id,omitempty"`
}

type fileSnapshot struct {
	Subscriptions []Subscription    `json:"subscriptions"`
	Logs          []NotificationLog `json:"logs"`
}

// fileStore is the dependency-free backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	*memoryStore
	log logx.Logger

	snapshotPath string
	journal      *os.File
	writes       int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	fs := &fileStore{
		memoryStore:  newMemoryStore(),
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
	}
	journalPath := prefix + ".journal.jsonl"

	if err := fs.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := fs.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	fs.journal = jf
	fs.onChange = fs.appendLocked
	return fs, nil
}

func (s *fileStore) apply(rec journalRecord) {
	switch rec.Op {
	case opSub:
		if rec.Sub != nil {
			c := cloneSub(rec.Sub)
			s.subs[c.Endpoint] = &c
		}
	case opLog:
		if rec.Log != nil {
			c := cloneLog(rec.Log)
			s.logs[c.ID] = &c
		}
	case opLogDelete:
		delete(s.logs, rec.ID)
	}
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	for i := range snap.Subscriptions {
		s.apply(journalRecord{Op: opSub, Sub: &snap.Subscriptions[i]})
	}
	for i := range snap.Logs {
		s.apply(journalRecord{Op: opLog, Log: &snap.Logs[i]})
	}
	return nil
}

// replay applies the journal. A torn last line (crash mid-write) is skipped.
func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			s.log.Warn("skipping corrupt journal line", logx.Err(err))
			continue
		}
		s.apply(rec)
	}
	return sc.Err()
}

// appendLocked runs with memoryStore.mu held.
func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{
		Subscriptions: make([]Subscription, 0, len(s.subs)),
		Logs:          make([]NotificationLog, 0, len(s.logs)),
	}
	for _, sub := range s.subs {
		snap.Subscriptions = append(snap.Subscriptions, cloneSub(sub))
	}
	for _, l := range s.logs {
		snap.Logs = append(snap.Logs, cloneLog(l))
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}
