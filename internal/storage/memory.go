package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything in maps. The file driver reuses it and
// journals every mutation through onChange.
type memoryStore struct {
	mu     sync.Mutex
	closed bool

	subs map[string]*Subscription // by endpoint
	logs map[string]*NotificationLog

	// onChange runs under mu after a mutation; an error is returned to the caller.
	onChange func(rec journalRecord) error
}

func NewMemory() Store { return newMemoryStore() }

func newMemoryStore() *memoryStore {
	return &memoryStore{
		subs: map[string]*Subscription{},
		logs: map[string]*NotificationLog{},
	}
}

func (s *memoryStore) changed(rec journalRecord) error {
	if s.onChange == nil {
		return nil
	}
	return s.onChange(rec)
}

func cloneSub(sub *Subscription) Subscription {
	out := *sub
	if sub.ExpiredAt != nil {
		t := *sub.ExpiredAt
		out.ExpiredAt = &t
	}
	return out
}

func cloneLog(l *NotificationLog) NotificationLog {
	out := *l
	out.Meta = append(json.RawMessage(nil), l.Meta...)
	out.Results = append(json.RawMessage(nil), l.Results...)
	return out
}

func (s *memoryStore) UpsertSubscription(_ context.Context, sub Subscription) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Subscription{}, ErrClosed
	}
	cur, ok := s.subs[sub.Endpoint]
	if ok {
		cur.Keys = sub.Keys
		cur.Preferences = sub.Preferences
		cur.Active = true
		cur.ExpiredAt = nil
		cur.UpdatedAt = sub.UpdatedAt
	} else {
		c := cloneSub(&sub)
		c.Active = true
		c.ExpiredAt = nil
		cur = &c
		s.subs[sub.Endpoint] = cur
	}
	if err := s.changed(journalRecord{Op: opSub, Sub: cur}); err != nil {
		return Subscription{}, err
	}
	return cloneSub(cur), nil
}

func (s *memoryStore) GetSubscription(_ context.Context, endpoint string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Subscription{}, ErrClosed
	}
	cur, ok := s.subs[endpoint]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return cloneSub(cur), nil
}

func (s *memoryStore) UpdatePreferences(_ context.Context, endpoint string, prefs Preferences, at time.Time) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Subscription{}, ErrClosed
	}
	cur, ok := s.subs[endpoint]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	cur.Preferences = prefs
	cur.UpdatedAt = at
	if err := s.changed(journalRecord{Op: opSub, Sub: cur}); err != nil {
		return Subscription{}, err
	}
	return cloneSub(cur), nil
}

func (s *memoryStore) deactivateLocked(cur *Subscription, at time.Time) error {
	t := at
	cur.Active = false
	cur.ExpiredAt = &t
	cur.UpdatedAt = at
	return s.changed(journalRecord{Op: opSub, Sub: cur})
}

func (s *memoryStore) DeactivateEndpoint(_ context.Context, endpoint string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.subs[endpoint]
	if !ok {
		return ErrNotFound
	}
	return s.deactivateLocked(cur, at)
}

func (s *memoryStore) DeactivateSubscriptions(_ context.Context, ids []string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	n := 0
	for _, cur := range s.subs {
		if _, ok := want[cur.ID]; !ok || !cur.Active {
			continue
		}
		if err := s.deactivateLocked(cur, at); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *memoryStore) ListEligible(_ context.Context, t NotificationType) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []Subscription
	for _, cur := range s.subs {
		if cur.Active && wants(cur.Preferences, t) {
			out = append(out, cloneSub(cur))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// wants reports whether prefs opt into t. Test notifications bypass preferences.
func wants(p Preferences, t NotificationType) bool {
	switch t {
	case TypeLoungeQueue:
		return p.LoungeQueue
	case TypeSQQueue:
		return p.SQQueue
	case TypeTest:
		return true
	}
	return false
}

func (s *memoryStore) SubscriptionStats(context.Context) (SubscriptionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SubscriptionStats{}, ErrClosed
	}
	var st SubscriptionStats
	for _, cur := range s.subs {
		st.Total++
		if !cur.Active {
			continue
		}
		st.Active++
		if cur.Preferences.LoungeQueue {
			st.LoungeEnabled++
		}
		if cur.Preferences.SQQueue {
			st.SQEnabled++
		}
	}
	return st, nil
}

func (s *memoryStore) FindLog(_ context.Context, key string, since time.Time) (NotificationLog, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return NotificationLog{}, false, ErrClosed
	}
	var best *NotificationLog
	for _, l := range s.logs {
		if l.Key != key || (!since.IsZero() && l.SentAt.Before(since)) {
			continue
		}
		if best == nil || l.SentAt.After(best.SentAt) {
			best = l
		}
	}
	if best == nil {
		return NotificationLog{}, false, nil
	}
	return cloneLog(best), true, nil
}

func (s *memoryStore) InsertLog(_ context.Context, l NotificationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	c := cloneLog(&l)
	s.logs[l.ID] = &c
	return s.changed(journalRecord{Op: opLog, Log: &c})
}

func (s *memoryStore) CompleteLog(_ context.Context, id string, results json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	l, ok := s.logs[id]
	if !ok {
		return ErrNotFound
	}
	l.Results = append(json.RawMessage(nil), results...)
	return s.changed(journalRecord{Op: opLog, Log: l})
}

func (s *memoryStore) DeleteLog(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.logs[id]; !ok {
		return ErrNotFound
	}
	delete(s.logs, id)
	return s.changed(journalRecord{Op: opLogDelete, ID: id})
}

func (s *memoryStore) RecentLogs(_ context.Context, limit int) ([]NotificationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]NotificationLog, 0, len(s.logs))
	for _, l := range s.logs {
		out = append(out, cloneLog(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
