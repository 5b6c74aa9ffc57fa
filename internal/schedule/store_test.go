package schedule

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// conflictStore fails the first n saves with ErrConflict, mutating the blob
// the way a concurrent writer would.
type conflictStore struct {
	mu        sync.Mutex
	entries   []Entry
	version   int
	conflicts int
	saves     int
	messages  []string
}

func (s *conflictStore) Load(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Entries: append([]Entry(nil), s.entries...), Version: fmt.Sprint(s.version)}, nil
}

func (s *conflictStore) Save(ctx context.Context, entries []Entry, version, message string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.conflicts > 0 {
		s.conflicts--
		s.entries = append(s.entries, Entry{ID: fmt.Sprintf("other-%d", s.conflicts), Format: Format2v2, Time: 1})
		s.version++
		return "", ErrConflict
	}
	if version != fmt.Sprint(s.version) {
		return "", ErrConflict
	}
	s.entries = entries
	s.version++
	s.messages = append(s.messages, message)
	return fmt.Sprint(s.version), nil
}

func TestMergeAndSaveRetriesConflicts(t *testing.T) {
	t.Parallel()
	st := &conflictStore{conflicts: 2}
	res, merged, err := MergeAndSave(context.Background(), st, []Entry{{ID: "9", Format: Format4v4, Time: 5}}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts != 3 || res.Total != 3 || len(merged) != 3 {
		t.Fatalf("res = %+v merged = %+v", res, merged)
	}
	if st.messages[0] != "🗓️ Update SQ Schedule - 1 new entries" {
		t.Fatalf("message = %q", st.messages[0])
	}
}

func TestMergeAndSaveGivesUp(t *testing.T) {
	t.Parallel()
	st := &conflictStore{conflicts: 10}
	_, _, err := MergeAndSave(context.Background(), st, []Entry{{ID: "9"}}, 2)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v", err)
	}
	if st.saves != 2 {
		t.Fatalf("saves = %d", st.saves)
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := NewFileStore(filepath.Join(t.TempDir(), "data", "sq-schedule.json"))
	if err != nil {
		t.Fatal(err)
	}
	snap, err := st.Load(ctx)
	if err != nil || snap.Version != "" || len(snap.Entries) != 0 {
		t.Fatalf("empty load = %+v, %v", snap, err)
	}
	v1, err := st.Save(ctx, []Entry{{ID: "1", Format: Format2v2, Time: 10}}, "", "m")
	if err != nil || v1 == "" {
		t.Fatalf("save = %q, %v", v1, err)
	}
	if _, err := st.Save(ctx, nil, "", "m"); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale save err = %v", err)
	}
	snap, _ = st.Load(ctx)
	if snap.Version != v1 || len(snap.Entries) != 1 {
		t.Fatalf("reload = %+v", snap)
	}
}

type fakeContents struct {
	mu      sync.Mutex
	content []byte
	sha     string
	n       int
	puts    []map[string]any
}

func (f *fakeContents) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !strings.HasSuffix(r.URL.Path, "/repos/999none/mk8dx-hub/contents/data/sq-schedule.json") {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodGet:
		if r.URL.Query().Get("ref") != "emergent" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if f.sha == "" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":     "file",
			"encoding": "base64",
			"sha":      f.sha,
			"content":  base64.StdEncoding.EncodeToString(f.content),
		})
	case http.MethodPut:
		var body struct {
			Message string `json:"message"`
			Content []byte `json:"content"`
			SHA     string `json:"sha"`
			Branch  string `json:"branch"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.puts = append(f.puts, map[string]any{"message": body.Message, "branch": body.Branch})
		if body.SHA != f.sha {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"message":"sha mismatch"}`))
			return
		}
		f.n++
		f.content = body.Content
		f.sha = fmt.Sprintf("sha%d", f.n)
		_ = json.NewEncoder(w).Encode(map[string]any{"content": map[string]any{"sha": f.sha}})
	}
}

func TestGitHubStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := &fakeContents{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	st, err := NewGitHubStore(GitHubConfig{
		Owner: "999none", Repo: "mk8dx-hub", Branch: "emergent",
		FilePath: "data/sq-schedule.json", Token: "t", BaseURL: srv.URL,
	}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}

	snap, err := st.Load(ctx)
	if err != nil || snap.Version != "" {
		t.Fatalf("missing file = %+v, %v", snap, err)
	}
	res, _, err := MergeAndSave(ctx, st, []Entry{{ID: "4255", Format: Format4v4, Time: 1770386400000}}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if res.Version != "sha1" {
		t.Fatalf("version = %q", res.Version)
	}
	snap, err = st.Load(ctx)
	if err != nil || len(snap.Entries) != 1 || snap.Entries[0].ID != "4255" {
		t.Fatalf("reload = %+v, %v", snap, err)
	}
	if _, err := st.Save(ctx, nil, "stale", "m"); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale err = %v", err)
	}
	if fake.puts[0]["branch"] != "emergent" {
		t.Fatalf("put = %+v", fake.puts[0])
	}
}
