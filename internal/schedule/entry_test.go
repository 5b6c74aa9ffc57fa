package schedule

import (
	"testing"
	"time"
)

func TestMergeLastWriteWinsSorted(t *testing.T) {
	t.Parallel()
	existing := []Entry{
		{ID: "1", Format: Format2v2, Time: 300},
		{ID: "2", Format: Format3v3, Time: 100},
	}
	incoming := []Entry{
		{ID: "1", Format: Format4v4, Time: 50},
		{ID: "3", Format: Format6v6, Time: 100},
	}
	got := Merge(existing, incoming)
	want := []Entry{
		{ID: "1", Format: Format4v4, Time: 50},
		{ID: "2", Format: Format3v3, Time: 100},
		{ID: "3", Format: Format6v6, Time: 100},
	}
	if len(got) != len(want) {
		t.Fatalf("got %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if existing[0].Format != Format2v2 {
		t.Fatal("input modified")
	}
}

func TestUpcoming(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1000)
	got := Upcoming([]Entry{{ID: "a", Time: 999}, {ID: "b", Time: 1000}, {ID: "c", Time: 1001}}, now)
	if len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("got %+v", got)
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()
	if f, ok := ParseFormat(" 4V4 "); !ok || f != Format4v4 {
		t.Fatalf("got %q %v", f, ok)
	}
	if _, ok := ParseFormat("5v5"); ok {
		t.Fatal("5v5 accepted")
	}
}
