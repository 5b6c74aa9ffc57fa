package window

import (
	"testing"
	"time"
)

func TestLoungeQueueOpenSweep(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 13, 0, 0, 0, DefaultLocation)
	for m := 0; m < 60; m++ {
		for _, s := range []int{0, 59} {
			now := base.Add(time.Duration(m)*time.Minute + time.Duration(s)*time.Second)
			want := m <= LoungeBand
			if got := LoungeQueueOpen(now, nil); got != want {
				t.Fatalf("minute %d sec %d: got %v want %v", m, s, got, want)
			}
		}
	}
}

func TestLoungeQueueOpenUsesParisTime(t *testing.T) {
	t.Parallel()
	// 12:01 UTC in winter is 13:01 in Paris; an India offset lands on :31.
	utc := time.Date(2026, 1, 10, 12, 1, 0, 0, time.UTC)
	if !LoungeQueueOpen(utc, nil) {
		t.Fatal("expected open at 13:01 Paris")
	}
	ist := time.FixedZone("IST", 5*3600+1800)
	if LoungeQueueOpen(utc, ist) {
		t.Fatal("expected closed at :31 in a half-hour zone")
	}
}

func TestSQQueueOpenBounds(t *testing.T) {
	t.Parallel()
	event := time.UnixMilli(1770386400000)
	open := event.Add(-SQLeadTime)
	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before open", open.Add(-time.Second), false},
		{"at open", open, true},
		{"inside band", open.Add(90 * time.Second), true},
		{"band edge", open.Add(SQBand), true},
		{"after band", open.Add(SQBand + time.Millisecond), false},
		{"at event", event, false},
	}
	for _, tt := range tests {
		if got := SQQueueOpen(tt.now, event); got != tt.want {
			t.Errorf("%s: got %v want %v", tt.name, got, tt.want)
		}
	}
	if !SQOpensAt(event).Equal(open) {
		t.Fatal("SQOpensAt mismatch")
	}
}

func TestDefaultLocationIsParis(t *testing.T) {
	t.Parallel()
	if DefaultLocation.String() != "Europe/Paris" {
		t.Fatalf("DefaultLocation = %v", DefaultLocation)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("mustLoad did not panic on an unknown zone")
		}
	}()
	mustLoad("Nowhere/Atlantis")
}

func TestLoungeInfo(t *testing.T) {
	t.Parallel()
	tests := []struct {
		hour, min int
		want      Info
	}{
		{13, 0, Info{CurrentHour: 13, CurrentMinutes: 0, NextHour: 14, QueueOpen: true, ClosesIn: 55}},
		{23, 54, Info{CurrentHour: 23, CurrentMinutes: 54, NextHour: 0, QueueOpen: true, ClosesIn: 1}},
		{9, 55, Info{CurrentHour: 9, CurrentMinutes: 55, NextHour: 10, QueueOpen: false, ClosesIn: 0}},
		{9, 58, Info{CurrentHour: 9, CurrentMinutes: 58, NextHour: 10, QueueOpen: false, ClosesIn: -3}},
	}
	for _, tt := range tests {
		now := time.Date(2026, 6, 1, tt.hour, tt.min, 30, 0, DefaultLocation)
		if got := LoungeInfo(now, DefaultLocation); got != tt.want {
			t.Errorf("LoungeInfo(%02d:%02d) = %+v, want %+v", tt.hour, tt.min, got, tt.want)
		}
	}
}
