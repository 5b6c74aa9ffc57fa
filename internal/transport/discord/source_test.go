package discord

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"mkhub/internal/transport"
	logx "mkhub/pkg/logx"
)

func TestToMessage(t *testing.T) {
	t.Parallel()
	ts := time.Date(2026, 2, 6, 14, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		selfID   string
		author   *discordgo.User
		fromSelf bool
	}{
		{"lounge bot", "42", &discordgo.User{ID: "7", Username: "Lounge", Bot: true}, false},
		{"self", "42", &discordgo.User{ID: "42", Username: "mkhub", Bot: true}, true},
		{"human", "42", &discordgo.User{ID: "9", Username: "alice"}, false},
		{"no author", "42", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := toMessage(tc.selfID, &discordgo.Message{ID: "1", ChannelID: "c", Content: "hi", Author: tc.author, Timestamp: ts})
			if m.FromSelf != tc.fromSelf || m.Platform != transport.PlatformDiscord || !m.At.Equal(ts) || m.Text != "hi" {
				t.Fatalf("got %+v", m)
			}
		})
	}
}

func TestForwardWaitsForRoomUntilStopped(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Token: "x", ChannelID: "sched"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan transport.Update, 1)
	s.sink.Store(&transport.Sink{Ctx: ctx, Out: out})

	s.forward(transport.UpdateMessage, &discordgo.Message{ID: "1", ChannelID: "other"})
	s.forward(transport.UpdateMessage, &discordgo.Message{ID: "2", ChannelID: "sched"})

	// The channel is full: the next message waits instead of being dropped.
	done := make(chan struct{})
	go func() {
		s.forward(transport.UpdateEdit, &discordgo.Message{ID: "3", ChannelID: "sched"})
		close(done)
	}()
	if up := <-out; up.Message.ID != "2" || up.Kind != transport.UpdateMessage {
		t.Fatalf("got %+v", up.Message)
	}
	select {
	case up := <-out:
		if up.Message.ID != "3" || up.Kind != transport.UpdateEdit {
			t.Fatalf("got %+v", up.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked update never delivered")
	}
	<-done
	if s.dropped.Load() != 0 {
		t.Fatalf("dropped = %d", s.dropped.Load())
	}

	// Only a stopping source gives up on a full channel.
	out <- transport.Update{}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	s.forward(transport.UpdateMessage, &discordgo.Message{ID: "4", ChannelID: "sched"})
	if s.dropped.Load() != 1 {
		t.Fatalf("dropped after stop = %d", s.dropped.Load())
	}
}
