package telegram

import (
	"context"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	"mkhub/internal/transport"
	logx "mkhub/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		in    string
		limit int
		want  int
	}{
		{"short", "hello", 10, 1},
		{"exact", strings.Repeat("a", 10), 10, 1},
		{"hard cut", strings.Repeat("a", 25), 10, 3},
		{"newline cut", "aaaaaaa\nbbbbbbb\nccc", 10, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tc.in, tc.limit)
			if len(got) != tc.want {
				t.Fatalf("chunks = %q", got)
			}
			for _, c := range got {
				if len([]rune(c)) > tc.limit {
					t.Fatalf("chunk too long: %q", c)
				}
			}
		})
	}
}

func TestToMessage(t *testing.T) {
	t.Parallel()
	chat := &tele.Chat{ID: -100123}
	m := toMessage(55, &tele.Message{ID: 9, Chat: chat, Sender: &tele.User{ID: 55, Username: "mkhub_bot"}, Text: "x", Unixtime: 1770386400})
	if !m.FromSelf || m.ID != "9" || m.ChannelID != "-100123" || m.At.Unix() != 1770386400 {
		t.Fatalf("self = %+v", m)
	}
	post := toMessage(55, &tele.Message{ID: 10, Chat: chat, SenderChat: &tele.Chat{ID: -100123, Title: "SQ"}, Caption: "cap"})
	if post.FromSelf || post.AuthorName != "SQ" || post.Text != "cap" || post.Platform != transport.PlatformTelegram {
		t.Fatalf("post = %+v", post)
	}
}

func TestForwardFiltersChat(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Token: "123:abc", ScheduleChatID: -1, Offline: true}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	out := make(chan transport.Update, 4)
	s.sink.Store(&transport.Sink{Ctx: context.Background(), Out: out})
	s.forward(transport.UpdateMessage, &tele.Message{ID: 1, Chat: &tele.Chat{ID: -2}})
	s.forward(transport.UpdateMessage, &tele.Message{ID: 2, Chat: &tele.Chat{ID: -1}})
	s.forward(transport.UpdateMessage, nil)
	if len(out) != 1 || (<-out).Message.ID != "2" {
		t.Fatal("chat filter not applied")
	}
}
