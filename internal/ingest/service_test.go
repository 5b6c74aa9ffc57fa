package ingest

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mkhub/internal/schedule"
	"mkhub/internal/transport"
	logx "mkhub/pkg/logx"
)

type memBlob struct {
	mu      sync.Mutex
	entries []schedule.Entry
	version int
}

func (m *memBlob) Load(context.Context) (schedule.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return schedule.Snapshot{Entries: append([]schedule.Entry(nil), m.entries...), Version: strconv.Itoa(m.version)}, nil
}

func (m *memBlob) Save(_ context.Context, es []schedule.Entry, v, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v != strconv.Itoa(m.version) {
		return "", schedule.ErrConflict
	}
	m.entries = es
	m.version++
	return strconv.Itoa(m.version), nil
}

func (m *memBlob) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type chanSource struct {
	name string
	out  chan<- transport.Update
	mu   sync.Mutex
}

func (c *chanSource) Name() string { return c.name }
func (c *chanSource) Start(_ context.Context, out chan<- transport.Update) error {
	c.mu.Lock()
	c.out = out
	c.mu.Unlock()
	return nil
}
func (c *chanSource) Stop(context.Context) error { return nil }
func (c *chanSource) send(m transport.Message) {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	out <- transport.Update{Kind: transport.UpdateMessage, Message: &m}
}

func newService(blob *memBlob, delay time.Duration) *Service {
	return New(nil, func(string) *schedule.Ingestor {
		return schedule.NewIngestor(blob, schedule.IngestorOptions{Delay: delay, Logger: logx.Nop()})
	}, prometheus.NewRegistry(), logx.Nop())
}

func TestHandleRules(t *testing.T) {
	t.Parallel()
	svc := newService(&memBlob{}, time.Hour)
	line := "#4243 12p 2v2 : <t:1769941200:f>"
	cases := []struct {
		name string
		msg  transport.Message
		want string
	}{
		{"parsed", transport.Message{ChannelID: "c", Text: line}, ResultParsed},
		{"self", transport.Message{ChannelID: "c", Text: line, FromSelf: true}, ResultSelf},
		{"foreign", transport.Message{ChannelID: "x", Text: line}, ResultForeign},
		{"mention", transport.Message{ChannelID: "c", Text: "@everyone " + line}, ResultMention},
		{"ignored", transport.Message{ChannelID: "c", Text: "gg"}, ResultIgnored},
	}
	for _, tc := range cases {
		rep := svc.Handle("discord", "c", nil, tc.msg)
		if rep.Result != tc.want {
			t.Fatalf("%s: result = %s", tc.name, rep.Result)
		}
	}
	if v := testutil.ToFloat64(svc.messages.WithLabelValues("discord", ResultMention)); v != 1 {
		t.Fatalf("mention metric = %v", v)
	}
}

func TestSessionsFlushIndependently(t *testing.T) {
	t.Parallel()
	blob := &memBlob{}
	svc := newService(blob, 30*time.Millisecond)
	d := &chanSource{name: "discord"}
	tg := &chanSource{name: "telegram"}
	svc.Attach(d, "sched")
	svc.Attach(tg, "")
	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}

	d.send(transport.Message{ID: "1", ChannelID: "sched", Text: "#1 12p 2v2 : <t:100:f>\n#2 12p 3v3 : <t:200:f>"})
	tg.send(transport.Message{ID: "2", ChannelID: "any", Text: "#3 12p 4v4 : <t:300:f>"})

	deadline := time.Now().Add(2 * time.Second)
	for blob.len() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if blob.len() != 3 {
		t.Fatalf("entries = %d", blob.len())
	}
	if err := svc.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestStopFlushesPending(t *testing.T) {
	t.Parallel()
	blob := &memBlob{}
	svc := newService(blob, time.Hour)
	src := &chanSource{name: "discord"}
	svc.Attach(src, "")
	ctx := context.Background()
	_ = svc.Start(ctx)
	src.send(transport.Message{ID: "1", Text: "#9 12p 6v6 : <t:900:f>"})

	deadline := time.Now().Add(2 * time.Second)
	for svc.Pending()["discord"] == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := svc.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if blob.len() != 1 {
		t.Fatalf("entries after stop = %d", blob.len())
	}
}

func TestIngestText(t *testing.T) {
	t.Parallel()
	blob := &memBlob{}
	svc := newService(blob, time.Hour)
	rep, err := svc.IngestText(context.Background(), "`#4255` **12p 4v4:** <t:1770386400:F>")
	if err != nil || rep.Result != ResultParsed || blob.len() != 1 {
		t.Fatalf("rep = %+v, %v, len=%d", rep, err, blob.len())
	}
	rep, _ = svc.IngestText(context.Background(), "nothing here")
	if rep.Result != ResultIgnored {
		t.Fatalf("rep = %+v", rep)
	}
}
