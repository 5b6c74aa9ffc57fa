// Package discord reads schedule announcements from a Discord channel.
package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"mkhub/internal/transport"
	logx "mkhub/pkg/logx"
)

type Config struct {
	Token string
	// ChannelID limits forwarding to one channel; empty forwards everything.
	ChannelID string
}

type Source struct {
	cfg     Config
	log     logx.Logger
	session *discordgo.Session

	sink    atomic.Pointer[transport.Sink]
	dropped atomic.Uint64

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	remove  []func()
}

func New(cfg Config, log logx.Logger) (*Source, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	dg, err := discordgo.New(token)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Source{cfg: cfg, log: log.With(logx.String("comp", "discord")), session: dg}, nil
}

func (s *Source) Name() string { return string(transport.PlatformDiscord) }

func (s *Source) selfID() string {
	if s.session.State != nil && s.session.State.User != nil {
		return s.session.State.User.ID
	}
	return ""
}

func (s *Source) forward(kind transport.UpdateKind, m *discordgo.Message) {
	if m == nil {
		return
	}
	if s.cfg.ChannelID != "" && m.ChannelID != s.cfg.ChannelID {
		return
	}
	sink := s.sink.Load()
	if sink == nil {
		return
	}
	msg := toMessage(s.selfID(), m)
	if !sink.Deliver(transport.Update{Kind: kind, Message: &msg}) {
		s.dropped.Add(1)
	}
}

func toMessage(selfID string, m *discordgo.Message) transport.Message {
	msg := transport.Message{
		ID:        m.ID,
		Platform:  transport.PlatformDiscord,
		ChannelID: m.ChannelID,
		Text:      m.Content,
		At:        m.Timestamp,
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorName = m.Author.Username
		msg.FromSelf = m.Author.Bot && selfID != "" && m.Author.ID == selfID
	}
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	return msg
}

func (s *Source) Start(ctx context.Context, out chan<- transport.Update) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.sink.Store(&transport.Sink{Ctx: runCtx, Out: out})
	s.remove = []func(){
		s.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			s.log.Info("discord connected", logx.String("user", r.User.Username), logx.Int("guilds", len(r.Guilds)))
		}),
		s.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			s.forward(transport.UpdateMessage, m.Message)
		}),
		s.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
			s.forward(transport.UpdateEdit, m.Message)
		}),
	}
	if err := s.session.Open(); err != nil {
		for _, rm := range s.remove {
			rm()
		}
		s.remove = nil
		s.sink.Store(nil)
		cancel()
		return err
	}
	s.running = true
	s.cancel = cancel
	s.log.Info("discord source started", logx.String("channel", s.cfg.ChannelID))
	return nil
}

func (s *Source) Stop(ctx context.Context) error {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return nil
	}
	s.running = false
	s.sink.Store(nil)
	for _, rm := range s.remove {
		rm()
	}
	s.remove = nil
	// Unblocks handlers still waiting on a full channel.
	s.cancel()
	s.cancel = nil
	s.runMu.Unlock()

	err := s.session.Close()
	if n := s.dropped.Swap(0); n > 0 {
		s.log.Warn("updates abandoned at shutdown", logx.Uint64("count", n))
	}
	s.log.Info("discord source stopped")
	return err
}
