// Package telegram reads schedule posts from a Telegram chat and delivers
// operator log lines through the same bot.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "mkhub/internal/runtime/supervisor"
	"mkhub/internal/transport"
	logx "mkhub/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// ScheduleChatID limits forwarding to one chat; 0 forwards everything.
	ScheduleChatID int64
	LogChatID      int64
	LogThreadID    int
	// Offline skips the getMe handshake (tests).
	Offline bool
}

type Source struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	sink    atomic.Pointer[transport.Sink]
	dropped atomic.Uint64

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Source, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Source{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	s.registerHandlers()
	return s, nil
}

func (s *Source) Name() string { return string(transport.PlatformTelegram) }

func (s *Source) registerHandlers() {
	// Handlers forward to the current sink; Start and Stop swap it.
	onMessage := func(kind transport.UpdateKind) tele.HandlerFunc {
		return func(c tele.Context) error {
			s.forward(kind, c.Message())
			return nil
		}
	}
	s.bot.Handle(tele.OnText, onMessage(transport.UpdateMessage))
	s.bot.Handle(tele.OnChannelPost, onMessage(transport.UpdateMessage))
	s.bot.Handle(tele.OnEdited, onMessage(transport.UpdateEdit))
	s.bot.Handle(tele.OnEditedChannelPost, onMessage(transport.UpdateEdit))
}

func (s *Source) forward(kind transport.UpdateKind, m *tele.Message) {
	if m == nil || m.Chat == nil {
		return
	}
	if s.cfg.ScheduleChatID != 0 && m.Chat.ID != s.cfg.ScheduleChatID {
		return
	}
	var selfID int64
	if s.bot.Me != nil {
		selfID = s.bot.Me.ID
	}
	sink := s.sink.Load()
	if sink == nil {
		return
	}
	msg := toMessage(selfID, m)
	if !sink.Deliver(transport.Update{Kind: kind, Message: &msg}) {
		s.dropped.Add(1)
	}
}

func toMessage(selfID int64, m *tele.Message) transport.Message {
	msg := transport.Message{
		ID:        strconv.Itoa(m.ID),
		Platform:  transport.PlatformTelegram,
		ChannelID: strconv.FormatInt(m.Chat.ID, 10),
		Text:      m.Text,
		At:        m.Time(),
	}
	if msg.Text == "" {
		msg.Text = m.Caption
	}
	switch {
	case m.Sender != nil:
		msg.AuthorID = strconv.FormatInt(m.Sender.ID, 10)
		msg.AuthorName = m.Sender.Username
		msg.FromSelf = selfID != 0 && m.Sender.ID == selfID
	case m.SenderChat != nil:
		msg.AuthorID = strconv.FormatInt(m.SenderChat.ID, 10)
		msg.AuthorName = m.SenderChat.Title
	}
	return msg
}

func (s *Source) Start(ctx context.Context, out chan<- transport.Update) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return nil
	}
	s.running = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	s.sink.Store(&transport.Sink{Ctx: sup.Context(), Out: out})
	s.runMu.Unlock()

	sup.Go("telebot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		s.bot.Stop()
		return nil
	})

	// telebot's Start blocks until Stop. If it returns while the context is
	// still live, report it as a failure so the poll loop restarts.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		s.log.Info("polling started")
		s.bot.Start()
		s.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("telebot poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

// Stop never blocks shutdown for long on a pending getUpdates long-poll.
func (s *Source) Stop(ctx context.Context) error {
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	wasRunning := s.running
	s.running = false
	s.sink.Store(nil)
	s.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	s.log.Info("stopping")
	if sup != nil {
		// Also unblocks handlers still waiting on a full channel.
		sup.Cancel()
	}
	defer func() {
		if n := s.dropped.Swap(0); n > 0 {
			s.log.Warn("updates abandoned at shutdown", logx.Uint64("count", n))
		}
	}()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	if sup == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		s.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

const textLimit = 4000

// SendLog posts text to the log chat, split into Telegram-sized chunks.
func (s *Source) SendLog(ctx context.Context, text string) error {
	if s.cfg.LogChatID == 0 {
		return errors.New("telegram log_chat_id not set")
	}
	chat := &tele.Chat{ID: s.cfg.LogChatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: s.cfg.LogThreadID}
		if _, err := s.bot.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that do not leave tiny chunks.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
