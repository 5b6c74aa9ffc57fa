// Package ingest turns chat updates into schedule merges. Every source gets its
// own session with its own coalescing Ingestor.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	rtsup "mkhub/internal/runtime/supervisor"
	"mkhub/internal/schedule"
	"mkhub/internal/transport"
	logx "mkhub/pkg/logx"
)

// Message outcomes, also used as metric labels.
const (
	ResultParsed  = "parsed"
	ResultIgnored = "ignored"
	ResultMention = "mention"
	ResultSelf    = "self"
	ResultForeign = "foreign_channel"
)

// IngestorFactory builds the accumulator for one session.
type IngestorFactory func(session string) *schedule.Ingestor

type session struct {
	name      string
	src       transport.Source
	channelID string
	ing       *schedule.Ingestor
}

// Report describes how one message was handled.
type Report struct {
	Result  string           `json:"result"`
	Entries []schedule.Entry `json:"entries"`
}

type Service struct {
	parser  *schedule.Parser
	factory IngestorFactory
	log     logx.Logger

	messages *prometheus.CounterVec
	entries  *prometheus.CounterVec

	mu       sync.Mutex
	sessions []*session
	admin    *schedule.Ingestor
	sup      *rtsup.Supervisor
}

func New(parser *schedule.Parser, factory IngestorFactory, reg prometheus.Registerer, log logx.Logger) *Service {
	if parser == nil {
		parser = schedule.NewParser()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		parser:  parser,
		factory: factory,
		log:     log.With(logx.String("comp", "ingest")),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mkhub_ingest_messages_total",
			Help: "Chat messages seen by the schedule ingester, by source and result.",
		}, []string{"source", "result"}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mkhub_ingest_entries_total",
			Help: "Schedule entries parsed, by source.",
		}, []string{"source"}),
	}
	if reg != nil {
		reg.MustRegister(s.messages, s.entries)
	}
	return s
}

// Attach registers a source. channelID, when set, drops messages from other channels.
func (s *Service) Attach(src transport.Source, channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := src.Name()
	s.sessions = append(s.sessions, &session{name: name, src: src, channelID: channelID, ing: s.factory(name)})
}

// Handle applies the ingestion rules to one message and queues its entries.
func (s *Service) Handle(sessionName, channelID string, ing *schedule.Ingestor, msg transport.Message) Report {
	rep := Report{Entries: []schedule.Entry{}}
	switch {
	case msg.FromSelf:
		rep.Result = ResultSelf
	case channelID != "" && msg.ChannelID != channelID:
		rep.Result = ResultForeign
	case schedule.MentionSkipped(msg.Text):
		rep.Result = ResultMention
	default:
		rep.Entries = s.parser.ParseMessage(msg.Text)
		rep.Result = ResultIgnored
		if len(rep.Entries) > 0 {
			rep.Result = ResultParsed
		}
	}
	s.messages.WithLabelValues(sessionName, rep.Result).Inc()
	if rep.Result != ResultParsed {
		s.log.Debug("message not ingested", logx.String("source", sessionName), logx.String("msg", msg.ID), logx.String("result", rep.Result))
		return rep
	}
	s.entries.WithLabelValues(sessionName).Add(float64(len(rep.Entries)))
	s.log.Info("schedule entries parsed",
		logx.String("source", sessionName), logx.String("msg", msg.ID),
		logx.String("author", msg.AuthorName), logx.Int("entries", len(rep.Entries)))
	if ing != nil {
		ing.Add(rep.Entries)
	}
	return rep
}

// IngestText parses operator-supplied text and merges it right away.
func (s *Service) IngestText(ctx context.Context, text string) (Report, error) {
	s.mu.Lock()
	if s.admin == nil {
		s.admin = s.factory("admin")
	}
	ing := s.admin
	s.mu.Unlock()

	rep := s.Handle("admin", "", ing, transport.Message{ID: "admin", Text: text, At: time.Now()})
	if rep.Result != ResultParsed {
		return rep, nil
	}
	return rep, ing.Flush(ctx)
}

// Start launches every attached source and its consumer.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	sessions := append([]*session(nil), s.sessions...)
	s.mu.Unlock()

	var errs []error
	for _, sess := range sessions {
		ch := make(chan transport.Update, 64)
		if err := sess.src.Start(sup.Context(), ch); err != nil {
			errs = append(errs, fmt.Errorf("start %s: %w", sess.name, err))
			continue
		}
		sup.GoRestart("consume."+sess.name, func(c context.Context) error {
			return s.consume(c, sess, ch)
		})
		s.log.Info("ingest session started", logx.String("source", sess.name), logx.String("channel", sess.channelID))
	}
	return errors.Join(errs...)
}

func (s *Service) consume(ctx context.Context, sess *session, ch <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up := <-ch:
			if up.Message == nil {
				continue
			}
			s.Handle(sess.name, sess.channelID, sess.ing, *up.Message)
		}
	}
}

// Stop stops the sources, then flushes every session.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	sessions := append([]*session(nil), s.sessions...)
	admin := s.admin
	s.mu.Unlock()

	var errs []error
	for _, sess := range sessions {
		if err := sess.src.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", sess.name, err))
		}
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	for _, sess := range sessions {
		if err := sess.ing.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", sess.name, err))
		}
	}
	if admin != nil {
		if err := admin.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush admin: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Pending reports queued entries per session.
func (s *Service) Pending() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.sessions))
	for _, sess := range s.sessions {
		out[sess.name] = sess.ing.Pending()
	}
	return out
}
