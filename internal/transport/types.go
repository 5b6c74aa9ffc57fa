// Package transport defines the chat sources that feed schedule ingestion.
package transport

import (
	"context"
	"time"
)

type Platform string

const (
	PlatformDiscord  Platform = "discord"
	PlatformTelegram Platform = "telegram"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateEdit    UpdateKind = "edit"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is a chat message normalized across platforms. IDs are strings
// because Discord snowflakes do not fit every consumer's integer type.
type Message struct {
	ID         string
	Platform   Platform
	ChannelID  string
	AuthorID   string
	AuthorName string
	// FromSelf marks messages posted by this process's own bot account.
	FromSelf bool
	Text     string
	At       time.Time
}

// Source delivers updates until Stop. Start must not block.
type Source interface {
	Name() string
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// Sink is where a running source delivers updates. Deliver waits while Out is
// full and gives up only when Ctx ends, i.e. when the source is stopping.
type Sink struct {
	Ctx context.Context
	Out chan<- Update
}

// Deliver reports whether up was accepted before Ctx ended.
func (s *Sink) Deliver(up Update) bool {
	if err := s.Ctx.Err(); err != nil {
		return false
	}
	select {
	case s.Out <- up:
		return true
	case <-s.Ctx.Done():
		return false
	}
}
