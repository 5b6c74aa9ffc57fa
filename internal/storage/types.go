package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrClosed        = errors.New("storage: closed")
	ErrUnknownDriver = errors.New("storage: unknown driver")
)

type Config struct {
	Driver      string
	Path        string // sqlite database file or file-driver prefix
	DSN         string // postgres
	BusyTimeout time.Duration

	// Postgres connect retries; zero values use 10 attempts every 2s.
	ConnectAttempts int
	ConnectInterval time.Duration
}

type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

type Preferences struct {
	LoungeQueue bool `json:"loungeQueue"`
	SQQueue     bool `json:"sqQueue"`
}

// DefaultPreferences is applied when a subscribe request omits preferences.
var DefaultPreferences = Preferences{LoungeQueue: true, SQQueue: true}

type Subscription struct {
	ID          string      `json:"id"`
	Endpoint    string      `json:"endpoint"`
	Keys        Keys        `json:"keys"`
	Preferences Preferences `json:"preferences"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	ExpiredAt   *time.Time  `json:"expiredAt,omitempty"`
}

type NotificationType string

const (
	TypeLoungeQueue NotificationType = "lounge_queue"
	TypeSQQueue     NotificationType = "sq_queue"
	TypeTest        NotificationType = "test"
)

// NotificationLog is one dispatched window. Its existence is the dedup guard
// for Key; Results stays empty until the fan-out completes.
type NotificationLog struct {
	ID      string           `json:"id"`
	Key     string           `json:"key"`
	Type    NotificationType `json:"type"`
	Ref     string           `json:"ref"`
	Meta    json.RawMessage  `json:"meta,omitempty"`
	SentAt  time.Time        `json:"sentAt"`
	Results json.RawMessage  `json:"results,omitempty"`
}

type SubscriptionStats struct {
	Total         int `json:"total"`
	Active        int `json:"active"`
	LoungeEnabled int `json:"loungeEnabled"`
	SQEnabled     int `json:"sqEnabled"`
}
