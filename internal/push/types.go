// Package push delivers Web Push payloads to browser subscriptions.
package push

import (
	"errors"
	"fmt"
	"time"
)

var ErrNotConfigured = errors.New("push: VAPID keys not configured")

// Config holds VAPID credentials and per-message delivery options.
type Config struct {
	PublicKey   string
	PrivateKey  string
	Subject     string
	TTL         time.Duration
	Urgency     string
	SendTimeout time.Duration
}

// DeliveryError is a non-2xx answer from a push service.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("push service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("push service returned %d: %s", e.StatusCode, e.Body)
}

// Expired reports whether the push service says the subscription is gone.
func (e *DeliveryError) Expired() bool {
	return e.StatusCode == 404 || e.StatusCode == 410
}

// Failure describes one recipient that was not delivered.
type Failure struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Status   int    `json:"status,omitempty"`
	Error    string `json:"error"`
}

// Result summarizes one fan-out. Failed counts expired recipients too;
// Expired lists their subscription ids and Errors the rest.
type Result struct {
	Total   int       `json:"total"`
	Success int       `json:"success"`
	Failed  int       `json:"failed"`
	Expired []string  `json:"expired"`
	Errors  []Failure `json:"errors"`
}

// AllFailed reports whether nothing was delivered and nothing expired.
func (r Result) AllFailed() bool {
	return r.Total > 0 && r.Success == 0 && len(r.Expired) == 0
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeExpired
	outcomeFailed
)

// classify maps a Send error to its outcome and HTTP status (0 when unknown).
func classify(err error) (outcome, int) {
	if err == nil {
		return outcomeSuccess, 0
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		if de.Expired() {
			return outcomeExpired, de.StatusCode
		}
		return outcomeFailed, de.StatusCode
	}
	return outcomeFailed, 0
}
