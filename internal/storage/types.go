package storage

import (
	"errors"
	"time"
)

// ErrCorrupt marks a persisted form that could not be decoded. Callers that
// can tolerate it (boot path) fall back to an empty mapping and log; callers
// that cannot (mutations) surface it.
var ErrCorrupt = errors.New("store corrupt")

// Subscription is one authorized user's state.
//
// Channels may contain duplicates historically; delivery treats a repeated
// destination as idempotent. An empty Topic means "no topic selected,
// polling disabled", and Active without a Topic is treated as inactive.
type Subscription struct {
	Channels []int64 `json:"channels"`
	Topic    string  `json:"topic,omitempty"`
	Active   bool    `json:"active"`
}

// Clone returns a deep copy so callers can hold it outside the store lock.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Channels = append([]int64(nil), s.Channels...)
	return &cp
}

// Runnable reports whether polling should run for this subscription.
func (s *Subscription) Runnable() bool {
	return s != nil && s.Active && s.Topic != ""
}

// Config configures the storage layer.
type Config struct {
	SubscriptionsPath string
	SeenPath          string
	BusyTimeout       time.Duration // sqlite; 0 means default
}

// AuditEntry records one publish attempt outcome.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time
	UserID int64
	Topic  string
	Source string
	ChatID int64
	OK     bool
	Error  string
	TookMS int64
}
