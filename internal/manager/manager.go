// Package manager exposes the mutating API over subscriptions and couples
// it to the polling engine. This is the surface the chat front end calls.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/feed"
	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/storage"
	"github.com/DoctorSlayer/telegram-rss-bot-2/pkg/logx"
)

var (
	ErrAccessDenied = errors.New("access denied")
	ErrUnknownUser  = errors.New("unknown user")
	ErrUnknownTopic = errors.New("unknown topic")
)

// Lifecycle is the slice of the polling engine the manager drives.
type Lifecycle interface {
	StartUser(userID int64)
	StopUser(ctx context.Context, userID int64) error
}

type Manager struct {
	subs   *storage.SubscriptionStore
	reg    *feed.Registry
	engine Lifecycle
	log    logx.Logger

	// ownersMu guards owners: SetOwners runs on the config-reload
	// goroutine while RegisterOwner reads on the dispatch goroutine.
	ownersMu sync.RWMutex
	owners   map[int64]bool
}

func New(subs *storage.SubscriptionStore, reg *feed.Registry, engine Lifecycle,
	ownerIDs []int64, log logx.Logger) *Manager {

	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{subs: subs, reg: reg, engine: engine, log: log}
	m.SetOwners(ownerIDs)
	return m
}

// SetOwners replaces the owner allow-list (config hot reload).
func (m *Manager) SetOwners(ownerIDs []int64) {
	owners := make(map[int64]bool, len(ownerIDs))
	for _, id := range ownerIDs {
		owners[id] = true
	}
	m.ownersMu.Lock()
	m.owners = owners
	m.ownersMu.Unlock()
}

func (m *Manager) isOwner(userID int64) bool {
	m.ownersMu.RLock()
	defer m.ownersMu.RUnlock()
	return m.owners[userID]
}

// IsKnown reports whether the user has a subscription record.
func (m *Manager) IsKnown(userID int64) bool {
	sub, err := m.subs.Get(userID)
	return err == nil && sub != nil
}

// Get returns a copy of the user's subscription, or ErrUnknownUser.
func (m *Manager) Get(userID int64) (*storage.Subscription, error) {
	sub, err := m.subs.Get(userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrUnknownUser
	}
	return sub, nil
}

// RegisterOwner provisions a default subscription for a configured owner.
// Idempotent; non-owners get ErrAccessDenied. Other users are added to the
// store out of band.
func (m *Manager) RegisterOwner(userID int64) error {
	return m.subs.Update(func(s map[int64]*storage.Subscription) error {
		if _, ok := s[userID]; ok {
			return nil
		}
		if !m.isOwner(userID) {
			return ErrAccessDenied
		}
		s[userID] = &storage.Subscription{}
		m.log.Info("owner provisioned", logx.Int64("user", userID))
		return nil
	})
}

// SetTopic binds the user to a topic from the registry.
func (m *Manager) SetTopic(userID int64, topic string) error {
	if !m.reg.Has(topic) {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	return m.subs.Update(func(s map[int64]*storage.Subscription) error {
		sub, ok := s[userID]
		if !ok {
			return ErrUnknownUser
		}
		sub.Topic = topic
		return nil
	})
}

// AddChannel appends a destination if not already present (idempotent).
func (m *Manager) AddChannel(userID, channelID int64) error {
	return m.subs.Update(func(s map[int64]*storage.Subscription) error {
		sub, ok := s[userID]
		if !ok {
			return ErrUnknownUser
		}
		for _, ch := range sub.Channels {
			if ch == channelID {
				return nil
			}
		}
		sub.Channels = append(sub.Channels, channelID)
		return nil
	})
}

// SetActive flips the polling flag. On false -> true the user's polling task
// is (re)started; on true -> false it is cancelled and SetActive waits for
// the task to reach a safe suspension point before returning, so a stopped
// user never races a still-in-flight publish.
func (m *Manager) SetActive(ctx context.Context, userID int64, active bool) error {
	err := m.subs.Update(func(s map[int64]*storage.Subscription) error {
		sub, ok := s[userID]
		if !ok {
			return ErrUnknownUser
		}
		sub.Active = active
		return nil
	})
	if err != nil {
		return err
	}

	if active {
		m.engine.StartUser(userID)
		return nil
	}
	return m.engine.StopUser(ctx, userID)
}
