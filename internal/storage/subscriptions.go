package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/DoctorSlayer/telegram-rss-bot-2/pkg/logx"
)

// SubscriptionStore owns the user -> Subscription mapping on disk.
//
// All access is serialized through one mutex; Update re-reads the file,
// applies the mutation and writes the whole mapping back atomically.
type SubscriptionStore struct {
	path string
	log  logx.Logger

	mu sync.Mutex
}

func NewSubscriptionStore(path string, log logx.Logger) (*SubscriptionStore, error) {
	if path == "" {
		return nil, errors.New("storage.subscriptions_path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SubscriptionStore{path: path, log: log}, nil
}

// Load returns the full mapping. A missing file is an empty mapping; an
// unreadable or malformed file is reported as ErrCorrupt.
func (s *SubscriptionStore) Load() (map[int64]*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *SubscriptionStore) loadLocked() (map[int64]*Subscription, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[int64]*Subscription{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorrupt, s.path, err)
	}

	// JSON object keys are strings; user ids are decimal int64.
	var raw map[string]*Subscription
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrCorrupt, s.path, err)
	}

	out := make(map[int64]*Subscription, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad user id %q in %s", ErrCorrupt, k, s.path)
		}
		if v == nil {
			v = &Subscription{}
		}
		out[id] = v
	}
	return out, nil
}

// Save persists the full mapping atomically (write temp, fsync, rename).
func (s *SubscriptionStore) Save(m map[int64]*Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(m)
}

func (s *SubscriptionStore) saveLocked(m map[int64]*Subscription) error {
	raw := make(map[string]*Subscription, len(m))
	for id, sub := range m {
		raw[strconv.FormatInt(id, 10)] = sub
	}
	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}

// Update runs one load -> modify -> save transaction. The mutation sees the
// current on-disk state; a nil error from fn commits the whole mapping.
func (s *SubscriptionStore) Update(fn func(m map[int64]*Subscription) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadLocked()
	if err != nil {
		return err
	}
	if err := fn(m); err != nil {
		return err
	}
	return s.saveLocked(m)
}

// Get returns a copy of one user's subscription, or nil if absent.
// The polling engine re-reads state through this before every cycle.
func (s *SubscriptionStore) Get(userID int64) (*Subscription, error) {
	m, err := s.Load()
	if err != nil {
		return nil, err
	}
	return m[userID].Clone(), nil
}

// ActiveUsers lists users whose polling should run, in stable order.
func (s *SubscriptionStore) ActiveUsers() ([]int64, error) {
	m, err := s.Load()
	if err != nil {
		return nil, err
	}
	var ids []int64
	for id, sub := range m {
		if sub.Runnable() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
