package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySeen is an in-process SeenStore. It backs tests and keeps the
// pipeline usable when no seen database is configured.
type MemorySeen struct {
	mu   sync.Mutex
	rows map[memKey]memRow
}

type memKey struct {
	userID int64
	topic  string
	fp     string
}

type memRow struct {
	source string
	at     time.Time
}

func NewMemorySeen() *MemorySeen {
	return &MemorySeen{rows: make(map[memKey]memRow)}
}

func (m *MemorySeen) IsNew(_ context.Context, userID int64, topic, fp string) (bool, error) {
	if fp == "" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[memKey{userID, topic, fp}]
	return !ok, nil
}

func (m *MemorySeen) MarkSeen(_ context.Context, userID int64, topic, source, fp string) error {
	if fp == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[memKey{userID, topic, fp}] = memRow{source: source, at: time.Now()}
	return nil
}

func (m *MemorySeen) Prune(_ context.Context, maxAge time.Duration, perSource int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge)
		for k, r := range m.rows {
			if r.at.Before(cutoff) {
				delete(m.rows, k)
				removed++
			}
		}
	}

	if perSource > 0 {
		type entry struct {
			k memKey
			r memRow
		}
		groups := make(map[memKey][]entry) // key.fp empty; grouped by user/topic/source
		for k, r := range m.rows {
			gk := memKey{userID: k.userID, topic: k.topic, fp: r.source}
			groups[gk] = append(groups[gk], entry{k, r})
		}
		for _, es := range groups {
			if len(es) <= perSource {
				continue
			}
			sort.Slice(es, func(i, j int) bool { return es[i].r.at.After(es[j].r.at) })
			for _, e := range es[perSource:] {
				delete(m.rows, e.k)
				removed++
			}
		}
	}
	return removed, nil
}

func (m *MemorySeen) AppendAudit(context.Context, AuditEntry) error { return nil }

func (m *MemorySeen) Close() error { return nil }
