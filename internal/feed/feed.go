// Package feed provides the topic registry, feed fetching and item
// fingerprinting for the polling pipeline.
package feed

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// Item is one fetched feed entry. Ephemeral: it lives for a single poll
// cycle and only its fingerprint is persisted.
type Item struct {
	SourceURL string
	ItemID    string // GUID, falling back to link
	Title     string
	Summary   string
}

// Fingerprint derives the stable dedup key for an item: source URL plus the
// item's identity (GUID/link, or title when the feed provides neither).
func (it Item) Fingerprint() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(it.SourceURL))
	_, _ = h.Write([]byte{0})
	id := it.ItemID
	if id == "" {
		id = it.Title
	}
	_, _ = h.Write([]byte(id))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Registry maps a topic name to its ordered source URLs.
// It is immutable after construction; the process must be restarted to
// change topic definitions.
type Registry struct {
	topics map[string][]string
}

func NewRegistry(topics map[string][]string) *Registry {
	cp := make(map[string][]string, len(topics))
	for name, urls := range topics {
		cp[name] = append([]string(nil), urls...)
	}
	return &Registry{topics: cp}
}

// Sources returns the topic's source URLs in configured order.
func (r *Registry) Sources(topic string) ([]string, bool) {
	urls, ok := r.topics[topic]
	return urls, ok
}

func (r *Registry) Has(topic string) bool {
	_, ok := r.topics[topic]
	return ok
}

// Names lists topic names in stable order (for menu rendering).
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.topics))
	for n := range r.topics {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
