package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"
)

// Fetcher retrieves and parses one feed source per call.
//
// Each fetch is bounded by Timeout so a hung source can never wedge a
// user's polling task.
type Fetcher struct {
	parser  *gofeed.Parser
	timeout time.Duration
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Fetcher{parser: gofeed.NewParser(), timeout: timeout}
}

// Fetch returns up to limit of the most recent items from the source, newest
// first as the feed presents them.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 1
	}
	fctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	parsed, err := f.parser.ParseURLWithContext(sourceURL, fctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", sourceURL, err)
	}

	items := make([]Item, 0, limit)
	for _, entry := range parsed.Items {
		if entry == nil {
			continue
		}
		id := entry.GUID
		if id == "" {
			id = entry.Link
		}
		summary := entry.Description
		if summary == "" {
			summary = entry.Content
		}
		items = append(items, Item{
			SourceURL: sourceURL,
			ItemID:    id,
			Title:     entry.Title,
			Summary:   summary,
		})
		if len(items) >= limit {
			break
		}
	}
	return items, nil
}
