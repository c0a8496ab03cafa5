package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/feed"
	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/publish"
	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/storage"
	"github.com/DoctorSlayer/telegram-rss-bot-2/pkg/logx"
)

type fakeFetcher struct {
	mu    sync.Mutex
	items map[string][]feed.Item
	errs  map[string]error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, limit int) ([]feed.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	items := f.items[url]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

type fakeRewriter struct {
	mu    sync.Mutex
	calls int
	// failFor maps a title to a queue of errors returned before success.
	failFor map[string][]error
}

func (r *fakeRewriter) Rewrite(_ context.Context, title, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if q := r.failFor[title]; len(q) > 0 {
		err := q[0]
		r.failFor[title] = q[1:]
		return "", err
	}
	return "rewritten: " + title, nil
}

func (r *fakeRewriter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakePublisher struct {
	mu      sync.Mutex
	sends   int
	fanouts int
	failAll bool
	delay   time.Duration
	started chan struct{} // closed once on first fan-out, if set
	once    sync.Once
}

func (p *fakePublisher) FanOut(_ context.Context, dests []int64, _ string) []publish.Outcome {
	if p.started != nil {
		p.once.Do(func() { close(p.started) })
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fanouts++
	seen := map[int64]bool{}
	var outs []publish.Outcome
	for _, d := range dests {
		if seen[d] {
			continue
		}
		seen[d] = true
		o := publish.Outcome{ChatID: d, Attempts: 1}
		if p.failAll {
			o.Err = errors.New("delivery failed")
		} else {
			p.sends++
		}
		outs = append(outs, o)
	}
	return outs
}

func (p *fakePublisher) sendCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sends
}

type fixture struct {
	subs *storage.SubscriptionStore
	seen *storage.MemorySeen
	ff   *fakeFetcher
	fr   *fakeRewriter
	fp   *fakePublisher
	eng  *Engine
}

func newFixture(t *testing.T, interval time.Duration) *fixture {
	t.Helper()
	subs, err := storage.NewSubscriptionStore(filepath.Join(t.TempDir(), "subs.json"), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	reg := feed.NewRegistry(map[string][]string{
		"Tech": {"https://a/feed", "https://b/feed"},
	})
	ff := &fakeFetcher{
		items: map[string][]feed.Item{
			"https://a/feed": {{SourceURL: "https://a/feed", ItemID: "a-1", Title: "A", Summary: "sa"}},
			"https://b/feed": {{SourceURL: "https://b/feed", ItemID: "b-1", Title: "B", Summary: "sb"}},
		},
		errs: map[string]error{},
	}
	fr := &fakeRewriter{failFor: map[string][]error{}}
	fp := &fakePublisher{}
	seen := storage.NewMemorySeen()

	eng := New(Config{Interval: interval, ItemsPerSource: 1},
		subs, seen, reg, ff, fr, fp, logx.Nop())
	return &fixture{subs: subs, seen: seen, ff: ff, fr: fr, fp: fp, eng: eng}
}

func (f *fixture) seed(t *testing.T, userID int64, sub *storage.Subscription) {
	t.Helper()
	if err := f.subs.Update(func(m map[int64]*storage.Subscription) error {
		m[userID] = sub
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

// Two sources with one new item each, two channels: exactly 2 rewrites and
// 4 deliveries per cycle.
func TestCycleCounts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)
	f.seed(t, 1, &storage.Subscription{Channels: []int64{-1, -2}, Topic: "Tech", Active: true})

	f.eng.cycle(context.Background(), 1)

	if got := f.fr.callCount(); got != 2 {
		t.Fatalf("rewrites = %d, want 2", got)
	}
	if got := f.fp.sendCount(); got != 4 {
		t.Fatalf("deliveries = %d, want 4", got)
	}
}

func TestSeenItemsNeverRewrittenAgain(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)
	f.seed(t, 1, &storage.Subscription{Channels: []int64{-1}, Topic: "Tech", Active: true})

	f.eng.cycle(context.Background(), 1)
	f.eng.cycle(context.Background(), 1)

	if got := f.fr.callCount(); got != 2 {
		t.Fatalf("rewrites = %d, want 2 (seen items must be filtered)", got)
	}
}

func TestRewriteFailureDefersItem(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)
	f.seed(t, 1, &storage.Subscription{Channels: []int64{-1}, Topic: "Tech", Active: true})
	f.fr.failFor["A"] = []error{errors.New("provider timeout")}

	f.eng.cycle(context.Background(), 1)
	// B still published in the same cycle.
	if got := f.fp.sendCount(); got != 1 {
		t.Fatalf("deliveries after cycle 1 = %d, want 1", got)
	}

	f.eng.cycle(context.Background(), 1)
	// A retried and published; B not re-sent.
	if got := f.fp.sendCount(); got != 2 {
		t.Fatalf("deliveries after cycle 2 = %d, want 2", got)
	}
}

func TestTotalPublishFailureLeavesItemUnseen(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)
	f.seed(t, 1, &storage.Subscription{Channels: []int64{-1}, Topic: "Tech", Active: true})
	f.fp.failAll = true

	f.eng.cycle(context.Background(), 1)
	f.fp.failAll = false
	f.eng.cycle(context.Background(), 1)

	if got := f.fp.sendCount(); got != 2 {
		t.Fatalf("deliveries = %d, want 2 (both items retried after total failure)", got)
	}
}

func TestActiveWithoutTopicIsInactive(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)
	f.seed(t, 1, &storage.Subscription{Channels: []int64{-1}, Topic: "", Active: true})

	f.eng.cycle(context.Background(), 1)

	f.ff.mu.Lock()
	calls := f.ff.calls
	f.ff.mu.Unlock()
	if calls != 0 {
		t.Fatalf("fetch calls = %d, want 0 for active-without-topic", calls)
	}
}

func TestFetchFailureIsolatedPerSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)
	f.seed(t, 1, &storage.Subscription{Channels: []int64{-1}, Topic: "Tech", Active: true})
	f.ff.errs["https://a/feed"] = errors.New("dns failure")

	f.eng.cycle(context.Background(), 1)

	if got := f.fp.sendCount(); got != 1 {
		t.Fatalf("deliveries = %d, want 1 (source b unaffected)", got)
	}
}

func TestStopUserWaitsForInFlightFanOut(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)
	f.seed(t, 1, &storage.Subscription{Channels: []int64{-1}, Topic: "Tech", Active: true})
	f.fp.delay = 150 * time.Millisecond
	f.fp.started = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.eng.Start(ctx)
	f.eng.StartUser(1)

	select {
	case <-f.fp.started:
	case <-time.After(5 * time.Second):
		t.Fatal("fan-out never started")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := f.eng.StopUser(stopCtx, 1); err != nil {
		t.Fatalf("StopUser: %v", err)
	}

	after := f.fp.sendCount()
	time.Sleep(250 * time.Millisecond)
	if got := f.fp.sendCount(); got != after {
		t.Fatalf("publishes after StopUser returned: %d -> %d", after, got)
	}
	if f.eng.Running(1) {
		t.Fatal("user still running after StopUser")
	}
}

func TestStartResumesPersistedActiveUsers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)
	f.seed(t, 1, &storage.Subscription{Channels: []int64{-1}, Topic: "Tech", Active: true})
	f.seed(t, 2, &storage.Subscription{Channels: []int64{-2}, Topic: "Tech", Active: false})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.eng.Start(ctx)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = f.eng.Stop(sctx)
	})

	if !f.eng.Running(1) {
		t.Fatal("active user 1 not resumed")
	}
	if f.eng.Running(2) {
		t.Fatal("inactive user 2 must not run")
	}
}

func TestStartUserIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)
	f.seed(t, 1, &storage.Subscription{Channels: []int64{-1}, Topic: "Tech", Active: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.eng.Start(ctx)
	f.eng.StartUser(1)
	f.eng.StartUser(1)

	f.eng.mu.Lock()
	n := len(f.eng.runners)
	f.eng.mu.Unlock()
	if n != 1 {
		t.Fatalf("runners = %d, want 1", n)
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := f.eng.Stop(sctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
