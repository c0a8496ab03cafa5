// Package engine runs the per-user poll -> dedup -> rewrite -> publish
// pipeline.
//
// Each active user owns one runner goroutine, so a slow fetch or rewrite for
// one user never delays another. A runner moves Idle -> Polling -> Stopping
// -> Idle; cancellation is cooperative and only honored at safe points
// (between sources and before an item's fan-out), never mid-fan-out.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/feed"
	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/publish"
	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/rewrite"
	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/storage"
	"github.com/DoctorSlayer/telegram-rss-bot-2/pkg/logx"
)

// Fetcher retrieves the most recent items of one source.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string, limit int) ([]feed.Item, error)
}

// Publisher fans one text out to a user's destinations.
type Publisher interface {
	FanOut(ctx context.Context, dests []int64, text string) []publish.Outcome
}

type Config struct {
	Interval       time.Duration
	ItemsPerSource int
}

type Engine struct {
	cfg Config

	subs *storage.SubscriptionStore
	seen storage.SeenStore
	reg  *feed.Registry

	fetcher  Fetcher
	rewriter rewrite.Rewriter
	pub      Publisher

	log logx.Logger

	mu      sync.Mutex
	ctx     context.Context // set at Start; parent of every runner
	runners map[int64]*runner
}

type runner struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, subs *storage.SubscriptionStore, seen storage.SeenStore,
	reg *feed.Registry, fetcher Fetcher, rewriter rewrite.Rewriter,
	pub Publisher, log logx.Logger) *Engine {

	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.ItemsPerSource <= 0 {
		cfg.ItemsPerSource = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:      cfg,
		subs:     subs,
		seen:     seen,
		reg:      reg,
		fetcher:  fetcher,
		rewriter: rewriter,
		pub:      pub,
		log:      log,
		runners:  make(map[int64]*runner),
	}
}

// SetInterval applies a new polling interval. Running runners pick it up on
// their next tick reset; new runners use it immediately.
func (e *Engine) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	e.cfg.Interval = d
	e.mu.Unlock()
}

func (e *Engine) interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Interval
}

// Start binds the engine to ctx and resumes polling for every user persisted
// as active. A corrupt store degrades to "no users" and is logged, never
// fatal.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	ids, err := e.subs.ActiveUsers()
	if err != nil {
		e.log.Error("loading active users failed; starting with none", logx.Err(err))
		return
	}
	for _, id := range ids {
		e.StartUser(id)
	}
	if len(ids) > 0 {
		e.log.Info("resumed polling for active users", logx.Int("count", len(ids)))
	}
}

// StartUser spawns the user's polling runner. Idempotent: a user that is
// already Polling is left alone.
func (e *Engine) StartUser(userID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx == nil || e.ctx.Err() != nil {
		return
	}
	if _, ok := e.runners[userID]; ok {
		return
	}

	rctx, cancel := context.WithCancel(e.ctx)
	r := &runner{cancel: cancel, done: make(chan struct{})}
	e.runners[userID] = r

	go e.run(rctx, userID, r)
	e.log.Info("polling started", logx.Int64("user", userID))
}

// StopUser requests cancellation of the user's runner and waits for it to
// reach a safe suspension point. When StopUser returns nil, no publish for
// that user is in flight or will start.
func (e *Engine) StopUser(ctx context.Context, userID int64) error {
	e.mu.Lock()
	r, ok := e.runners[userID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	r.cancel()
	select {
	case <-r.done:
		e.log.Info("polling stopped", logx.Int64("user", userID))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the user's runner is active.
func (e *Engine) Running(userID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runners[userID]
	return ok
}

// Stop cancels all runners and waits for them, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	rs := make([]*runner, 0, len(e.runners))
	for _, r := range e.runners {
		rs = append(rs, r)
	}
	e.mu.Unlock()

	for _, r := range rs {
		r.cancel()
	}
	for _, r := range rs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) run(ctx context.Context, userID int64, r *runner) {
	defer func() {
		e.mu.Lock()
		if e.runners[userID] == r {
			delete(e.runners, userID)
		}
		e.mu.Unlock()
		close(r.done)
	}()

	// First cycle runs immediately: activation should post without waiting
	// a full interval.
	for {
		e.cycle(ctx, userID)
		if ctx.Err() != nil {
			return
		}
		tmr := time.NewTimer(e.interval())
		select {
		case <-ctx.Done():
			tmr.Stop()
			return
		case <-tmr.C:
		}
	}
}
