// Package publish delivers rewritten text to every channel registered for a
// user, isolating failures per destination.
package publish

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/transport"
	"github.com/DoctorSlayer/telegram-rss-bot-2/pkg/logx"
)

// Sender is the slice of the transport adapter the publisher needs.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error
}

// Outcome is the per-destination result of one fan-out.
type Outcome struct {
	ChatID   int64
	Err      error // nil on success
	Attempts int
	Took     time.Duration
}

type Config struct {
	RatePerSec int
	RetryMax   int
}

const (
	defaultRatePerSec = 25
	defaultRetryMax   = 2
	sendTimeout       = 10 * time.Second
)

type Publisher struct {
	sender   Sender
	limiter  *rate.Limiter
	retryMax int
	log      logx.Logger
}

func New(cfg Config, sender Sender, log logx.Logger) *Publisher {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = defaultRatePerSec
	}
	retry := cfg.RetryMax
	if retry < 0 {
		retry = defaultRetryMax
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{
		sender:   sender,
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		retryMax: retry,
		log:      log,
	}
}

// FanOut delivers text to every destination, each attempted independently;
// a failure for one never prevents attempts on the others. Duplicate
// destinations are delivered once.
//
// Cancellation of ctx is deliberately not observed here: the engine checks
// its stop signal before starting a fan-out, and once started the current
// item's fan-out always runs to completion so a stop can never leave a
// subset of channels published. Every send is still individually
// time-bounded.
func (p *Publisher) FanOut(ctx context.Context, dests []int64, text string) []Outcome {
	base := context.WithoutCancel(ctx)

	outcomes := make([]Outcome, 0, len(dests))
	seen := make(map[int64]bool, len(dests))
	for _, chatID := range dests {
		if seen[chatID] {
			continue
		}
		seen[chatID] = true
		outcomes = append(outcomes, p.sendOne(base, chatID, text))
	}
	return outcomes
}

func (p *Publisher) sendOne(ctx context.Context, chatID int64, text string) Outcome {
	start := time.Now()
	out := Outcome{ChatID: chatID}

	var last error
	for i := 0; i <= p.retryMax; i++ {
		out.Attempts = i + 1

		if err := p.limiter.Wait(ctx); err != nil {
			out.Err = err
			out.Took = time.Since(start)
			return out
		}

		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := p.sender.SendText(sctx, transport.ChatTarget{ChatID: chatID}, text, nil)
		cancel()
		if err == nil {
			out.Took = time.Since(start)
			return out
		}
		last = err
		if !transient(err) || i == p.retryMax {
			break
		}

		delay := p.retryDelay(i, err)
		p.log.Debug("publish retry scheduled",
			logx.Int64("chat_id", chatID),
			logx.Int("attempt", i+2),
			logx.Duration("delay", delay),
			logx.Err(err))
		time.Sleep(delay)
	}

	out.Err = last
	out.Took = time.Since(start)
	p.log.Warn("publish failed",
		logx.Int64("chat_id", chatID),
		logx.Int("attempts", out.Attempts),
		logx.Err(last))
	return out
}

// transient reports whether a send failure is worth another attempt: a
// platform rate limit or a timed-out send. Anything else (unknown chat, bot
// not an admin of the channel) fails the same way every time.
func transient(err error) bool {
	var rl *transport.RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// retryDelay honors a platform retry-after hint when present, otherwise a
// small linear backoff.
func (p *Publisher) retryDelay(attempt int, err error) time.Duration {
	var rl *transport.RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	return time.Duration(200+100*attempt) * time.Millisecond
}
