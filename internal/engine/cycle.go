package engine

import (
	"context"
	"time"

	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/storage"
	"github.com/DoctorSlayer/telegram-rss-bot-2/pkg/logx"
)

// cycle runs one full poll -> filter -> rewrite -> publish pass for one user.
//
// Pipeline errors never escape: a failing source, item or destination is
// logged and skipped, and the next cycle retries whatever was not marked
// seen. State is re-read from the store at the top of every cycle so
// concurrent manager mutations are always respected.
func (e *Engine) cycle(ctx context.Context, userID int64) {
	log := e.log.With(logx.Int64("user", userID))

	sub, err := e.subs.Get(userID)
	if err != nil {
		log.Error("reading subscription failed; skipping cycle", logx.Err(err))
		return
	}
	// Active without a topic is a transient meaningless state; treat as
	// inactive rather than failing.
	if !sub.Runnable() {
		return
	}
	if len(sub.Channels) == 0 {
		log.Debug("no channels registered; skipping cycle")
		return
	}

	sources, ok := e.reg.Sources(sub.Topic)
	if !ok {
		log.Warn("subscribed topic missing from registry", logx.String("topic", sub.Topic))
		return
	}

	for _, src := range sources {
		// Safe point: between sources.
		if ctx.Err() != nil {
			return
		}
		e.pollSource(ctx, log, userID, sub, src)
	}
}

func (e *Engine) pollSource(ctx context.Context, log logx.Logger, userID int64, sub *storage.Subscription, src string) {
	slog := log.With(logx.String("source", src), logx.String("topic", sub.Topic))

	items, err := e.fetcher.Fetch(ctx, src, e.cfg.ItemsPerSource)
	if err != nil {
		// Per-source isolation: the other sources still run this cycle.
		slog.Warn("fetch failed", logx.Err(err))
		return
	}

	for _, it := range items {
		fp := it.Fingerprint()

		isNew, err := e.seen.IsNew(ctx, userID, sub.Topic, fp)
		if err != nil {
			slog.Error("dedup check failed; skipping item", logx.Err(err))
			continue
		}
		if !isNew {
			continue
		}

		text, err := e.rewriter.Rewrite(ctx, it.Title, it.Summary)
		if err != nil {
			// Not marked seen, so the item is retried next cycle.
			slog.Warn("rewrite failed; item deferred to next cycle",
				logx.String("title", it.Title), logx.Err(err))
			continue
		}

		// Safe point: before the fan-out. Once it starts it runs to
		// completion so a stop never leaves a half-published item.
		if ctx.Err() != nil {
			return
		}

		outcomes := e.pub.FanOut(ctx, sub.Channels, text)
		delivered := 0
		for _, o := range outcomes {
			e.audit(userID, sub.Topic, src, o.ChatID, o.Err, o.Took)
			if o.Err == nil {
				delivered++
			}
		}

		// At-least-once: only a publish that reached at least one channel
		// marks the item seen. A total failure leaves it for the next cycle.
		if delivered > 0 {
			if err := e.seen.MarkSeen(context.WithoutCancel(ctx), userID, sub.Topic, src, fp); err != nil {
				slog.Error("mark-seen failed; item may repost", logx.Err(err))
			}
			slog.Info("item published",
				logx.String("title", it.Title),
				logx.Int("delivered", delivered),
				logx.Int("channels", len(outcomes)))
		} else {
			slog.Warn("publish failed for all channels; item deferred",
				logx.String("title", it.Title), logx.Int("channels", len(outcomes)))
		}
	}
}

func (e *Engine) audit(userID int64, topic, src string, chatID int64, sendErr error, took time.Duration) {
	entry := storage.AuditEntry{
		UserID: userID,
		Topic:  topic,
		Source: src,
		ChatID: chatID,
		OK:     sendErr == nil,
		TookMS: took.Milliseconds(),
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	actx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.seen.AppendAudit(actx, entry); err != nil {
		e.log.Debug("audit append failed", logx.Err(err))
	}
}
