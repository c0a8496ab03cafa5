// Package bot is the chat front end: it parses incoming updates, calls the
// subscription manager's operations and renders replies. No polling or
// delivery logic lives here.
package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/feed"
	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/manager"
	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/transport"
	"github.com/DoctorSlayer/telegram-rss-bot-2/pkg/logx"
)

// Ops is the slice of the subscription manager the router drives.
type Ops interface {
	RegisterOwner(userID int64) error
	SetTopic(userID int64, topic string) error
	AddChannel(userID, channelID int64) error
	SetActive(ctx context.Context, userID int64, active bool) error
	IsKnown(userID int64) bool
}

// Chat is the slice of the transport adapter the router replies through.
type Chat interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

type Router struct {
	ops  Ops
	chat Chat
	reg  *feed.Registry
	log  logx.Logger
}

func NewRouter(ops Ops, chat Chat, reg *feed.Registry, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{ops: ops, chat: chat, reg: reg, log: log}
}

// DispatchLoop consumes updates until ctx is done.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			switch up.Kind {
			case transport.UpdateMessage:
				if up.Message != nil {
					r.handleMessage(ctx, up.Message)
				}
			case transport.UpdateCallback:
				if up.Callback != nil {
					r.handleCallback(ctx, up.Callback)
				}
			}
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, m *transport.Message) {
	text := strings.TrimSpace(m.Text)

	if text == "/start" {
		if err := r.ops.RegisterOwner(m.FromID); err != nil {
			if errors.Is(err, manager.ErrAccessDenied) {
				r.reply(ctx, m.ChatID, "You don't have access to this bot.", nil)
				return
			}
			r.log.Error("owner registration failed", logx.Int64("user", m.FromID), logx.Err(err))
			r.reply(ctx, m.ChatID, "Something went wrong, try again later.", nil)
			return
		}
		r.reply(ctx, m.ChatID, "Hi! Pick an action:", mainMenu())
		return
	}

	if !r.ops.IsKnown(m.FromID) {
		return
	}

	// A bare numeric message registers a delivery channel.
	if id, err := strconv.ParseInt(text, 10, 64); err == nil {
		if err := r.ops.AddChannel(m.FromID, id); err != nil {
			r.log.Warn("add channel failed", logx.Int64("user", m.FromID), logx.Err(err))
			r.reply(ctx, m.ChatID, "Could not add that channel.", nil)
			return
		}
		r.reply(ctx, m.ChatID, "Channel "+text+" added to the fan-out.", nil)
	}
}

func (r *Router) handleCallback(ctx context.Context, cb *transport.Callback) {
	if !r.ops.IsKnown(cb.FromID) {
		_ = r.chat.AnswerCallback(ctx, cb.ID, "No access")
		return
	}
	_ = r.chat.AnswerCallback(ctx, cb.ID, "")

	switch {
	case strings.HasPrefix(cb.Data, "topic:"):
		topic := strings.TrimPrefix(cb.Data, "topic:")
		if err := r.ops.SetTopic(cb.FromID, topic); err != nil {
			if errors.Is(err, manager.ErrUnknownTopic) {
				r.reply(ctx, cb.ChatID, "Unknown topic.", nil)
				return
			}
			r.log.Warn("set topic failed", logx.Int64("user", cb.FromID), logx.Err(err))
			r.reply(ctx, cb.ChatID, "Could not set the topic.", nil)
			return
		}
		r.reply(ctx, cb.ChatID, "Topic set: "+topic, nil)

	case cb.Data == "choose_topic":
		r.reply(ctx, cb.ChatID, "Pick a topic:", topicMenu(r.reg))

	case cb.Data == "start_posting":
		if err := r.ops.SetActive(ctx, cb.FromID, true); err != nil {
			r.log.Warn("start posting failed", logx.Int64("user", cb.FromID), logx.Err(err))
			r.reply(ctx, cb.ChatID, "Could not start posting.", nil)
			return
		}
		r.reply(ctx, cb.ChatID, "Posting started.", nil)

	case cb.Data == "stop_posting":
		if err := r.ops.SetActive(ctx, cb.FromID, false); err != nil {
			r.log.Warn("stop posting failed", logx.Int64("user", cb.FromID), logx.Err(err))
			r.reply(ctx, cb.ChatID, "Could not stop posting.", nil)
			return
		}
		r.reply(ctx, cb.ChatID, "Posting stopped.", nil)

	case cb.Data == "add_channel":
		r.reply(ctx, cb.ChatID, "Send the channel ID (the bot must be an admin there):", nil)
	}
}

func (r *Router) reply(ctx context.Context, chatID int64, text string, markup any) {
	opt := &transport.SendOptions{}
	if markup != nil {
		opt.ReplyMarkup = markup
	}
	if err := r.chat.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, opt); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}
