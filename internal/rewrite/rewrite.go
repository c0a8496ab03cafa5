// Package rewrite adapts the external text-transformation provider (an
// OpenAI-compatible chat-completions endpoint) behind a small interface.
package rewrite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/DoctorSlayer/telegram-rss-bot-2/pkg/logx"
)

// ErrRewrite marks a non-transient provider failure (malformed response,
// authentication). The caller skips the item for this cycle; since mark-seen
// only happens after a successful publish, the item is retried next cycle.
var ErrRewrite = errors.New("rewrite failed")

// Rewriter turns a raw feed item into the text to publish.
type Rewriter interface {
	Rewrite(ctx context.Context, title, summary string) (string, error)
}

const (
	defaultTimeout = 30 * time.Second
	defaultRetries = 2
	backoffBase    = 500 * time.Millisecond

	// The provider only needs enough of the summary to reformulate it.
	maxSummaryLen = 500
)

type Config struct {
	BaseURL  string
	APIKey   string
	Model    string
	Timeout  time.Duration
	RetryMax int
}

// Client speaks the chat-completions JSON protocol with bounded timeout and
// exponential-backoff retries on transient failures.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("rewrite.base_url is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("rewrite.model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = defaultRetries
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Client) Rewrite(ctx context.Context, title, summary string) (string, error) {
	prompt := buildPrompt(title, summary)

	var last error
	for attempt := 0; attempt <= c.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				tmr.Stop()
				return "", ctx.Err()
			case <-tmr.C:
			}
			c.log.Debug("rewrite retry",
				logx.Int("attempt", attempt+1), logx.Duration("delay", delay))
		}

		text, err := c.call(ctx, prompt)
		if err == nil {
			return text, nil
		}
		if errors.Is(err, ErrRewrite) || ctx.Err() != nil {
			return "", err
		}
		last = err
	}
	return "", fmt.Errorf("rewrite: retries exhausted: %w", last)
}

func (c *Client) call(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrRewrite, err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrRewrite, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network errors and client timeouts are transient.
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("provider http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	default:
		// 4xx other than 429: auth/config problems, retrying won't help.
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: provider http %d: %s", ErrRewrite, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrRewrite, err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%w: empty completion", ErrRewrite)
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func buildPrompt(title, summary string) string {
	summary = truncate(summary, maxSummaryLen)
	var b strings.Builder
	b.WriteString("Reformulate this feed item as a short Telegram post:\n")
	b.WriteString("Title: ")
	b.WriteString(title)
	b.WriteString("\nText: ")
	b.WriteString(summary)
	return b.String()
}

// truncate cuts s to at most max bytes without splitting a UTF-8 rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
