package rewrite

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/DoctorSlayer/telegram-rss-bot-2/pkg/logx"
)

func newTestClient(t *testing.T, baseURL string, retryMax int) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:  baseURL,
		APIKey:   "sk-test",
		Model:    "test-model",
		Timeout:  5 * time.Second,
		RetryMax: retryMax,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

const okBody = `{"choices":[{"message":{"role":"assistant","content":"rewritten text"}}]}`

func TestRewriteSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/v1", 0)
	got, err := c.Rewrite(context.Background(), "Title", "Summary")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if got != "rewritten text" {
		t.Fatalf("got %q", got)
	}
}

func TestRewriteRetriesTransient(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	got, err := c.Rewrite(context.Background(), "Title", "Summary")
	if err != nil {
		t.Fatalf("Rewrite after retries: %v", err)
	}
	if got != "rewritten text" {
		t.Fatalf("got %q", got)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("calls = %d, want 3", n)
	}
}

func TestRewriteRetriesExhausted(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1)
	_, err := c.Rewrite(context.Background(), "Title", "Summary")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrRewrite) {
		t.Fatalf("transient exhaustion should not be ErrRewrite: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("calls = %d, want 2 (initial + 1 retry)", n)
	}
}

func TestRewriteNonTransientFailsFast(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	_, err := c.Rewrite(context.Background(), "Title", "Summary")
	if !errors.Is(err, ErrRewrite) {
		t.Fatalf("err = %v, want ErrRewrite", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on auth failure)", n)
	}
}

func TestRewriteMalformedResponse(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	if _, err := c.Rewrite(context.Background(), "T", "S"); !errors.Is(err, ErrRewrite) {
		t.Fatalf("err = %v, want ErrRewrite", err)
	}
}

func TestBuildPromptTruncatesSummary(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 2000)
	p := buildPrompt("Title", long)
	if len(p) > 600 {
		t.Fatalf("prompt too long: %d bytes", len(p))
	}
	if !strings.Contains(p, "Title: Title") {
		t.Fatalf("prompt missing title: %q", p)
	}
}

func TestBuildPromptKeepsRuneBoundary(t *testing.T) {
	t.Parallel()
	// Cyrillic text: every rune is 2 bytes, so a byte-indexed cut at an odd
	// offset would split one.
	long := strings.Repeat("ы", maxSummaryLen)
	p := buildPrompt("Заголовок", long)
	if !utf8.ValidString(p) {
		t.Fatalf("prompt contains a split rune: %q", p[len(p)-8:])
	}

	got := truncate(long, maxSummaryLen-1)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate split a rune: %q", got[len(got)-8:])
	}
	if len(got) != maxSummaryLen-2 {
		t.Fatalf("truncate kept %d bytes, want %d", len(got), maxSummaryLen-2)
	}
}
