package config

type Config struct {
	Telegram Telegram `json:"telegram"`
	Logging  Logging  `json:"logging"`
	Poller   Poller   `json:"poller"`
	Rewrite  Rewrite  `json:"rewrite"`
	Publish  Publish  `json:"publish"`
	Storage  Storage  `json:"storage"`
	Maint    Maint    `json:"maintenance"`

	// Topics maps a topic name to an ordered list of feed source URLs.
	// The registry is fixed for the lifetime of the process; edits take
	// effect on restart.
	Topics map[string][]string `json:"topics"`
}

type Telegram struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type Logging struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Poller controls the per-user polling cycle.
//
// All durations are Go duration strings (e.g. "30s", "5m").
//
// Defaults (when fields are omitted/zero):
//   - interval: "5m"
//   - items_per_source: 1
//   - fetch_timeout: "20s"
type Poller struct {
	Interval       string `json:"interval"`
	ItemsPerSource int    `json:"items_per_source,omitempty"`
	FetchTimeout   string `json:"fetch_timeout,omitempty"`
}

// Rewrite configures the text-transformation provider
// (an OpenAI-compatible chat-completions endpoint).
type Rewrite struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
	// Timeout is a Go duration string; bound for one provider call.
	Timeout  string `json:"timeout,omitempty"`
	RetryMax int    `json:"retry_max,omitempty"`
}

// Publish controls fan-out delivery.
type Publish struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
	RetryMax   int `json:"retry_max,omitempty"`
}

type Storage struct {
	// SubscriptionsPath is the JSON file holding the user -> subscription map.
	SubscriptionsPath string `json:"subscriptions_path"`
	// SeenPath is the SQLite database holding published-item fingerprints.
	SeenPath    string `json:"seen_path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// Maint controls scheduled maintenance of the seen-set.
type Maint struct {
	// PruneSchedule is a cron expression (e.g. "0 4 * * *").
	// Empty disables scheduled pruning.
	PruneSchedule string `json:"prune_schedule,omitempty"`
	// SeenMaxAge is a Go duration string; fingerprints older than this are dropped.
	SeenMaxAge string `json:"seen_max_age,omitempty"`
	// SeenPerSource caps retained fingerprints per (user, topic, source).
	SeenPerSource int `json:"seen_per_source,omitempty"`
}
