package notifier

import (
	"time"

	kit "opscron/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool

	Channel   string
	Target    kit.ChatTarget
	ParseMode string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	if c.Channel == "" {
		c.Channel = "telegram"
	}
	return c
}

// Notification is one alert. Key groups alerts for dedup; an empty Key dedups on the text.
type Notification struct {
	Priority int // 0 low.. 10 high
	Key      string
	Text     string
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Key  string    `json:"key"`
	Text string    `json:"text"`
}
