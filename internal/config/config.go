package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the top-level voxd configuration.
type Config struct {
	DataDir    string               `json:"data_dir"`
	Telegram   TelegramConfig       `json:"telegram"`
	Whisper    WhisperConfig        `json:"whisper"`
	GitHub     GitHubConfig         `json:"github"`
	Developers map[string]Developer `json:"developers,omitempty"` // Telegram user ID → mapping
	Queue      QueueConfig          `json:"queue"`
	API        APIConfig            `json:"api"`
	Apps       map[string]string    `json:"apps,omitempty"` // shown by /apps
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token     string  `json:"token"`
	AllowFrom []int64 `json:"allow_from,omitempty"`
	// RequireTicketCommand gates group chats behind /ticket. Defaults to true.
	RequireTicketCommand *bool `json:"require_ticket_command,omitempty"`
	// ArmingWindowSec is how long a bare /ticket waits for a voice message.
	ArmingWindowSec int `json:"arming_window_sec,omitempty"`
}

// CommandRequired reports whether group traffic must start with /ticket.
func (t TelegramConfig) CommandRequired() bool {
	return t.RequireTicketCommand == nil || *t.RequireTicketCommand
}

// WhisperConfig holds speech-to-text settings. The whole section is
// optional: voice messages fail with a user-visible notice when unset.
type WhisperConfig struct {
	URL    string `json:"url,omitempty"`
	APIKey string `json:"api_key"`
	Model  string `json:"model,omitempty"`
}

// GitHubConfig holds issue-tracker settings.
type GitHubConfig struct {
	Token         string   `json:"token"`
	Repo          string   `json:"repo"` // "owner/repo"
	DefaultBranch string   `json:"default_branch,omitempty"`
	Labels        []string `json:"labels,omitempty"` // applied to every created issue
	BaseURL       string   `json:"base_url,omitempty"`
}

// Developer maps a requester to a working branch and a queue label.
type Developer struct {
	Name   string `json:"name,omitempty"`
	Branch string `json:"branch"`
	Label  string `json:"label"`
}

// QueueConfig holds label names for the tracker-backed queue.
type QueueConfig struct {
	PendingLabel   string `json:"pending_label,omitempty"`
	ExecutingLabel string `json:"executing_label,omitempty"`
	// ReconcileSchedule is an optional cron expression for re-syncing
	// in-memory markers against tracker labels. Empty disables the job.
	ReconcileSchedule string `json:"reconcile_schedule,omitempty"`
}

// APIConfig holds REST/webhook server settings.
type APIConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Key          string `json:"api_key"`
	DeploySecret string `json:"deploy_secret,omitempty"` // HMAC secret for /api/deploy
}

// Load reads configuration from a JSON file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from environment variables with VOX_ prefix.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		DataDir: getenv("VOX_DATA_DIR", "/data"),
		Telegram: TelegramConfig{
			Token:           os.Getenv("VOX_TELEGRAM_TOKEN"),
			ArmingWindowSec: getenvInt("VOX_ARMING_WINDOW", 0),
		},
		Whisper: WhisperConfig{
			URL:    os.Getenv("VOX_WHISPER_URL"),
			APIKey: os.Getenv("VOX_WHISPER_API_KEY"),
			Model:  os.Getenv("VOX_WHISPER_MODEL"),
		},
		GitHub: GitHubConfig{
			Token:         os.Getenv("VOX_GITHUB_TOKEN"),
			Repo:          os.Getenv("VOX_GITHUB_REPO"),
			DefaultBranch: os.Getenv("VOX_GITHUB_DEFAULT_BRANCH"),
		},
		Queue: QueueConfig{
			ReconcileSchedule: os.Getenv("VOX_RECONCILE_SCHEDULE"),
		},
		API: APIConfig{
			Host:         getenv("VOX_API_HOST", "0.0.0.0"),
			Port:         getenvInt("VOX_API_PORT", 8080),
			Key:          os.Getenv("VOX_API_KEY"),
			DeploySecret: os.Getenv("VOX_DEPLOY_SECRET"),
		},
	}

	if labels := os.Getenv("VOX_GITHUB_LABELS"); labels != "" {
		cfg.GitHub.Labels = splitList(labels)
	}
	if ids := os.Getenv("VOX_TELEGRAM_ALLOW_FROM"); ids != "" {
		parsed, err := parseInt64List(ids)
		if err != nil {
			return nil, fmt.Errorf("config: VOX_TELEGRAM_ALLOW_FROM: %w", err)
		}
		cfg.Telegram.AllowFrom = parsed
	}
	if v := os.Getenv("VOX_REQUIRE_TICKET_COMMAND"); v != "" {
		b := parseBool(v)
		cfg.Telegram.RequireTicketCommand = &b
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.GitHub.DefaultBranch == "" {
		c.GitHub.DefaultBranch = "main"
	}
	if c.Queue.PendingLabel == "" {
		c.Queue.PendingLabel = "queue:pending"
	}
	if c.Queue.ExecutingLabel == "" {
		c.Queue.ExecutingLabel = "queue:executing"
	}
	if c.Telegram.ArmingWindowSec <= 0 {
		c.Telegram.ArmingWindowSec = 120
	}
}

// Validate checks required fields. Optional features (whisper, developers,
// deploy webhook) are not validated eagerly; they surface an error on first
// use instead.
func (c *Config) Validate() error {
	var errs []string

	if c.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required")
	}
	if c.GitHub.Token == "" {
		errs = append(errs, "github.token is required")
	}
	if c.GitHub.Repo == "" {
		errs = append(errs, "github.repo is required")
	} else if !strings.Contains(c.GitHub.Repo, "/") {
		errs = append(errs, `github.repo must be "owner/repo"`)
	}

	for id, dev := range c.Developers {
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			errs = append(errs, fmt.Sprintf("developers.%s: key must be a Telegram user ID", id))
		}
		if dev.Branch == "" {
			errs = append(errs, fmt.Sprintf("developers.%s.branch is required", id))
		}
		if dev.Label == "" {
			errs = append(errs, fmt.Sprintf("developers.%s.label is required", id))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// DeveloperFor returns the developer mapping for a Telegram user, if any.
func (c *Config) DeveloperFor(userID int64) (Developer, bool) {
	dev, ok := c.Developers[strconv.FormatInt(userID, 10)]
	return dev, ok
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt64List(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		result = append(result, n)
	}
	return result, nil
}
