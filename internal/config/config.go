// Package config loads and validates monitor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/baikalmedia/tourism-monitor/internal/monitor"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Report     ReportConfig     `mapstructure:"report"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Keywords   KeywordsConfig   `mapstructure:"keywords"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Comments   CommentsConfig   `mapstructure:"comments"`
	News       NewsConfig       `mapstructure:"news"`
	Render     RenderConfig     `mapstructure:"render"`
	VK         VKConfig         `mapstructure:"vk"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Sources    []SourceConfig   `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	Backend             string `mapstructure:"backend"`
	DSN                 string `mapstructure:"dsn"`
	MaxConns            int32  `mapstructure:"max_conns"`
	MinConns            int32  `mapstructure:"min_conns"`
	ConnLifetimeMinutes int    `mapstructure:"conn_lifetime_minutes"`
}

// ConnLifetime returns the pooled connection lifetime.
func (c StorageConfig) ConnLifetime() time.Duration {
	return time.Duration(c.ConnLifetimeMinutes) * time.Minute
}

// ArchiveConfig selects where raw page snapshots go.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// ReportConfig configures run report publishing.
type ReportConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// PipelineConfig governs run orchestration and fetch retry behavior.
type PipelineConfig struct {
	Threshold        float64 `mapstructure:"threshold"`
	Workers          int     `mapstructure:"workers"`
	QueueDepth       int     `mapstructure:"queue_depth"`
	RetryMaxAttempts int     `mapstructure:"retry_max_attempts"`
	RetryBaseMs      int     `mapstructure:"retry_base_ms"`
	RetryMaxMs       int     `mapstructure:"retry_max_ms"`
}

// RetryBase returns the initial retry backoff.
func (c PipelineConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMs) * time.Millisecond
}

// RetryMax returns the backoff ceiling.
func (c PipelineConfig) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxMs) * time.Millisecond
}

// KeywordsConfig holds the gate vocabularies.
type KeywordsConfig struct {
	Include []string `mapstructure:"include"`
	Exclude []string `mapstructure:"exclude"`
}

// ClassifierConfig selects the relevance scorer backend.
type ClassifierConfig struct {
	Backend        string `mapstructure:"backend"`
	Endpoint       string `mapstructure:"endpoint"`
	Model          string `mapstructure:"model"`
	BatchSize      int    `mapstructure:"batch_size"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	WeightsPath    string `mapstructure:"weights_path"`
}

// Timeout returns the per-batch scoring budget.
func (c ClassifierConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CommentsConfig selects and tunes the comment judge.
type CommentsConfig struct {
	Judge          string   `mapstructure:"judge"`
	Endpoint       string   `mapstructure:"endpoint"`
	Model          string   `mapstructure:"model"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	RelevantTerms  []string `mapstructure:"relevant_terms"`
	PoliticalTerms []string `mapstructure:"political_terms"`
	ProfaneTerms   []string `mapstructure:"profane_terms"`
}

// Timeout returns the per-comment judging budget.
func (c CommentsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// NewsConfig governs the news parser HTTP behavior.
type NewsConfig struct {
	UserAgent          string   `mapstructure:"user_agent"`
	TimeoutSeconds     int      `mapstructure:"timeout_seconds"`
	MaxArticles        int      `mapstructure:"max_articles"`
	MinBodyRunes       int      `mapstructure:"min_body_runes"`
	RespectRobots      bool     `mapstructure:"respect_robots"`
	ForbiddenThreshold int      `mapstructure:"forbidden_threshold"`
	BlockedHosts       []string `mapstructure:"blocked_hosts"`
	PerHostRPS         float64  `mapstructure:"per_host_rps"`
	PerHostBurst       int      `mapstructure:"per_host_burst"`
	Timezone           string   `mapstructure:"timezone"`
}

// Timeout returns the per-request fetch budget.
func (c NewsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RenderConfig configures the headless rendering subsystem.
type RenderConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MaxParallel       int  `mapstructure:"max_parallel"`
	NavTimeoutSeconds int  `mapstructure:"nav_timeout_seconds"`
}

// NavTimeout returns the page navigation budget.
func (c RenderConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}

// VKConfig carries VK API access settings.
type VKConfig struct {
	APIBase         string `mapstructure:"api_base"`
	Token           string `mapstructure:"token"`
	Version         string `mapstructure:"version"`
	PageSize        int    `mapstructure:"page_size"`
	MaxPages        int    `mapstructure:"max_pages"`
	CommentPageSize int    `mapstructure:"comment_page_size"`
	MinBodyRunes    int    `mapstructure:"min_body_runes"`
	MinCommentRunes int    `mapstructure:"min_comment_runes"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	RetryPauseMs    int    `mapstructure:"retry_pause_ms"`
}

// Timeout returns the per-request API budget.
func (c VKConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryPause returns the wait applied after a rate limited call.
func (c VKConfig) RetryPause() time.Duration {
	return time.Duration(c.RetryPauseMs) * time.Millisecond
}

// TelegramConfig carries t.me preview scraping settings.
type TelegramConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxPages       int    `mapstructure:"max_pages"`
	MinBodyRunes   int    `mapstructure:"min_body_runes"`
}

// Timeout returns the per-request fetch budget.
func (c TelegramConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SourceConfig declares one monitored source.
type SourceConfig struct {
	Name      string            `mapstructure:"name"`
	Type      string            `mapstructure:"type"`
	URL       string            `mapstructure:"url"`
	Active    *bool             `mapstructure:"active"`
	Selectors monitor.Selectors `mapstructure:"selectors"`
	Render    bool              `mapstructure:"render"`
}

// Source converts the declaration into a runtime source record.
// Sources are active unless the config says otherwise.
func (s SourceConfig) Source() monitor.Source {
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	return monitor.Source{
		Name:      s.Name,
		Type:      monitor.SourceType(s.Type),
		URL:       s.URL,
		Active:    active,
		Selectors: s.Selectors,
		Render:    s.Render,
	}
}

// SourceList converts every declared source.
func (c Config) SourceList() []monitor.Source {
	out := make([]monitor.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		out = append(out, s.Source())
	}
	return out
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// defaultKeywords seeds the gate so an empty config still validates.
var defaultKeywords = []string{"туризм", "турист", "байкал", "иркутск"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	// Secrets default to empty so env-only values survive Unmarshal.
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_conns", 8)
	v.SetDefault("storage.min_conns", 2)
	v.SetDefault("storage.conn_lifetime_minutes", 30)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("report.backend", "none")
	v.SetDefault("pipeline.threshold", 0.5)
	v.SetDefault("pipeline.workers", 3)
	v.SetDefault("pipeline.queue_depth", 16)
	v.SetDefault("pipeline.retry_max_attempts", 3)
	v.SetDefault("pipeline.retry_base_ms", 500)
	v.SetDefault("pipeline.retry_max_ms", 30000)
	v.SetDefault("keywords.include", defaultKeywords)
	v.SetDefault("classifier.backend", "bow")
	v.SetDefault("classifier.batch_size", 16)
	v.SetDefault("classifier.timeout_seconds", 20)
	v.SetDefault("classifier.weights_path", "weights.json")
	v.SetDefault("comments.judge", "rules")
	v.SetDefault("comments.timeout_seconds", 10)
	v.SetDefault("news.user_agent", "baikal-tourism-monitor/1.0")
	v.SetDefault("news.timeout_seconds", 20)
	v.SetDefault("news.max_articles", 80)
	v.SetDefault("news.min_body_runes", 100)
	v.SetDefault("news.respect_robots", true)
	v.SetDefault("news.forbidden_threshold", 3)
	v.SetDefault("news.per_host_rps", 1)
	v.SetDefault("news.per_host_burst", 1)
	v.SetDefault("news.timezone", "Asia/Irkutsk")
	v.SetDefault("render.enabled", false)
	v.SetDefault("render.max_parallel", 1)
	v.SetDefault("render.nav_timeout_seconds", 25)
	v.SetDefault("vk.api_base", "https://api.vk.com/method")
	v.SetDefault("vk.token", "")
	v.SetDefault("vk.version", "5.199")
	v.SetDefault("vk.page_size", 80)
	v.SetDefault("vk.max_pages", 3)
	v.SetDefault("vk.comment_page_size", 100)
	v.SetDefault("vk.min_body_runes", 100)
	v.SetDefault("vk.min_comment_runes", 20)
	v.SetDefault("vk.timeout_seconds", 20)
	v.SetDefault("vk.retry_pause_ms", 1000)
	v.SetDefault("telegram.base_url", "https://t.me")
	v.SetDefault("telegram.user_agent", "baikal-tourism-monitor/1.0")
	v.SetDefault("telegram.timeout_seconds", 20)
	v.SetDefault("telegram.max_pages", 2)
	v.SetDefault("telegram.min_body_runes", 100)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be postgres or memory, got %q", c.Storage.Backend)
	}
	switch c.Archive.Backend {
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs backend")
		}
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local backend")
		}
	case "memory", "none":
	default:
		return fmt.Errorf("archive.backend must be gcs, local, memory or none, got %q", c.Archive.Backend)
	}
	switch c.Report.Backend {
	case "pubsub":
		if c.Report.ProjectID == "" || c.Report.Topic == "" {
			return fmt.Errorf("report.project_id and report.topic must be set for the pubsub backend")
		}
	case "memory", "none":
	default:
		return fmt.Errorf("report.backend must be pubsub, memory or none, got %q", c.Report.Backend)
	}
	if c.Pipeline.Threshold < 0 || c.Pipeline.Threshold > 1 {
		return fmt.Errorf("pipeline.threshold must be within [0, 1]")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if len(c.Keywords.Include) == 0 {
		return fmt.Errorf("keywords.include must not be empty")
	}
	switch c.Classifier.Backend {
	case "embedding":
		if c.Classifier.Endpoint == "" {
			return fmt.Errorf("classifier.endpoint must be set for the embedding backend")
		}
	case "bow":
		if c.Classifier.WeightsPath == "" {
			return fmt.Errorf("classifier.weights_path must be set for the bow backend")
		}
	default:
		return fmt.Errorf("classifier.backend must be embedding or bow, got %q", c.Classifier.Backend)
	}
	switch c.Comments.Judge {
	case "remote":
		if c.Comments.Endpoint == "" {
			return fmt.Errorf("comments.endpoint must be set for the remote judge")
		}
	case "rules":
	default:
		return fmt.Errorf("comments.judge must be rules or remote, got %q", c.Comments.Judge)
	}
	if c.News.TimeoutSeconds <= 0 {
		return fmt.Errorf("news.timeout_seconds must be > 0")
	}
	if c.Render.Enabled && c.Render.MaxParallel <= 0 {
		return fmt.Errorf("render.max_parallel must be > 0 when rendering is enabled")
	}
	return c.validateSources()
}

func (c Config) validateSources() error {
	needToken := false
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("sources[%d].name must be set", i)
		}
		if s.URL == "" {
			return fmt.Errorf("sources[%d].url must be set", i)
		}
		switch monitor.SourceType(s.Type) {
		case monitor.SourceNews:
			// The list selector is optional; without it the parser scans the
			// whole section page for links.
			sel := s.Selectors
			if sel.Link == "" || sel.Title == "" || sel.Body == "" {
				return fmt.Errorf("sources[%d] (%s): news sources need link, title and body selectors", i, s.Name)
			}
		case monitor.SourceSocial:
			if s.Active == nil || *s.Active {
				needToken = true
			}
		case monitor.SourceMessaging:
		default:
			return fmt.Errorf("sources[%d] (%s): type must be news, social or messaging, got %q", i, s.Name, s.Type)
		}
	}
	if needToken && c.VK.Token == "" {
		return fmt.Errorf("vk.token must be set when social sources are configured")
	}
	return nil
}
