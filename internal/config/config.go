// Package config loads and validates tracksync configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" json:"server"`
	Auth       AuthConfig       `mapstructure:"auth" json:"auth"`
	Runs       RunsConfig       `mapstructure:"runs" json:"runs"`
	Library    LibraryConfig    `mapstructure:"library" json:"library"`
	Completion CompletionConfig `mapstructure:"completion" json:"completion"`
	Storage    StorageConfig    `mapstructure:"storage" json:"storage"`
	DB         DBConfig         `mapstructure:"db" json:"db"`
	SQLite     SQLiteConfig     `mapstructure:"sqlite" json:"sqlite"`
	Mongo      MongoConfig      `mapstructure:"mongo" json:"mongo"`
	Fetch      FetchConfig      `mapstructure:"fetch" json:"fetch"`
	Search     SearchConfig     `mapstructure:"search" json:"search"`
	Spotify    SpotifyConfig    `mapstructure:"spotify" json:"spotify"`
	PubSub     PubSubConfig     `mapstructure:"pubsub" json:"pubsub"`
	Progress   ProgressConfig   `mapstructure:"progress" json:"progress"`
	Logging    LoggingConfig    `mapstructure:"logging" json:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry" json:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port" json:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	APIKey  string `mapstructure:"api_key" json:"api_key"`
}

// RunsConfig governs run execution: the worker pool, the admission window,
// and checkpoint polling.
type RunsConfig struct {
	Concurrency       int  `mapstructure:"concurrency" json:"concurrency"`
	QueueDepth        int  `mapstructure:"queue_depth" json:"queue_depth"`
	RatePerHour       int  `mapstructure:"rate_per_hour" json:"rate_per_hour"`
	RateWindowSeconds int  `mapstructure:"rate_window_seconds" json:"rate_window_seconds"`
	RatePollMs        int  `mapstructure:"rate_poll_ms" json:"rate_poll_ms"`
	PausePollMs       int  `mapstructure:"pause_poll_ms" json:"pause_poll_ms"`
	IncludeAlbum      bool `mapstructure:"include_album" json:"include_album"`
}

// LibraryConfig describes where artifacts live.
type LibraryConfig struct {
	Dir          string   `mapstructure:"dir" json:"dir"`
	Extensions   []string `mapstructure:"extensions" json:"extensions"`
	PlaylistsDir string   `mapstructure:"playlists_dir" json:"playlists_dir"`
	Manifest     bool     `mapstructure:"manifest" json:"manifest"`
	// LinkTracks hard-links each manifest track into playlists_dir/<label>/
	// (symlink when the filesystem refuses). Local storage only.
	LinkTracks bool `mapstructure:"link_tracks" json:"link_tracks"`
}

// CompletionConfig selects where the completion mapping is persisted.
type CompletionConfig struct {
	Backend string `mapstructure:"backend" json:"backend"`
	Path    string `mapstructure:"path" json:"path"`
	Object  string `mapstructure:"object" json:"object"`
	Table   string `mapstructure:"table" json:"table"`
	Name    string `mapstructure:"name" json:"name"`
}

// StorageConfig selects the blob backend used for manifests.
type StorageConfig struct {
	Backend string `mapstructure:"backend" json:"backend"`
	Bucket  string `mapstructure:"bucket" json:"bucket"`
	Prefix  string `mapstructure:"prefix" json:"prefix"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN      string `mapstructure:"dsn" json:"dsn"`
	MaxConns int32  `mapstructure:"max_conns" json:"max_conns"`
	MinConns int32  `mapstructure:"min_conns" json:"min_conns"`
}

// SQLiteConfig points at the SQLite completion database.
type SQLiteConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// MongoConfig holds MongoDB connection settings.
type MongoConfig struct {
	URI        string `mapstructure:"uri" json:"uri"`
	Database   string `mapstructure:"database" json:"database"`
	Collection string `mapstructure:"collection" json:"collection"`
}

// FetchConfig configures the yt-dlp fetcher.
type FetchConfig struct {
	Binary             string `mapstructure:"binary" json:"binary"`
	AudioFormat        string `mapstructure:"audio_format" json:"audio_format"`
	AudioQuality       string `mapstructure:"audio_quality" json:"audio_quality"`
	MaxFilesizeMB      int    `mapstructure:"max_filesize_mb" json:"max_filesize_mb"`
	MaxDurationSeconds int    `mapstructure:"max_duration_seconds" json:"max_duration_seconds"`
	SearchPrefix       string `mapstructure:"search_prefix" json:"search_prefix"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	EmbedThumbnail     bool   `mapstructure:"embed_thumbnail" json:"embed_thumbnail"`
}

// SearchConfig selects and tunes the search provider.
type SearchConfig struct {
	Provider          string  `mapstructure:"provider" json:"provider"`
	BaseURL           string  `mapstructure:"base_url" json:"base_url"`
	UserAgent         string  `mapstructure:"user_agent" json:"user_agent"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requests_per_second"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	MaxParallel       int     `mapstructure:"max_parallel" json:"max_parallel"`
}

// SpotifyConfig holds client-credentials settings for playlist input.
type SpotifyConfig struct {
	ClientID     string `mapstructure:"client_id" json:"client_id"`
	ClientSecret string `mapstructure:"client_secret" json:"client_secret"`
	TokenURL     string `mapstructure:"token_url" json:"token_url"`
	APIBaseURL   string `mapstructure:"api_base_url" json:"api_base_url"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id" json:"project_id"`
	TopicName string `mapstructure:"topic_name" json:"topic_name"`
}

// ProgressConfig toggles the shared progress sinks.
type ProgressConfig struct {
	LogEnabled    bool `mapstructure:"log_enabled" json:"log_enabled"`
	StoreEnabled  bool `mapstructure:"store_enabled" json:"store_enabled"`
	SinkTimeoutMs int  `mapstructure:"sink_timeout_ms" json:"sink_timeout_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development" json:"development"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	ProjectID   string `mapstructure:"project_id" json:"project_id"`
}

// Supported backend names.
var (
	completionBackends = []string{"local", "memory", "gcs", "postgres", "sqlite", "mongo"}
	storageBackends    = []string{"local", "gcs", "memory"}
	searchProviders    = []string{"none", "colly", "headless"}
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRACKSYNC")
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("runs.concurrency", 1)
	v.SetDefault("runs.queue_depth", 64)
	v.SetDefault("runs.rate_per_hour", 0)
	v.SetDefault("runs.rate_window_seconds", 3600)
	v.SetDefault("runs.rate_poll_ms", 200)
	v.SetDefault("runs.pause_poll_ms", 100)
	v.SetDefault("runs.include_album", false)
	v.SetDefault("library.dir", "music")
	v.SetDefault("library.extensions", []string{".mp3", ".m4a", ".opus", ".webm", ".ogg", ".flac"})
	v.SetDefault("library.playlists_dir", "playlists")
	v.SetDefault("library.manifest", true)
	v.SetDefault("library.link_tracks", true)
	v.SetDefault("completion.backend", "local")
	v.SetDefault("completion.path", "tracksync-completed.json")
	v.SetDefault("completion.object", "tracksync-completed.json")
	v.SetDefault("completion.table", "completion_records")
	v.SetDefault("completion.name", "default")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("sqlite.path", "tracksync.db")
	v.SetDefault("mongo.database", "tracksync")
	v.SetDefault("mongo.collection", "completion")
	v.SetDefault("fetch.binary", "yt-dlp")
	v.SetDefault("fetch.audio_format", "mp3")
	v.SetDefault("fetch.audio_quality", "192")
	v.SetDefault("fetch.max_filesize_mb", 0)
	v.SetDefault("fetch.max_duration_seconds", 0)
	v.SetDefault("fetch.search_prefix", "ytmusicsearch5")
	v.SetDefault("fetch.timeout_seconds", 600)
	v.SetDefault("fetch.embed_thumbnail", true)
	v.SetDefault("search.provider", "none")
	v.SetDefault("search.base_url", "https://www.youtube.com")
	v.SetDefault("search.user_agent", "tracksync/0.1")
	v.SetDefault("search.requests_per_second", 1.0)
	v.SetDefault("search.timeout_seconds", 15)
	v.SetDefault("search.max_parallel", 1)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.store_enabled", false)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "tracksync")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Runs.Concurrency <= 0 {
		return fmt.Errorf("runs.concurrency must be > 0")
	}
	if c.Runs.RatePerHour < 0 {
		return fmt.Errorf("runs.rate_per_hour must be >= 0")
	}
	if c.Runs.RatePerHour > 0 && c.Runs.RateWindowSeconds <= 0 {
		return fmt.Errorf("runs.rate_window_seconds must be > 0 when a rate is set")
	}
	if strings.TrimSpace(c.Library.Dir) == "" {
		return fmt.Errorf("library.dir must be set")
	}
	if !slices.Contains(completionBackends, c.Completion.Backend) {
		return fmt.Errorf("completion.backend must be one of %v", completionBackends)
	}
	if !slices.Contains(storageBackends, c.Storage.Backend) {
		return fmt.Errorf("storage.backend must be one of %v", storageBackends)
	}
	if (c.Completion.Backend == "gcs" || c.Storage.Backend == "gcs") && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket must be set for the gcs backend")
	}
	if (c.Completion.Backend == "postgres" || c.Progress.StoreEnabled) && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set for the postgres backend and the progress store")
	}
	if c.Completion.Backend == "mongo" && c.Mongo.URI == "" {
		return fmt.Errorf("mongo.uri must be set for the mongo backend")
	}
	if !slices.Contains(searchProviders, c.Search.Provider) {
		return fmt.Errorf("search.provider must be one of %v", searchProviders)
	}
	if c.Search.Provider == "headless" && c.Search.MaxParallel <= 0 {
		return fmt.Errorf("search.max_parallel must be > 0 when the headless provider is used")
	}
	if c.Fetch.MaxFilesizeMB < 0 || c.Fetch.MaxDurationSeconds < 0 {
		return fmt.Errorf("fetch.max_filesize_mb and fetch.max_duration_seconds must be >= 0")
	}
	return nil
}

const redacted = "[redacted]"

// Redacted returns a copy safe to show to API clients: credentials and
// connection strings are masked when set.
func (c Config) Redacted() Config {
	mask := func(v *string) {
		if *v != "" {
			*v = redacted
		}
	}
	mask(&c.Auth.APIKey)
	mask(&c.DB.DSN)
	mask(&c.Mongo.URI)
	mask(&c.Spotify.ClientSecret)
	c.Library.Extensions = slices.Clone(c.Library.Extensions)
	return c
}

// RateWindow returns the admission window duration.
func (c Config) RateWindow() time.Duration {
	return time.Duration(c.Runs.RateWindowSeconds) * time.Second
}

// FetchTimeout bounds a single fetch invocation.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// SearchTimeout bounds a single search request.
func (c Config) SearchTimeout() time.Duration {
	return time.Duration(c.Search.TimeoutSeconds) * time.Second
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// RatePoll is how often a blocked admission rechecks the window.
func (c Config) RatePoll() time.Duration {
	return millis(c.Runs.RatePollMs)
}

// PausePoll is how often a paused run rechecks its token.
func (c Config) PausePoll() time.Duration {
	return millis(c.Runs.PausePollMs)
}

// SinkTimeout bounds one batch delivered to a shared sink.
func (c Config) SinkTimeout() time.Duration {
	return millis(c.Progress.SinkTimeoutMs)
}
