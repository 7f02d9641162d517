package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	Log         LogConfig         `yaml:"log,omitempty"`
	Database    DatabaseConfig    `yaml:"database"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Tracker     TrackerConfig     `yaml:"tracker"`
	Behavior    BehaviorConfig    `yaml:"behavior"`
	Identity    IdentityConfig    `yaml:"identity"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	AI          AIConfig          `yaml:"ai"`
	Cameras     []CameraConfig    `yaml:"cameras"`
	AutoStart   AutoStartConfig   `yaml:"autostart"`
	Snapshots   SnapshotsConfig   `yaml:"snapshots"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Web         WebConfig         `yaml:"web"`
	GRPC        GRPCConfig        `yaml:"grpc"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Redis       RedisConfig       `yaml:"redis"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DatabaseConfig selects the state backend. Driver is "sqlite" or "postgres";
// an empty sqlite DSN means <data_dir>/db/storeguard.db.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// PipelineConfig contains per-camera stream worker settings
type PipelineConfig struct {
	BufferSize     int           `yaml:"buffer_size"`
	WorkingWidth   int           `yaml:"working_width"`
	WorkingHeight  int           `yaml:"working_height"`
	BaselineWidth  int           `yaml:"baseline_width"`
	BaselineHeight int           `yaml:"baseline_height"`
	SkipDivisor    float64       `yaml:"skip_divisor"`
	MinSkip        int           `yaml:"min_skip"`
	MaxSkip        int           `yaml:"max_skip"`
	HighResWidth   int           `yaml:"high_res_width"`
	HighResHeight  int           `yaml:"high_res_height"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	FaceEvery      int           `yaml:"face_every"`
	JPEGQuality    int           `yaml:"jpeg_quality"`
	Backoff        BackoffConfig `yaml:"backoff"`
}

// BackoffConfig contains reconnect backoff settings
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// TrackerConfig contains IoU tracker settings
type TrackerConfig struct {
	IoUThreshold float64 `yaml:"iou_threshold"`
	MaxAge       int     `yaml:"max_age"`
}

// BehaviorConfig contains behavior rule settings
type BehaviorConfig struct {
	AlertCooldown     time.Duration `yaml:"alert_cooldown"`
	LoiteringDuration time.Duration `yaml:"loitering_duration"`
	LoiteringDistance float64       `yaml:"loitering_distance"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	SnapshotPadding   int           `yaml:"snapshot_padding"`
}

// IdentityConfig contains known-identity matching settings
type IdentityConfig struct {
	MatchThreshold float64       `yaml:"match_threshold"`
	EmbeddingDim   int           `yaml:"embedding_dim"`
	Normalize      bool          `yaml:"normalize"`
	AlertCooldown  time.Duration `yaml:"alert_cooldown"`
}

// AggregationConfig contains footfall aggregation settings
type AggregationConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// AIConfig contains inference service configuration. Empty URLs disable the
// corresponding stage.
type AIConfig struct {
	DetectorURL         string        `yaml:"detector_url"`
	PoseURL             string        `yaml:"pose_url"`
	FaceURL             string        `yaml:"face_url"`
	Timeout             time.Duration `yaml:"timeout"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
}

// CameraConfig is a statically configured camera, registered at startup
type CameraConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Source  string `yaml:"source"`
	Zone    string `yaml:"zone"`
	Enabled bool   `yaml:"enabled"`
}

// AutoStartConfig controls restarting recently active cameras on boot
type AutoStartConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Window       time.Duration `yaml:"window"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Stagger      time.Duration `yaml:"stagger"`
}

// SnapshotsConfig contains alert snapshot storage settings
type SnapshotsConfig struct {
	Dir           string `yaml:"dir"`
	BaseURL       string `yaml:"base_url"`
	RetentionDays int    `yaml:"retention_days"`
}

// AlertsConfig contains alert dispatch settings
type AlertsConfig struct {
	DedupWindow time.Duration `yaml:"dedup_window"`
	Retry       RetryConfig   `yaml:"retry"`
}

// RetryConfig controls the outbox that retries failed sink deliveries
type RetryConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxPending  int           `yaml:"max_pending"`
}

// WebConfig contains HTTP API server configuration
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// GRPCConfig contains the gRPC health server configuration
type GRPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MetricsConfig contains Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RedisConfig contains the alert stream publisher configuration
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
	MaxLen  int64  `yaml:"max_len"`
}

// MQTTConfig contains the MQTT alert publisher configuration. Alerts go to
// <topic>/<camera_id>/<alert_type>.
type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Topic          string        `yaml:"topic"`
	QoS            byte          `yaml:"qos"`
	Retain         bool          `yaml:"retain"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// Default returns a configuration with every boolean switch at its default.
// Numeric and string defaults are filled by setDefaults after parsing.
func Default() *Config {
	cfg := withSwitchDefaults()
	cfg.setDefaults()
	return cfg
}

// withSwitchDefaults returns an empty configuration whose on-by-default
// switches are set, so a YAML file only needs to mention what it disables.
func withSwitchDefaults() *Config {
	return &Config{
		AutoStart: AutoStartConfig{Enabled: true},
		Web:       WebConfig{Enabled: true},
		Metrics:   MetricsConfig{Enabled: true},
	}
}

// Load reads and parses the configuration file, then applies defaults and
// environment overrides. It does not validate.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	return Parse(data)
}

// Parse builds a configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	cfg := withSwitchDefaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.setDefaults()

	return cfg, nil
}

// getDefaultConfigPath returns the default configuration file path
func getDefaultConfigPath() string {
	paths := []string{
		"./config/config.dev.yaml",
		"./config/config.yaml",
		"./storeguard.yaml",
		"/etc/storeguard/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return paths[0]
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.DSN == "" {
		c.Database.DSN = filepath.Join(c.DataDir, "db", "storeguard.db")
	}

	p := &c.Pipeline
	if p.BufferSize == 0 {
		p.BufferSize = 10
	}
	if p.WorkingWidth == 0 {
		p.WorkingWidth = 640
	}
	if p.WorkingHeight == 0 {
		p.WorkingHeight = 360
	}
	if p.BaselineWidth == 0 {
		p.BaselineWidth = 640
	}
	if p.BaselineHeight == 0 {
		p.BaselineHeight = 360
	}
	if p.SkipDivisor == 0 {
		p.SkipDivisor = 4
	}
	if p.MinSkip == 0 {
		p.MinSkip = 5
	}
	if p.MaxSkip == 0 {
		p.MaxSkip = 15
	}
	if p.HighResWidth == 0 {
		p.HighResWidth = 1920
	}
	if p.HighResHeight == 0 {
		p.HighResHeight = 1080
	}
	if p.StopTimeout == 0 {
		p.StopTimeout = 5 * time.Second
	}
	if p.ReadTimeout == 0 {
		p.ReadTimeout = 15 * time.Second
	}
	if p.FaceEvery == 0 {
		p.FaceEvery = 10
	}
	if p.JPEGQuality == 0 {
		p.JPEGQuality = 85
	}
	if p.Backoff.Initial == 0 {
		p.Backoff.Initial = time.Second
	}
	if p.Backoff.Max == 0 {
		p.Backoff.Max = 10 * time.Second
	}
	if p.Backoff.Multiplier == 0 {
		p.Backoff.Multiplier = 1.5
	}

	if c.Tracker.IoUThreshold == 0 {
		c.Tracker.IoUThreshold = 0.3
	}
	if c.Tracker.MaxAge == 0 {
		c.Tracker.MaxAge = 30
	}

	b := &c.Behavior
	if b.AlertCooldown == 0 {
		b.AlertCooldown = 10 * time.Second
	}
	if b.LoiteringDuration == 0 {
		b.LoiteringDuration = 300 * time.Second
	}
	if b.LoiteringDistance == 0 {
		b.LoiteringDistance = 100
	}
	if b.StaleAfter == 0 {
		b.StaleAfter = 60 * time.Second
	}
	if b.SnapshotPadding == 0 {
		b.SnapshotPadding = 50
	}

	if c.Identity.MatchThreshold == 0 {
		c.Identity.MatchThreshold = 0.6
	}
	if c.Identity.EmbeddingDim == 0 {
		c.Identity.EmbeddingDim = 128
	}
	if c.Identity.AlertCooldown == 0 {
		c.Identity.AlertCooldown = 60 * time.Second
	}

	if c.Aggregation.FlushInterval == 0 {
		c.Aggregation.FlushInterval = 300 * time.Second
	}

	if c.AI.Timeout == 0 {
		c.AI.Timeout = 5 * time.Second
	}
	if c.AI.ConfidenceThreshold == 0 {
		c.AI.ConfidenceThreshold = 0.5
	}

	if c.AutoStart.Window == 0 {
		c.AutoStart.Window = time.Hour
	}
	if c.AutoStart.InitialDelay == 0 {
		c.AutoStart.InitialDelay = 5 * time.Second
	}
	if c.AutoStart.Stagger == 0 {
		c.AutoStart.Stagger = time.Second
	}

	if c.Snapshots.Dir == "" {
		c.Snapshots.Dir = filepath.Join(c.DataDir, "snapshots")
	}
	if c.Snapshots.BaseURL == "" {
		c.Snapshots.BaseURL = "/snapshots"
	}
	if c.Snapshots.RetentionDays == 0 {
		c.Snapshots.RetentionDays = 30
	}

	if c.Alerts.DedupWindow == 0 {
		c.Alerts.DedupWindow = 2 * time.Second
	}
	if c.Alerts.Retry.Interval == 0 {
		c.Alerts.Retry.Interval = 5 * time.Second
	}
	if c.Alerts.Retry.MaxAttempts == 0 {
		c.Alerts.Retry.MaxAttempts = 10
	}
	if c.Alerts.Retry.MaxDelay == 0 {
		c.Alerts.Retry.MaxDelay = 5 * time.Minute
	}
	if c.Alerts.Retry.MaxPending == 0 {
		c.Alerts.Retry.MaxPending = 10000
	}

	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}

	if c.GRPC.Host == "" {
		c.GRPC.Host = "0.0.0.0"
	}
	if c.GRPC.Port == 0 {
		c.GRPC.Port = 9090
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.Redis.Stream == "" {
		c.Redis.Stream = "storeguard:alerts"
	}
	if c.Redis.MaxLen == 0 {
		c.Redis.MaxLen = 10000
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "storeguard"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "storeguard/alerts"
	}
	if c.MQTT.ConnectTimeout == 0 {
		c.MQTT.ConnectTimeout = 10 * time.Second
	}
	if c.MQTT.PublishTimeout == 0 {
		c.MQTT.PublishTimeout = 5 * time.Second
	}
}
