package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string

	if c.DataDir == "" {
		errors = append(errors, "data_dir is required")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error, fatal)", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			errors = append(errors, "database.dsn is required for the postgres driver")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid database.driver: %s (must be: sqlite or postgres)", c.Database.Driver))
	}

	p := c.Pipeline
	if p.BufferSize < 3 || p.BufferSize > 10 {
		errors = append(errors, fmt.Sprintf("pipeline.buffer_size must be between 3 and 10, got: %d", p.BufferSize))
	}
	if p.WorkingWidth <= 0 || p.WorkingHeight <= 0 {
		errors = append(errors, fmt.Sprintf("pipeline working resolution must be positive, got: %dx%d", p.WorkingWidth, p.WorkingHeight))
	}
	if p.BaselineWidth <= 0 || p.BaselineHeight <= 0 {
		errors = append(errors, fmt.Sprintf("pipeline baseline resolution must be positive, got: %dx%d", p.BaselineWidth, p.BaselineHeight))
	}
	if p.SkipDivisor <= 0 {
		errors = append(errors, fmt.Sprintf("pipeline.skip_divisor must be > 0, got: %.2f", p.SkipDivisor))
	}
	if p.MinSkip < 1 || p.MaxSkip < p.MinSkip {
		errors = append(errors, fmt.Sprintf("pipeline skip bounds invalid: min %d, max %d", p.MinSkip, p.MaxSkip))
	}
	if p.StopTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("pipeline.stop_timeout must be > 0, got: %v", p.StopTimeout))
	}
	if p.ReadTimeout < 0 {
		errors = append(errors, fmt.Sprintf("pipeline.read_timeout must be >= 0, got: %v", p.ReadTimeout))
	}
	if p.JPEGQuality < 1 || p.JPEGQuality > 100 {
		errors = append(errors, fmt.Sprintf("pipeline.jpeg_quality must be between 1 and 100, got: %d", p.JPEGQuality))
	}
	if p.Backoff.Initial <= 0 || p.Backoff.Max < p.Backoff.Initial {
		errors = append(errors, fmt.Sprintf("pipeline.backoff invalid: initial %v, max %v", p.Backoff.Initial, p.Backoff.Max))
	}
	if p.Backoff.Multiplier < 1 {
		errors = append(errors, fmt.Sprintf("pipeline.backoff.multiplier must be >= 1, got: %.2f", p.Backoff.Multiplier))
	}

	if c.Tracker.IoUThreshold <= 0 || c.Tracker.IoUThreshold > 1 {
		errors = append(errors, fmt.Sprintf("tracker.iou_threshold must be in (0, 1], got: %.2f", c.Tracker.IoUThreshold))
	}
	if c.Tracker.MaxAge < 0 {
		errors = append(errors, fmt.Sprintf("tracker.max_age must be >= 0, got: %d", c.Tracker.MaxAge))
	}

	if c.Behavior.AlertCooldown < 0 || c.Behavior.LoiteringDuration <= 0 || c.Behavior.LoiteringDistance <= 0 {
		errors = append(errors, "behavior cooldown must be >= 0 and loitering duration/distance must be > 0")
	}

	if c.Identity.MatchThreshold <= 0 {
		errors = append(errors, fmt.Sprintf("identity.match_threshold must be > 0, got: %.2f", c.Identity.MatchThreshold))
	}
	if c.Identity.EmbeddingDim <= 0 {
		errors = append(errors, fmt.Sprintf("identity.embedding_dim must be > 0, got: %d", c.Identity.EmbeddingDim))
	}

	if c.Aggregation.FlushInterval <= 0 {
		errors = append(errors, fmt.Sprintf("aggregation.flush_interval must be > 0, got: %v", c.Aggregation.FlushInterval))
	}

	if c.AI.ConfidenceThreshold < 0 || c.AI.ConfidenceThreshold > 1 {
		errors = append(errors, fmt.Sprintf("ai.confidence_threshold must be between 0 and 1, got: %.2f", c.AI.ConfidenceThreshold))
	}
	for name, raw := range map[string]string{"detector_url": c.AI.DetectorURL, "pose_url": c.AI.PoseURL, "face_url": c.AI.FaceURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, fmt.Sprintf("ai.%s is not a valid URL: %s", name, raw))
		}
	}

	seen := make(map[string]bool, len(c.Cameras))
	for i, cam := range c.Cameras {
		if cam.ID == "" {
			errors = append(errors, fmt.Sprintf("cameras[%d].id is required", i))
			continue
		}
		if seen[cam.ID] {
			errors = append(errors, fmt.Sprintf("cameras[%d].id %q is duplicated", i, cam.ID))
		}
		seen[cam.ID] = true
		if cam.Source == "" {
			errors = append(errors, fmt.Sprintf("cameras[%d].source is required", i))
		}
	}

	if c.Snapshots.RetentionDays < 0 {
		errors = append(errors, fmt.Sprintf("snapshots.retention_days must be >= 0, got: %d", c.Snapshots.RetentionDays))
	}

	if c.Web.Enabled && (c.Web.Port <= 0 || c.Web.Port > 65535) {
		errors = append(errors, fmt.Sprintf("web.port out of range: %d", c.Web.Port))
	}
	if c.GRPC.Enabled && (c.GRPC.Port <= 0 || c.GRPC.Port > 65535) {
		errors = append(errors, fmt.Sprintf("grpc.port out of range: %d", c.GRPC.Port))
	}
	if c.Web.Enabled && c.GRPC.Enabled && c.Web.Port == c.GRPC.Port {
		errors = append(errors, "web.port and grpc.port must differ")
	}

	if c.Alerts.Retry.MaxAttempts < 0 {
		errors = append(errors, fmt.Sprintf("alerts.retry.max_attempts must be >= 0, got: %d", c.Alerts.Retry.MaxAttempts))
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		errors = append(errors, "redis.url is required when redis is enabled")
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errors = append(errors, "mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		errors = append(errors, fmt.Sprintf("mqtt.qos must be 0, 1 or 2, got: %d", c.MQTT.QoS))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}
