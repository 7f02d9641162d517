package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "STOREGUARD_"

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env")
// into the process environment. Missing files are ignored; variables that
// are already set win over the file.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// envBinding maps STOREGUARD_<key> onto one config field. Values that do
// not parse leave the field unchanged.
type envBinding struct {
	key   string
	apply func(val string) bool
}

func applyEnvOverrides(cfg *Config) {
	for _, b := range envBindings(cfg) {
		val, ok := os.LookupEnv(EnvPrefix + b.key)
		if !ok || val == "" {
			continue
		}
		b.apply(val)
	}
}

func envBindings(cfg *Config) []envBinding {
	return []envBinding{
		envString("DATA_DIR", &cfg.DataDir),
		envString("LOG_LEVEL", &cfg.Log.Level),
		envString("LOG_FORMAT", &cfg.Log.Format),
		envString("LOG_OUTPUT", &cfg.Log.Output),
		envString("DB_DRIVER", &cfg.Database.Driver),
		envString("DB_DSN", &cfg.Database.DSN),

		envString("AI_DETECTOR_URL", &cfg.AI.DetectorURL),
		envString("AI_POSE_URL", &cfg.AI.PoseURL),
		envString("AI_FACE_URL", &cfg.AI.FaceURL),
		envDuration("AI_TIMEOUT", &cfg.AI.Timeout),
		envFloat("AI_CONFIDENCE_THRESHOLD", &cfg.AI.ConfidenceThreshold),

		envInt("PIPELINE_BUFFER_SIZE", &cfg.Pipeline.BufferSize),
		envDuration("PIPELINE_READ_TIMEOUT", &cfg.Pipeline.ReadTimeout),
		envFloat("IDENTITY_MATCH_THRESHOLD", &cfg.Identity.MatchThreshold),
		envDuration("AGGREGATION_FLUSH_INTERVAL", &cfg.Aggregation.FlushInterval),
		envBool("AUTOSTART_ENABLED", &cfg.AutoStart.Enabled),
		envString("SNAPSHOTS_DIR", &cfg.Snapshots.Dir),

		envBool("WEB_ENABLED", &cfg.Web.Enabled),
		envInt("WEB_PORT", &cfg.Web.Port),
		envBool("GRPC_ENABLED", &cfg.GRPC.Enabled),
		envInt("GRPC_PORT", &cfg.GRPC.Port),

		envBool("REDIS_ENABLED", &cfg.Redis.Enabled),
		envString("REDIS_URL", &cfg.Redis.URL),
		envBool("MQTT_ENABLED", &cfg.MQTT.Enabled),
		envString("MQTT_BROKER", &cfg.MQTT.Broker),
		envString("MQTT_USERNAME", &cfg.MQTT.Username),
		envString("MQTT_PASSWORD", &cfg.MQTT.Password),
	}
}

func envString(key string, dst *string) envBinding {
	return envBinding{key, func(val string) bool {
		*dst = val
		return true
	}}
}

func envInt(key string, dst *int) envBinding {
	return envBinding{key, func(val string) bool {
		n, err := strconv.Atoi(val)
		if err != nil {
			return false
		}
		*dst = n
		return true
	}}
}

func envFloat(key string, dst *float64) envBinding {
	return envBinding{key, func(val string) bool {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return false
		}
		*dst = f
		return true
	}}
}

func envDuration(key string, dst *time.Duration) envBinding {
	return envBinding{key, func(val string) bool {
		d, err := time.ParseDuration(val)
		if err != nil {
			return false
		}
		*dst = d
		return true
	}}
}

// envBool accepts true/false, 1/0, yes/no and on/off
func envBool(key string, dst *bool) envBinding {
	return envBinding{key, func(val string) bool {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			*dst = true
		case "false", "0", "no", "off":
			*dst = false
		default:
			return false
		}
		return true
	}}
}
