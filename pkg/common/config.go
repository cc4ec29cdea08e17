package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process configuration read from the environment (and .env
// through godotenv in main).
type Config struct {
	DBType string

	HttpHostPort string
	GrpcHostPort string

	DefaultRate  float64
	DefaultBurst int

	JWTSecret      string
	ThresholdsFile string

	UpdateInterval time.Duration
	ClearAfter     int
	ForceEmitAfter int
	ListCap        int
	Retention      time.Duration
	AckCoalesce    time.Duration
	AuthTimeout    time.Duration

	MqttBroker     string
	MqttTopic      string
	NatsURL        string
	AllowedOrigins []string
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		DBType:         envOr(EnvKeyVitalsDBType, "memory"),
		HttpHostPort:   envOr(EnvKeyVitalsHttpHostPort, ":1080"),
		GrpcHostPort:   strings.TrimSpace(os.Getenv(EnvKeyVitalsGrpcHostPort)),
		JWTSecret:      os.Getenv(EnvKeyVitalsJWTSecret),
		ThresholdsFile: strings.TrimSpace(os.Getenv(EnvKeyVitalsThresholdsFile)),
		MqttBroker:     strings.TrimSpace(os.Getenv(EnvKeyVitalsMqttBroker)),
		MqttTopic:      envOr(EnvKeyVitalsMqttTopic, "vitals/+/readings"),
		NatsURL:        strings.TrimSpace(os.Getenv(EnvKeyVitalsNatsURL)),
		AllowedOrigins: SplitList(os.Getenv(EnvKeyVitalsAllowedOrigins)),
	}

	var err error
	if cfg.DefaultRate, err = parseFloat(EnvKeyVitalsDefaultRate, 10); err != nil {
		return nil, err
	}
	if cfg.DefaultBurst, err = parseInt(EnvKeyVitalsDefaultBurst, 20); err != nil {
		return nil, err
	}
	if cfg.UpdateInterval, err = parseDuration(EnvKeyVitalsUpdateInterval, 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ClearAfter, err = parseInt(EnvKeyVitalsClearAfter, 2); err != nil {
		return nil, err
	}
	if cfg.ForceEmitAfter, err = parseInt(EnvKeyVitalsForceEmitAfter, 10); err != nil {
		return nil, err
	}
	if cfg.ListCap, err = parseInt(EnvKeyVitalsListCap, 10); err != nil {
		return nil, err
	}
	if cfg.Retention, err = parseDuration(EnvKeyVitalsRetention, 0); err != nil {
		return nil, err
	}
	if cfg.AckCoalesce, err = parseDuration(EnvKeyVitalsAckCoalesce, time.Minute); err != nil {
		return nil, err
	}
	if cfg.AuthTimeout, err = parseDuration(EnvKeyVitalsAuthTimeout, 10*time.Second); err != nil {
		return nil, err
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%s is required", EnvKeyVitalsJWTSecret)
	}
	if cfg.ClearAfter < 1 {
		return nil, fmt.Errorf("invalid %s: must be at least 1", EnvKeyVitalsClearAfter)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseFloat(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s, should be a float64 value: %w", key, err)
	}
	return v, nil
}

func parseInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s, should be an int value: %w", key, err)
	}
	return v, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s, should be a duration like 5s: %w", key, err)
	}
	return v, nil
}
