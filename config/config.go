package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	NotifyPubsub = "pubsub"
	NotifyRedis  = "redis"
	NotifyLog    = "log"
)

type Config struct {
	// Queue
	MaxConcurrent    int
	PollInterval     time.Duration
	ErrorBackoff     time.Duration
	HistorySize      int
	RequesterHistory int
	ConfirmTTL       time.Duration

	HTTPPort int
	LogLevel string

	// Transport
	NotifyBackend       string
	GoogleProjectID     string
	CommandSubscription string
	ReplyTopic          string
	CredentialsFile     string
	RedisAddr           string
	RedisPassword       string
	RedisChannel        string

	// Execution
	JobNamespace      string
	JobImage          string
	JobServiceAccount string
	JobPollInterval   time.Duration
	ExecRatePerSecond float64
	ExecRetries       int
	BreakerFailures   int
}

func Load() *Config {
	cfg := &Config{
		MaxConcurrent:    getEnvInt("DISPATCHER_MAX_CONCURRENT", 3),
		PollInterval:     getEnvDuration("DISPATCHER_POLL_INTERVAL", time.Second),
		ErrorBackoff:     getEnvDuration("DISPATCHER_ERROR_BACKOFF", 5*time.Second),
		HistorySize:      getEnvInt("DISPATCHER_HISTORY_SIZE", 100),
		RequesterHistory: getEnvInt("DISPATCHER_REQUESTER_HISTORY", 10),
		ConfirmTTL:       getEnvDuration("DISPATCHER_CONFIRM_TTL", 15*time.Minute),
		HTTPPort:         getEnvInt("DISPATCHER_HTTP_PORT", 8080),
		LogLevel:         strings.TrimSpace(getEnv("DISPATCHER_LOG_LEVEL", "info")),

		NotifyBackend:       strings.ToLower(strings.TrimSpace(getEnv("DISPATCHER_NOTIFY_BACKEND", NotifyPubsub))),
		CommandSubscription: strings.TrimSpace(getEnv("DISPATCHER_COMMAND_SUBSCRIPTION", "")),
		ReplyTopic:          strings.TrimSpace(getEnv("DISPATCHER_REPLY_TOPIC", "")),
		CredentialsFile:     strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), os.Getenv("DISPATCHER_GSA_CREDENTIALS"))),
		RedisAddr:           strings.TrimSpace(getEnv("DISPATCHER_REDIS_ADDR", "localhost:6379")),
		RedisPassword:       os.Getenv("DISPATCHER_REDIS_PASSWORD"),
		RedisChannel:        strings.TrimSpace(getEnv("DISPATCHER_REDIS_CHANNEL", "dispatcher.notifications")),

		JobNamespace:      strings.TrimSpace(getEnv("DISPATCHER_JOB_NAMESPACE", "default")),
		JobImage:          strings.TrimSpace(getEnv("DISPATCHER_JOB_IMAGE", "")),
		JobServiceAccount: strings.TrimSpace(getEnv("DISPATCHER_JOB_SERVICE_ACCOUNT", "")),
		JobPollInterval:   getEnvDuration("DISPATCHER_JOB_POLL_INTERVAL", 5*time.Second),
		ExecRatePerSecond: getEnvFloat("DISPATCHER_EXEC_RATE", 1),
		ExecRetries:       getEnvInt("DISPATCHER_EXEC_RETRIES", 3),
		BreakerFailures:   getEnvInt("DISPATCHER_BREAKER_FAILURES", 5),
	}

	if cfg.NotifyBackend == NotifyPubsub || cfg.CommandSubscription != "" {
		cfg.GoogleProjectID = getGoogleProjectID(cfg.CredentialsFile, strings.TrimSpace(getEnv("DISPATCHER_PUBSUB_PROJECT_ID", "")))
		if cfg.GoogleProjectID == "" {
			log.Warn().Msg("Google project ID not resolved; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or DISPATCHER_PUBSUB_PROJECT_ID")
		}
	}
	if cfg.NotifyBackend == NotifyPubsub && cfg.ReplyTopic == "" {
		log.Warn().Msg("Pub/Sub reply topic not set; set DISPATCHER_REPLY_TOPIC")
	}
	if cfg.JobImage == "" {
		log.Warn().Msg("job image not set; set DISPATCHER_JOB_IMAGE")
	}
	return cfg
}

// Validate reports settings the process cannot start without.
func (c *Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("DISPATCHER_MAX_CONCURRENT must be at least 1, got %d", c.MaxConcurrent)
	}
	if c.JobImage == "" {
		return fmt.Errorf("missing job image; set DISPATCHER_JOB_IMAGE")
	}
	switch c.NotifyBackend {
	case NotifyPubsub:
		if c.GoogleProjectID == "" {
			return fmt.Errorf("missing Google project id; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or DISPATCHER_PUBSUB_PROJECT_ID")
		}
		if c.ReplyTopic == "" {
			return fmt.Errorf("missing Pub/Sub reply topic; set DISPATCHER_REPLY_TOPIC")
		}
	case NotifyRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("missing redis address; set DISPATCHER_REDIS_ADDR")
		}
	case NotifyLog:
	default:
		return fmt.Errorf("unknown DISPATCHER_NOTIFY_BACKEND %q", c.NotifyBackend)
	}
	if c.CommandSubscription != "" && c.GoogleProjectID == "" {
		return fmt.Errorf("command subscription set without a Google project id")
	}
	return nil
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.HTTPPort))
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"maxConcurrent":       c.MaxConcurrent,
		"pollInterval":        c.PollInterval.String(),
		"confirmTTL":          c.ConfirmTTL.String(),
		"httpPort":            c.HTTPPort,
		"logLevel":            c.LogLevel,
		"notifyBackend":       c.NotifyBackend,
		"projectID":           c.GoogleProjectID,
		"commandSubscription": c.CommandSubscription,
		"replyTopic":          c.ReplyTopic,
		"redisAddr":           c.RedisAddr,
		"jobNamespace":        c.JobNamespace,
		"jobImage":            c.JobImage,
		"credentialsProvided": c.CredentialsFile != "",
		"redisAuth":           c.RedisPassword != "",
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(v)
		if err == nil {
			return iv
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid int; using default")
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		fv, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return fv
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid float; using default")
	}
	return def
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Warn().Str("key", key).Str("value", v).Msg("invalid duration; using default")
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func projectIDFromCredentials(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	var x struct {
		ProjectID string `json:"project_id"`
	}
	// Malformed files just yield no project id.
	_ = json.Unmarshal(b, &x)
	return x.ProjectID, nil
}

func getGoogleProjectID(credsFile string, explicit string) string {
	// 1) Prefer GOOGLE_APPLICATION_CREDENTIALS if set
	if p := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); p != "" {
		log.Info().Str("credsFile", p).Msg("GOOGLE_APPLICATION_CREDENTIALS is set; extracting project_id from credentials file")
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			return strings.TrimSpace(pid)
		}
		log.Warn().Str("credsFile", p).Msg("project_id not found in credentials file or unreadable")
	}

	// 2) Explicit override
	if explicit := strings.TrimSpace(explicit); explicit != "" {
		log.Info().Str("projectID", explicit).Msg("using DISPATCHER_PUBSUB_PROJECT_ID for Google project")
		return explicit
	}

	// 3) External k8s override
	if v := strings.TrimSpace(os.Getenv("GOOGLE_PROJECT_ID")); v != "" {
		log.Info().Str("projectID", v).Msg("using GOOGLE_PROJECT_ID from environment")
		return v
	}

	// 4) Common Google envs
	if v := firstNonEmpty(os.Getenv("GOOGLE_CLOUD_PROJECT"), os.Getenv("GCLOUD_PROJECT"), os.Getenv("GCP_PROJECT")); strings.TrimSpace(v) != "" {
		v = strings.TrimSpace(v)
		log.Info().Str("projectID", v).Msg("using Google project from common environment variables")
		return v
	}

	// 5) Fallback to provided credentials file path (DISPATCHER_GSA_CREDENTIALS)
	if p := strings.TrimSpace(credsFile); p != "" {
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			log.Info().Str("credsFile", p).Msg("using project_id from provided credentials file")
			return strings.TrimSpace(pid)
		}
	}
	return ""
}
