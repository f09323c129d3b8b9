// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable for the API and worker processes. All
// values come from the environment; Load applies defaults suitable for
// local development.
type Config struct {
	HTTPPort string

	// JobStore selects the job store backend: "postgres" (durable) or
	// "memory" (single process, development only).
	JobStore    string
	DatabaseURL string

	// QueueBackend selects the render queue: "redis" or "memory".
	QueueBackend string
	RedisAddr    string
	QueueName    string
	QueueDepth   int

	// Workers is the render pool size per worker process.
	Workers int
	// EmbeddedWorkers runs the pool inside the API process, for
	// development without a separate worker deployment.
	EmbeddedWorkers bool

	MaxAttempts       int
	RenderTimeout     time.Duration
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
	ReapInterval      time.Duration

	RetentionTTL      time.Duration
	RetentionInterval time.Duration

	// WorkDir is the scratch space for uploads being probed and renders
	// in flight.
	WorkDir string

	FFmpegPath  string
	FFprobePath string
	// FontFile is the font used for text overlays; empty relies on the
	// ffmpeg build's default font lookup.
	FontFile string
}

// Load reads the configuration from the environment.
func Load() Config {
	return Config{
		HTTPPort: Env("HTTP_PORT", "8080"),

		JobStore:    Env("JOB_STORE", "postgres"),
		DatabaseURL: Env("DATABASE_URL", ""),

		QueueBackend: Env("QUEUE_BACKEND", "redis"),
		RedisAddr:    Env("REDIS_ADDR", "localhost:6379"),
		QueueName:    Env("QUEUE_NAME", "vidforge:render"),
		QueueDepth:   IntEnv("QUEUE_DEPTH", 256),

		Workers:         IntEnv("WORKERS", 2),
		EmbeddedWorkers: BoolEnv("EMBEDDED_WORKERS", false),

		MaxAttempts:       IntEnv("MAX_ATTEMPTS", 3),
		RenderTimeout:     DurationEnv("RENDER_TIMEOUT", 10*time.Minute),
		HeartbeatInterval: DurationEnv("HEARTBEAT_INTERVAL", 15*time.Second),
		LivenessTimeout:   DurationEnv("LIVENESS_TIMEOUT", 2*time.Minute),
		ReapInterval:      DurationEnv("REAP_INTERVAL", 30*time.Second),

		RetentionTTL:      DurationEnv("RETENTION_TTL", 24*time.Hour),
		RetentionInterval: DurationEnv("RETENTION_INTERVAL", 10*time.Minute),

		WorkDir: Env("WORK_DIR", os.TempDir()),

		FFmpegPath:  Env("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: Env("FFPROBE_PATH", "ffprobe"),
		FontFile:    Env("FONT_FILE", ""),
	}
}

// Env reads an env var, falling back to def when unset or blank.
func Env(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

// MustEnv reads an env var and panics when it is unset or blank.
func MustEnv(k string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		panic("missing env: " + k)
	}
	return v
}

// BoolEnv reads an env var as bool. If empty or invalid, returns def.
// strconv.ParseBool accepts: 1,t,T,TRUE,true,True,0,f,F,FALSE,false,False.
func BoolEnv(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// IntEnv reads an env var as int. If empty or invalid, returns def.
func IntEnv(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// DurationEnv reads an env var as a Go duration ("90s", "10m"). If
// empty or invalid, returns def.
func DurationEnv(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
