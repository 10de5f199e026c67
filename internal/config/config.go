package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr          string
	JWTSecret     string
	TokenTTL      time.Duration
	KeySalt       string
	CORSOrigin    string
	LogLevel      string
	LogFormat     string
	MigrationsDir string
	DatabaseURL   string
	// Document store
	DocstoreBackend string
	GitDir          string
	GitRemote       string
	GitBranch       string
	GitUsername     string
	GitToken        string
	AuthorName      string
	AuthorEmail     string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3UseSSL        bool
	RemoteTimeout   time.Duration
	// Ingestion
	ApplicationsDir    string
	PhotosDir          string
	UploadMaxBytes     int64
	ReconcileInterval  time.Duration
	ReconcileRate      int
	ReconcileBatchSize int
	// Login throttling
	RedisURL         string
	LoginMaxAttempts int
	LoginWindow      time.Duration
	// SMTP Configuration
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
	HiringEmail  string
}

// fileConfig mirrors the keys accepted in the optional YAML overlay. Every
// field is a string so that the overlay and the environment share one parser.
type fileConfig map[string]string

// Load builds the configuration from the optional YAML file named by
// PAWLENX_CONFIG, then environment variables. Environment always wins.
func Load() (Config, error) {
	overlay := fileConfig{}
	if path := strings.TrimSpace(os.Getenv("PAWLENX_CONFIG")); path != "" {
		parsed, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		overlay = parsed
	}
	return build(func(key string) string {
		if value := os.Getenv(key); value != "" {
			return value
		}
		return overlay[key]
	}), nil
}

func readFile(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	parsed := fileConfig{}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return parsed, nil
}

func build(lookup func(string) string) Config {
	getenv := func(key, fallback string) string {
		if value := lookup(key); value != "" {
			return value
		}
		return fallback
	}
	getenvInt := func(key string, fallback int) int {
		parsed, err := strconv.Atoi(lookup(key))
		if err != nil {
			return fallback
		}
		return parsed
	}
	getenvBool := func(key string, fallback bool) bool {
		parsed, err := strconv.ParseBool(lookup(key))
		if err != nil {
			return fallback
		}
		return parsed
	}

	return Config{
		Addr:          getenv("API_ADDR", ":3001"),
		JWTSecret:     getenv("PAWLENX_JWT_SECRET", "pawlenx-dev-secret"),
		TokenTTL:      time.Duration(getenvInt("PAWLENX_TOKEN_TTL_HOURS", 168)) * time.Hour,
		// Changing the salt orphans every existing user collection.
		KeySalt:       getenv("PAWLENX_KEY_SALT", "pawlenx-dev-key-salt"),
		CORSOrigin:    getenv("PAWLENX_CORS_ORIGIN", "*"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		LogFormat:     getenv("LOG_FORMAT", "json"),
		MigrationsDir: getenv("PAWLENX_MIGRATIONS_DIR", "./db/migrations"),
		// Empty keeps the submission ledger in memory.
		DatabaseURL: getenv("DATABASE_URL", ""),

		DocstoreBackend: strings.ToLower(getenv("DOCSTORE_BACKEND", "git")),
		GitDir:          getenv("DOCSTORE_GIT_DIR", "./data/docstore.git"),
		GitRemote:       getenv("DOCSTORE_GIT_REMOTE", ""),
		GitBranch:       getenv("DOCSTORE_GIT_BRANCH", "main"),
		GitUsername:     getenv("DOCSTORE_GIT_USERNAME", "x-access-token"),
		GitToken:        getenv("DOCSTORE_GIT_TOKEN", ""),
		AuthorName:      getenv("DOCSTORE_AUTHOR_NAME", "PawLenx API"),
		AuthorEmail:     getenv("DOCSTORE_AUTHOR_EMAIL", "api@pawlenx.local"),
		S3Endpoint:      getenv("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:     getenv("S3_ACCESS_KEY", ""),
		S3SecretKey:     getenv("S3_SECRET_KEY", ""),
		S3Bucket:        getenv("S3_BUCKET", "pawlenx"),
		S3UseSSL:        getenvBool("S3_USE_SSL", false),
		RemoteTimeout:   time.Duration(getenvInt("REMOTE_TIMEOUT_SECONDS", 15)) * time.Second,

		ApplicationsDir:    getenv("APPLICATIONS_DIR", "./applications"),
		PhotosDir:          getenv("PHOTOS_DIR", "./uploads/photos"),
		UploadMaxBytes:     int64(getenvInt("UPLOAD_MAX_BYTES", 10*1024*1024)),
		ReconcileInterval:  time.Duration(getenvInt("RECONCILE_INTERVAL_SECONDS", 60)) * time.Second,
		ReconcileRate:      getenvInt("RECONCILE_RATE_PER_SECOND", 2),
		ReconcileBatchSize: getenvInt("RECONCILE_BATCH_SIZE", 25),

		// Empty keeps the login throttle in memory.
		RedisURL:         getenv("REDIS_URL", ""),
		LoginMaxAttempts: getenvInt("LOGIN_MAX_ATTEMPTS", 5),
		LoginWindow:      time.Duration(getenvInt("LOGIN_WINDOW_SECONDS", 900)) * time.Second,

		// SMTP - empty by default, notifications disabled if not configured
		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPPort:     getenv("SMTP_PORT", "587"),
		SMTPUsername: getenv("SMTP_USERNAME", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", ""),
		SMTPFromName: getenv("SMTP_FROM_NAME", "PawLenx"),
		HiringEmail:  getenv("HIRING_EMAIL", ""),
	}
}
