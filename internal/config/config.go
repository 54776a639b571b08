package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"voice-sync/internal/domain"
)

type Config struct {
	Server    ServerConfig
	Device    DeviceConfig
	Database  DatabaseConfig
	Sync      SyncConfig
	Blob      BlobConfig
	Registry  RegistryConfig
	WebSocket WebSocketConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port string `validate:"required,numeric"`
	Host string
	Env  string `validate:"oneof=development production test"`
	// CertFile and KeyFile default to the device identity in the data dir.
	CertFile string
	KeyFile  string
}

type DeviceConfig struct {
	// ID is read from DEVICE_ID or the data dir; empty until resolved.
	ID      string `validate:"omitempty,hexadecimal,len=32"`
	Name    string `validate:"required,max=200"`
	DataDir string `validate:"required"`
}

type DatabaseConfig struct {
	Path string `validate:"required"`
}

type SyncConfig struct {
	RequestTimeout time.Duration `validate:"gt=0"`
	BlobTimeout    time.Duration `validate:"gt=0"`
	PageLimit      int           `validate:"gte=1,lte=10000"`
	SessionTTL     time.Duration `validate:"gt=0"`
	RequireSession bool
	Parallel       int `validate:"gte=1"`
	MaxBlobBytes   int64
}

type BlobConfig struct {
	Backend string `validate:"oneof=fs s3 none"`
	Dir     string
	S3      S3Config
}

type S3Config struct {
	Bucket          string `validate:"required_if=Enabled true"`
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	UsePathStyle    bool
	Enabled         bool
}

type RegistryConfig struct {
	Backend  string `validate:"oneof=sqlite couchdb"`
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// URL is the CouchDB connection string with credentials.
func (r RegistryConfig) URL() string {
	return fmt.Sprintf("http://%s:%s@%s:%s", r.User, r.Password, r.Host, r.Port)
}

type WebSocketConfig struct {
	Enabled         bool
	ReadBufferSize  int
	WriteBufferSize int
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxObservers    int
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Enabled           bool
}

type LoggingConfig struct {
	Level string `validate:"oneof=debug info warn error"`
	JSON  bool
}

func Load() (*Config, error) {
	godotenv.Load()

	dataDir := getEnv("VOICESYNC_DATA_DIR", defaultDataDir())

	requestTimeout, err := getEnvAsDuration("SYNC_REQUEST_TIMEOUT", "30s")
	if err != nil {
		return nil, err
	}
	blobTimeout, err := getEnvAsDuration("SYNC_BLOB_TIMEOUT", "5m")
	if err != nil {
		return nil, err
	}
	sessionTTL, err := getEnvAsDuration("SYNC_SESSION_TTL", "15m")
	if err != nil {
		return nil, err
	}
	writeWait, err := getEnvAsDuration("WS_WRITE_WAIT", "10s")
	if err != nil {
		return nil, err
	}
	pongWait, err := getEnvAsDuration("WS_PONG_WAIT", "60s")
	if err != nil {
		return nil, err
	}
	// Pings must go out before the peer's read deadline expires.
	pingPeriod, err := getEnvAsDuration("WS_PING_PERIOD", (pongWait * 9 / 10).String())
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "voice-sync"
	}

	backend := strings.ToLower(getEnv("BLOB_BACKEND", "fs"))

	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnv("PORT", "8443"),
			Host:     getEnv("HOST", "0.0.0.0"),
			Env:      getEnv("ENV", "development"),
			CertFile: getEnv("TLS_CERT_FILE", ""),
			KeyFile:  getEnv("TLS_KEY_FILE", ""),
		},
		Device: DeviceConfig{
			ID:      strings.ToLower(getEnv("DEVICE_ID", "")),
			Name:    getEnv("DEVICE_NAME", hostname),
			DataDir: dataDir,
		},
		Database: DatabaseConfig{
			Path: getEnv("DB_PATH", filepath.Join(dataDir, "voicesync.db")),
		},
		Sync: SyncConfig{
			RequestTimeout: requestTimeout,
			BlobTimeout:    blobTimeout,
			PageLimit:      getEnvAsInt("SYNC_PAGE_LIMIT", domain.DefaultPageLimit),
			SessionTTL:     sessionTTL,
			RequireSession: getEnvAsBool("SYNC_REQUIRE_SESSION", true),
			Parallel:       getEnvAsInt("SYNC_PARALLEL", 4),
			MaxBlobBytes:   int64(getEnvAsInt("SYNC_MAX_BLOB_BYTES", 512<<20)),
		},
		Blob: BlobConfig{
			Backend: backend,
			Dir:     getEnv("BLOB_DIR", filepath.Join(dataDir, "audio")),
			S3: S3Config{
				Bucket:          getEnv("S3_BUCKET", ""),
				Region:          getEnv("S3_REGION", "us-east-1"),
				Endpoint:        getEnv("S3_ENDPOINT", ""),
				AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
				SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
				Prefix:          getEnv("S3_PREFIX", ""),
				UsePathStyle:    getEnvAsBool("S3_USE_PATH_STYLE", false),
				Enabled:         backend == "s3",
			},
		},
		Registry: RegistryConfig{
			Backend:  strings.ToLower(getEnv("REGISTRY_BACKEND", "sqlite")),
			Host:     getEnv("COUCHDB_HOST", "localhost"),
			Port:     getEnv("COUCHDB_PORT", "5984"),
			User:     getEnv("COUCHDB_USER", "admin"),
			Password: getEnv("COUCHDB_PASSWORD", "password"),
			Name:     getEnv("COUCHDB_NAME", "voicesync_peers"),
		},
		WebSocket: WebSocketConfig{
			Enabled:         getEnvAsBool("WS_ENABLED", true),
			ReadBufferSize:  getEnvAsInt("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getEnvAsInt("WS_WRITE_BUFFER_SIZE", 4096),
			WriteWait:       writeWait,
			PongWait:        pongWait,
			PingPeriod:      pingPeriod,
			MaxObservers:    getEnvAsInt("WS_MAX_OBSERVERS", 16),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvAsInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 600),
			Enabled:           getEnvAsBool("RATE_LIMIT_ENABLED", true),
		},
		Logging: LoggingConfig{
			Level: strings.ToLower(getEnv("LOG_LEVEL", "info")),
			JSON:  getEnvAsBool("LOG_JSON", false),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "voicesync")
	}
	return ".voicesync"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return d, nil
}
