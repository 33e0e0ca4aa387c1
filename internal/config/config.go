package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"fleetdesk/internal/permission"
	"fleetdesk/internal/routegate"
	"fleetdesk/internal/session"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig
	DB         DatabaseConfig
	Identity   IdentityConfig
	Storage    StorageConfig
	Session    SessionConfig
	Permission PermissionConfig
	Routes     routegate.Config
	Log        LogConfig
}

type ServerConfig struct {
	Host          string // listen address; loopback unless exposed on purpose
	Port          string
	GinMode       string
	CORSOrigins   []string
	SignInRate    float64 // requests per second per client
	SignInBurst   int
	RoleCacheTTL  time.Duration
	ShutdownGrace time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type IdentityConfig struct {
	Driver string // gotrue | local

	GoTrueURL    string
	GoTrueAPIKey string

	LocalSecret     string
	LocalIssuer     string
	LocalAccessTTL  time.Duration
	LocalRefreshTTL time.Duration

	RefreshMargin time.Duration

	// Bootstrap account created on start when the local driver is used.
	LocalAdminEmail    string
	LocalAdminPassword string
	LocalAdminName     string
}

type StorageConfig struct {
	Driver        string // memory | redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

type SessionConfig struct {
	InitTimeout           time.Duration
	ForceSignOutWait      time.Duration
	PasswordResetRedirect string
}

type PermissionConfig struct {
	FetchTimeout time.Duration
	MaxAttempts  int
}

type LogConfig struct {
	Level string
	JSON  bool
}

// overlay is the shape of the optional YAML file. Zero values leave the
// environment's value in place.
type overlay struct {
	Routes  *routegate.Config `yaml:"routes"`
	Session struct {
		InitTimeout      time.Duration `yaml:"init_timeout"`
		ForceSignOutWait time.Duration `yaml:"force_sign_out_wait"`
	} `yaml:"session"`
	Permission struct {
		FetchTimeout time.Duration `yaml:"fetch_timeout"`
		MaxAttempts  int           `yaml:"max_attempts"`
	} `yaml:"permission"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Load reads configs/.env when present, then the environment, then the YAML
// file named by CONSOLE_CONFIG_FILE.
func Load() (*Config, error) {
	if err := godotenv.Load("configs/.env"); err != nil {
		slog.Debug("no configs/.env file loaded", "error", err)
	}

	cfg := fromEnv()
	if path := os.Getenv("CONSOLE_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          getEnv("SERVER_HOST", "127.0.0.1"),
			Port:          getEnv("PORT", "8080"),
			GinMode:       getEnv("GIN_MODE", "debug"),
			CORSOrigins:   getEnvAsList("CORS_ORIGINS", []string{"http://localhost:5173", "http://127.0.0.1:5173"}),
			SignInRate:    getEnvAsFloat("SIGN_IN_RATE", 0.2),
			SignInBurst:   getEnvAsInt("SIGN_IN_BURST", 5),
			RoleCacheTTL:  getEnvAsDuration("ROLE_CACHE_TTL", time.Minute),
			ShutdownGrace: getEnvAsDuration("SHUTDOWN_GRACE", 10*time.Second),
		},
		DB: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "postgres"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Identity: IdentityConfig{
			Driver:          getEnv("IDENTITY_DRIVER", "gotrue"),
			GoTrueURL:       getEnv("GOTRUE_URL", ""),
			GoTrueAPIKey:    getEnv("GOTRUE_API_KEY", ""),
			LocalSecret:     getEnv("LOCAL_JWT_SECRET", "dev-secret-change-me"),
			LocalIssuer:     getEnv("LOCAL_JWT_ISSUER", "fleetdesk-local"),
			LocalAccessTTL:  getEnvAsDuration("LOCAL_ACCESS_TTL", time.Hour),
			LocalRefreshTTL: getEnvAsDuration("LOCAL_REFRESH_TTL", 30*24*time.Hour),
			RefreshMargin:   getEnvAsDuration("TOKEN_REFRESH_MARGIN", time.Minute),

			LocalAdminEmail:    getEnv("LOCAL_ADMIN_EMAIL", ""),
			LocalAdminPassword: getEnv("LOCAL_ADMIN_PASSWORD", ""),
			LocalAdminName:     getEnv("LOCAL_ADMIN_NAME", "Console Admin"),
		},
		Storage: StorageConfig{
			Driver:        getEnv("STORAGE_DRIVER", "memory"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvAsInt("REDIS_DB", 0),
			RedisPrefix:   getEnv("REDIS_PREFIX", "fleetdesk:"),
		},
		Session: SessionConfig{
			InitTimeout:           getEnvAsDuration("SESSION_INIT_TIMEOUT", session.DefaultInitTimeout),
			ForceSignOutWait:      getEnvAsDuration("FORCE_SIGN_OUT_WAIT", session.DefaultForceSignOutWait),
			PasswordResetRedirect: getEnv("PASSWORD_RESET_REDIRECT", "http://localhost:5173/update-password"),
		},
		Permission: PermissionConfig{
			FetchTimeout: getEnvAsDuration("PERMISSION_FETCH_TIMEOUT", permission.DefaultFetchTimeout),
			MaxAttempts:  getEnvAsInt("PERMISSION_MAX_ATTEMPTS", permission.DefaultMaxAttempts),
		},
		Routes: routegate.Config{
			PublicPaths:    getEnvAsList("PUBLIC_PATHS", nil),
			PublicPrefixes: getEnvAsList("PUBLIC_PREFIXES", nil),
			LoginPath:      getEnv("LOGIN_PATH", ""),
			LandingPath:    getEnv("LANDING_PATH", ""),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			JSON:  getEnvAsBool("LOG_JSON", true),
		},
	}
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var o overlay
	if err := yaml.Unmarshal(raw, &o); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if o.Routes != nil {
		c.Routes = *o.Routes
	}
	if o.Session.InitTimeout > 0 {
		c.Session.InitTimeout = o.Session.InitTimeout
	}
	if o.Session.ForceSignOutWait > 0 {
		c.Session.ForceSignOutWait = o.Session.ForceSignOutWait
	}
	if o.Permission.FetchTimeout > 0 {
		c.Permission.FetchTimeout = o.Permission.FetchTimeout
	}
	if o.Permission.MaxAttempts > 0 {
		c.Permission.MaxAttempts = o.Permission.MaxAttempts
	}
	if len(o.CORSOrigins) > 0 {
		c.Server.CORSOrigins = o.CORSOrigins
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Identity.Driver {
	case "gotrue":
		if c.Identity.GoTrueURL == "" {
			return fmt.Errorf("GOTRUE_URL is required when IDENTITY_DRIVER=gotrue")
		}
	case "local":
	default:
		return fmt.Errorf("unknown IDENTITY_DRIVER %q", c.Identity.Driver)
	}
	switch c.Storage.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver)
	}
	return nil
}

func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.DBName,
		c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated value, dropping empty items.
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
