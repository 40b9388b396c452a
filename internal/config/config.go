package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/mar/internal/platform/scheduling"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	StoreDriver        string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	SQLitePath         string        `mapstructure:"SQLITE_PATH"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultFacility    string        `mapstructure:"DEFAULT_FACILITY"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL        string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	FacilityTimezone   string        `mapstructure:"FACILITY_TIMEZONE"`
	LockWindow         time.Duration `mapstructure:"LOCK_WINDOW"`
	AuditWindowDays    int           `mapstructure:"AUDIT_WINDOW_DAYS"`
	ArchiveDriver      string        `mapstructure:"ARCHIVE_DRIVER"`
	ArchiveSchedule    string        `mapstructure:"ARCHIVE_SCHEDULE"`
	ArchiveS3Bucket    string        `mapstructure:"ARCHIVE_S3_BUCKET"`
	ArchiveS3Region    string        `mapstructure:"ARCHIVE_S3_REGION"`
	ArchiveS3Endpoint  string        `mapstructure:"ARCHIVE_S3_ENDPOINT"`
	ArchiveS3PathStyle bool          `mapstructure:"ARCHIVE_S3_PATH_STYLE"`
	MetricsEnabled     bool          `mapstructure:"METRICS_ENABLED"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit          string        `mapstructure:"BODY_LIMIT"`
	LiveUpdates        bool          `mapstructure:"LIVE_UPDATES_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "SQLITE_PATH",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_FACILITY",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "FACILITY_TIMEZONE", "LOCK_WINDOW", "AUDIT_WINDOW_DAYS",
	"ARCHIVE_DRIVER", "ARCHIVE_SCHEDULE", "ARCHIVE_S3_BUCKET", "ARCHIVE_S3_REGION",
	"ARCHIVE_S3_ENDPOINT", "ARCHIVE_S3_PATH_STYLE", "METRICS_ENABLED",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"LIVE_UPDATES_ENABLED",
}

// Load reads configuration from the environment and an optional .env file.
// It does not validate; callers run Validate once the command knows which
// settings it needs.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("SQLITE_PATH", "mar.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_FACILITY", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("FACILITY_TIMEZONE", "UTC")
	v.SetDefault("LOCK_WINDOW", "2h")
	v.SetDefault("AUDIT_WINDOW_DAYS", 7)
	v.SetDefault("ARCHIVE_DRIVER", "none")
	v.SetDefault("ARCHIVE_SCHEDULE", "15 0 * * *")
	v.SetDefault("ARCHIVE_S3_REGION", "us-east-1")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("LIVE_UPDATES_ENABLED", true)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.ArchiveDriver = strings.ToLower(strings.TrimSpace(cfg.ArchiveDriver))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves FACILITY_TIMEZONE. The facility day, "today" and the
// archive schedule are all evaluated in this zone.
func (c *Config) Location() (*time.Location, error) {
	if c.FacilityTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.FacilityTimezone)
	if err != nil {
		return nil, fmt.Errorf("FACILITY_TIMEZONE: %w", err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run. Outside development
// a token verification source is mandatory, since dev auth trusts headers.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is sqlite")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be \"postgres\" or \"sqlite\", got %q", c.StoreDriver)
	}

	if !c.IsDev() && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q; "+
				"refusing to start without token verification", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes")
	}

	if c.LockWindow <= 0 {
		return fmt.Errorf("LOCK_WINDOW must be positive, got %s", c.LockWindow)
	}
	if c.AuditWindowDays < 1 || c.AuditWindowDays > 31 {
		return fmt.Errorf("AUDIT_WINDOW_DAYS must be between 1 and 31, got %d", c.AuditWindowDays)
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	switch c.ArchiveDriver {
	case "none", "memory":
	case "s3":
		if c.ArchiveS3Bucket == "" {
			return fmt.Errorf("ARCHIVE_S3_BUCKET is required when ARCHIVE_DRIVER is s3")
		}
	default:
		return fmt.Errorf("ARCHIVE_DRIVER must be \"none\", \"memory\" or \"s3\", got %q", c.ArchiveDriver)
	}
	if c.ArchiveDriver != "none" {
		if err := scheduling.ValidateSpec(c.ArchiveSchedule); err != nil {
			return fmt.Errorf("ARCHIVE_SCHEDULE: %w", err)
		}
	}

	return nil
}
