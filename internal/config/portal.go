package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type LoggingConfig struct {
	Level string
}

type BackendConfig struct {
	BaseURL string
	Timeout time.Duration
}

// ProfileConfig locates the state shared by every tab of one origin.
type ProfileConfig struct {
	Name   string
	Dir    string
	Driver string // sqlite or redis
}

type ChannelConfig struct {
	Enabled bool
	Name    string
}

type CleanupConfig struct {
	IncludeCacheStorage      bool
	IncludeEmbeddedDatabases bool
	IncludeCrossTabSignal    bool
	ForceReload              bool
	ReloadDelay              time.Duration
}

type ObjectCacheConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

type WorkersConfig struct {
	HeartbeatSpec string
}

type MetricsConfig struct {
	Addr string
}

// PortalConfig configures one portal tab process.
type PortalConfig struct {
	Environment string
	Logging     LoggingConfig
	Backend     BackendConfig
	Profile     ProfileConfig
	Redis       RedisConfig
	Channel     ChannelConfig
	Cleanup     CleanupConfig
	ObjectCache ObjectCacheConfig
	Workers     WorkersConfig
	Metrics     MetricsConfig
}

func LoadPortal() (*PortalConfig, error) {
	return loadPortal(viper.New())
}

func loadPortal(v *viper.Viper) (*PortalConfig, error) {
	v.SetConfigName("portal")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("CLINIC_PORTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setPortalDefaults(v)

	var cfg PortalConfig
	if err := read(v, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setPortalDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logging.level", "info")

	v.SetDefault("backend.baseurl", "http://127.0.0.1:8080")
	v.SetDefault("backend.timeout", "10s")

	v.SetDefault("profile.name", "default")
	v.SetDefault("profile.dir", ".clinicportal")
	v.SetDefault("profile.driver", "sqlite")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("channel.enabled", true)
	v.SetDefault("channel.name", "clinic_session_events")

	v.SetDefault("cleanup.includecachestorage", true)
	v.SetDefault("cleanup.includeembeddeddatabases", true)
	v.SetDefault("cleanup.includecrosstabsignal", true)
	v.SetDefault("cleanup.forcereload", false)
	v.SetDefault("cleanup.reloaddelay", "100ms")

	v.SetDefault("objectcache.enabled", false)
	v.SetDefault("objectcache.bucket", "clinic-portal-cache")
	v.SetDefault("objectcache.usessl", false)
	v.SetDefault("objectcache.region", "us-east-1")

	v.SetDefault("workers.heartbeatspec", "*/30 * * * * *")
}
