package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

type Config struct {
	Client  ClientConfig  `mapstructure:"client"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Journal JournalConfig `mapstructure:"journal"`
	Status  StatusConfig  `mapstructure:"status"`
}

type ClientConfig struct {
	ServerURL string `mapstructure:"server_url"`
	Path      string `mapstructure:"path"`
	Debug     bool   `mapstructure:"debug"`
	// Token is a static credential. When empty the cached credential is used.
	Token        string `mapstructure:"token"`
	UserID       string `mapstructure:"user_id"`
	Username     string `mapstructure:"username"`
	AutoJoinTeam string `mapstructure:"auto_join_team"`

	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectDelayMax time.Duration `mapstructure:"reconnect_delay_max"`
	JoinTimeout       time.Duration `mapstructure:"join_timeout"`
	StartTimeout      time.Duration `mapstructure:"start_timeout"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	OutboundRPS       float64       `mapstructure:"outbound_rps"`
	OutboundBurst     int           `mapstructure:"outbound_burst"`
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
	EffectsChannel    string        `mapstructure:"effects_channel"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type JournalConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Mode          string        `mapstructure:"mode"` // sqlite | mysql
	SQLitePath    string        `mapstructure:"sqlite_path"`
	MySQLDSN      string        `mapstructure:"mysql_dsn"`
	MySQLMaxOpen  int           `mapstructure:"mysql_max_open"`
	MySQLMaxIdle  int           `mapstructure:"mysql_max_idle"`
	MySQLMaxLife  time.Duration `mapstructure:"mysql_max_life"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type StatusConfig struct {
	// Addr is the listen address of the local status API; empty disables it.
	Addr           string   `mapstructure:"addr"`
	APIKey         string   `mapstructure:"api_key"`
	AllowedIPs     []string `mapstructure:"allowed_ips"`
	RateLimitRPS   float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
}

// Load reads config from the given YAML file path. An empty path yields the
// defaults. GUIDE_* environment variables override file values
// (GUIDE_CLIENT_SERVER_URL, GUIDE_CLIENT_TOKEN, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("guide")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("client.server_url", "ws://127.0.0.1:8080")
	v.SetDefault("client.path", "/ws")
	v.SetDefault("client.debug", false)
	v.SetDefault("client.token", "")
	v.SetDefault("client.user_id", "")
	v.SetDefault("client.username", "")
	v.SetDefault("client.auto_join_team", "")
	v.SetDefault("client.reconnect_attempts", 5)
	v.SetDefault("client.reconnect_delay", "1s")
	v.SetDefault("client.reconnect_delay_max", "30s")
	v.SetDefault("client.join_timeout", "5s")
	v.SetDefault("client.start_timeout", "8s")
	v.SetDefault("client.ping_interval", "25s")
	v.SetDefault("client.outbound_rps", 20)
	v.SetDefault("client.outbound_burst", 40)
	v.SetDefault("client.session_ttl", "24h")
	v.SetDefault("client.effects_channel", "guide:effects")
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.mode", "sqlite")
	v.SetDefault("journal.sqlite_path", "./data/journal.db")
	v.SetDefault("journal.mysql_max_open", 10)
	v.SetDefault("journal.mysql_max_idle", 2)
	v.SetDefault("journal.mysql_max_life", "1h")
	v.SetDefault("journal.batch_size", 100)
	v.SetDefault("journal.flush_interval", "2s")
	v.SetDefault("status.addr", "")
	v.SetDefault("status.api_key", "")
	v.SetDefault("status.rate_limit_rps", 10)
	v.SetDefault("status.rate_limit_burst", 20)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	if c.Client.ServerURL == "" {
		return errors.New("client.server_url is required")
	}
	if c.Client.ReconnectAttempts < 0 {
		return errors.Newf("client.reconnect_attempts must be >= 0, got %d", c.Client.ReconnectAttempts)
	}
	if c.Client.JoinTimeout <= 0 || c.Client.StartTimeout <= 0 {
		return errors.New("client.join_timeout and client.start_timeout must be positive")
	}
	if c.Journal.Enabled && c.Journal.Mode != "sqlite" && c.Journal.Mode != "mysql" {
		return errors.Newf("journal.mode must be sqlite or mysql, got %q", c.Journal.Mode)
	}
	return nil
}
