package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	DB      DBConfig      `mapstructure:"db"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Hub     HubConfig     `mapstructure:"hub"`
	Sources SourcesConfig `mapstructure:"sources"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Cron    CronConfig    `mapstructure:"cron"`
	Scanner ScannerConfig `mapstructure:"scanner"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

// BrokerConfig configures the durable job broker. An empty addr means no
// broker is configured and the queue runs in fallback mode for the whole
// process lifetime.
type BrokerConfig struct {
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	HistoryLimit   int           `mapstructure:"history_limit"`
}

type HubConfig struct {
	AuthSecret      string        `mapstructure:"auth_secret"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	SnapshotAlerts  int           `mapstructure:"snapshot_alerts"`
	ReadLimitBytes  int64         `mapstructure:"read_limit_bytes"`
	AllowAllOrigins bool          `mapstructure:"allow_all_origins"`
}

type SourcesConfig struct {
	PollInterval   time.Duration    `mapstructure:"poll_interval"`
	SyntheticMin   time.Duration    `mapstructure:"synthetic_min"`
	SyntheticMax   time.Duration    `mapstructure:"synthetic_max"`
	DedupWindow    time.Duration    `mapstructure:"dedup_window"`
	WatchedTargets []string         `mapstructure:"watched_targets"`
	Brands         []string         `mapstructure:"brands"`
	VirusTotal     APISourceConfig  `mapstructure:"virustotal"`
	Shodan         APISourceConfig  `mapstructure:"shodan"`
	HIBP           APISourceConfig  `mapstructure:"hibp"`
	CertStream     CertStreamConfig `mapstructure:"certstream"`
}

// APISourceConfig configures one polled threat-intelligence source. An empty
// api_key disables the source; with every source disabled the collector runs
// in synthetic mode.
type APISourceConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	Endpoint     string        `mapstructure:"endpoint"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type CertStreamConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type MetricsConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	RecentLimit     int           `mapstructure:"recent_limit"`
}

type CronConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	FeedRefresh string `mapstructure:"feed_refresh"`
	Cleanup     string `mapstructure:"cleanup"`
}

type ScannerConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")

	v.SetDefault("broker.addr", "")
	v.SetDefault("broker.connect_timeout", "2s")
	v.SetDefault("broker.handler_timeout", "20s")
	v.SetDefault("broker.history_limit", 100)

	v.SetDefault("hub.send_buffer", 32)
	v.SetDefault("hub.write_timeout", "10s")
	v.SetDefault("hub.ping_interval", "30s")
	v.SetDefault("hub.snapshot_alerts", 20)
	v.SetDefault("hub.read_limit_bytes", 1<<20)
	v.SetDefault("hub.allow_all_origins", false)

	v.SetDefault("sources.poll_interval", "5m")
	v.SetDefault("sources.synthetic_min", "30s")
	v.SetDefault("sources.synthetic_max", "2m")
	v.SetDefault("sources.dedup_window", "60s")
	v.SetDefault("sources.virustotal.endpoint", "https://www.virustotal.com/api/v3")
	v.SetDefault("sources.virustotal.timeout", "15s")
	v.SetDefault("sources.shodan.endpoint", "https://api.shodan.io")
	v.SetDefault("sources.shodan.timeout", "15s")
	v.SetDefault("sources.hibp.endpoint", "https://haveibeenpwned.com/api/v3")
	v.SetDefault("sources.hibp.timeout", "15s")
	v.SetDefault("sources.certstream.enabled", false)
	v.SetDefault("sources.certstream.url", "wss://certstream.calidog.io")

	v.SetDefault("metrics.refresh_interval", "30s")
	v.SetDefault("metrics.stale_after", "24h")
	v.SetDefault("metrics.recent_limit", 10)

	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.feed_refresh", "@hourly")
	v.SetDefault("cron.cleanup", "@hourly")

	v.SetDefault("scanner.base_url", "")
	v.SetDefault("scanner.timeout", "20s")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
