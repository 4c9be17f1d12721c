package config

import (
	"time"

	"github.com/spf13/viper"
)

type ChatCfg struct {
	ServerURL string `mapstructure:"server_url"`
	UserID    string `mapstructure:"user_id"`
}

type IdentityCfg struct {
	Endpoint     string `mapstructure:"endpoint"`
	RefreshToken string `mapstructure:"refresh_token"`
}

type UploadCfg struct {
	Endpoint string `mapstructure:"endpoint"`
}

type ConnectionCfg struct {
	DialTimeoutSeconds int     `mapstructure:"dial_timeout_seconds"`
	HeartbeatSeconds   int     `mapstructure:"heartbeat_seconds"`
	BaseDelayMillis    int     `mapstructure:"base_delay_millis"`
	Growth             float64 `mapstructure:"growth"`
	MaxAttempts        int     `mapstructure:"max_attempts"`
}

type PresenceCfg struct {
	IdleMinutes        int `mapstructure:"idle_minutes"`
	MinIntervalSeconds int `mapstructure:"min_interval_seconds"`
	RefreshSeconds     int `mapstructure:"refresh_seconds"`
	HealthSeconds      int `mapstructure:"health_seconds"`
}

type SnapshotCfg struct {
	DSN string `mapstructure:"dsn"`
}

type AMQPCfg struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type DiagCfg struct {
	Port  string `mapstructure:"port"`
	Debug bool   `mapstructure:"debug"`
}

type TelemetryCfg struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Environment  string `mapstructure:"environment"`
}

type Config struct {
	Chat        ChatCfg       `mapstructure:"chat"`
	Identity    IdentityCfg   `mapstructure:"identity"`
	Upload      UploadCfg     `mapstructure:"upload"`
	Connection  ConnectionCfg `mapstructure:"connection"`
	Presence    PresenceCfg   `mapstructure:"presence"`
	Snapshot    SnapshotCfg   `mapstructure:"snapshot"`
	AMQP        AMQPCfg       `mapstructure:"amqp"`
	Diag        DiagCfg       `mapstructure:"diag"`
	Telemetry   TelemetryCfg  `mapstructure:"telemetry"`
	Development bool          `mapstructure:"development"`

	// Derived
	DialTimeout     time.Duration
	Heartbeat       time.Duration
	BaseDelay       time.Duration
	IdleThreshold   time.Duration
	PresenceMin     time.Duration
	PresenceRefresh time.Duration
	PresenceHealth  time.Duration
}

// Load reads the config file and environment overrides (ENGINE_ prefix) and
// applies defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	v.SetEnvPrefix("ENGINE")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Chat.ServerURL == "" {
		cfg.Chat.ServerURL = "ws://localhost:8080/ws"
	}
	if cfg.Connection.DialTimeoutSeconds == 0 {
		cfg.Connection.DialTimeoutSeconds = 10
	}
	if cfg.Connection.HeartbeatSeconds == 0 {
		cfg.Connection.HeartbeatSeconds = 30
	}
	if cfg.Connection.BaseDelayMillis == 0 {
		cfg.Connection.BaseDelayMillis = 1000
	}
	if cfg.Connection.Growth == 0 {
		cfg.Connection.Growth = 2.0
	}
	if cfg.Connection.MaxAttempts == 0 {
		cfg.Connection.MaxAttempts = 8
	}
	if cfg.Presence.IdleMinutes == 0 {
		cfg.Presence.IdleMinutes = 5
	}
	if cfg.Presence.MinIntervalSeconds == 0 {
		cfg.Presence.MinIntervalSeconds = 5
	}
	if cfg.Presence.RefreshSeconds == 0 {
		cfg.Presence.RefreshSeconds = 45
	}
	if cfg.Presence.HealthSeconds == 0 {
		cfg.Presence.HealthSeconds = 30
	}
	if cfg.AMQP.Exchange == "" {
		cfg.AMQP.Exchange = "engine_events"
	}
	if cfg.Diag.Port == "" {
		cfg.Diag.Port = "8086"
	}
	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = "dev"
	}

	cfg.DialTimeout = time.Duration(cfg.Connection.DialTimeoutSeconds) * time.Second
	cfg.Heartbeat = time.Duration(cfg.Connection.HeartbeatSeconds) * time.Second
	cfg.BaseDelay = time.Duration(cfg.Connection.BaseDelayMillis) * time.Millisecond
	cfg.IdleThreshold = time.Duration(cfg.Presence.IdleMinutes) * time.Minute
	cfg.PresenceMin = time.Duration(cfg.Presence.MinIntervalSeconds) * time.Second
	cfg.PresenceRefresh = time.Duration(cfg.Presence.RefreshSeconds) * time.Second
	cfg.PresenceHealth = time.Duration(cfg.Presence.HealthSeconds) * time.Second
	return &cfg, nil
}
