package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Presence   PresenceConfig   `mapstructure:"presence"`
	Channels   ChannelsConfig   `mapstructure:"channels"`
	Messages   MessagesConfig   `mapstructure:"messages"`
	Moderation ModerationConfig `mapstructure:"moderation"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
	Sessions   SessionsConfig   `mapstructure:"sessions"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"` // gin: debug / release / test
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggerConfig struct {
	Directory string            `mapstructure:"directory"` // 为空则只输出到 stdout
	Level     string            `mapstructure:"level"`
	Format    string            `mapstructure:"format"` // text / json
	Rotation  LogRotationConfig `mapstructure:"rotation"`
}

type LogRotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

type DatabaseConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Driver       string        `mapstructure:"driver"` // mysql / sqlite
	DSN          string        `mapstructure:"dsn"`    // 非空时优先于 host/port 等字段
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DBName       string        `mapstructure:"dbname"`
	Charset      string        `mapstructure:"charset"`
	Path         string        `mapstructure:"path"` // sqlite 文件
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	ConnMaxLife  time.Duration `mapstructure:"conn_max_life"`
	LogLevel     string        `mapstructure:"log_level"`
}

// MySQLDSN 由分项拼出 mysql dsn
func (d DatabaseConfig) MySQLDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=UTC",
		d.Username, d.Password, d.Host, d.Port, d.DBName, d.Charset)
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Brokers       []string      `mapstructure:"brokers"`
	Topic         string        `mapstructure:"topic"`
	RelayInterval time.Duration `mapstructure:"relay_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxRetry      int           `mapstructure:"max_retry"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	QueueSize     int           `mapstructure:"queue_size"` // 未启用数据库时的内存事件队列
}

type JWTConfig struct {
	Secret    string        `mapstructure:"secret"`
	AccessTTL time.Duration `mapstructure:"access_ttl"`
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

type IdentityConfig struct {
	DefaultRadiusKm     float64  `mapstructure:"default_radius_km"`
	MaxRadiusKm         float64  `mapstructure:"max_radius_km"`
	MaxGenerateAttempts int      `mapstructure:"max_generate_attempts"`
	Prefixes            []string `mapstructure:"prefixes"`
	MaxSuffix           int      `mapstructure:"max_suffix"`
}

type PresenceConfig struct {
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
}

type ChannelsConfig struct {
	AllowCustomCategories bool `mapstructure:"allow_custom_categories"`
	MaxNameLen            int  `mapstructure:"max_name_len"`
}

type MessagesConfig struct {
	DisappearingTTL time.Duration `mapstructure:"disappearing_ttl"`
	MaxBodyLen      int           `mapstructure:"max_body_len"`
	DefaultPage     int           `mapstructure:"default_page"`
	MaxPage         int           `mapstructure:"max_page"`
}

type ModerationConfig struct {
	Classifier string        `mapstructure:"classifier"` // keyword / allow_all
	Timeout    time.Duration `mapstructure:"timeout"`
	Keywords   []string      `mapstructure:"keywords"`
	Reason     string        `mapstructure:"reason"`
}

type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type SessionsConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// Load 读取配置文件；path 为空时只使用默认值与环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOOPIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 全部取默认值，测试与本地开发使用
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func (c *Config) Validate() error {
	switch {
	case c.Identity.DefaultRadiusKm <= 0:
		return fmt.Errorf("identity.default_radius_km must be positive")
	case c.Identity.MaxGenerateAttempts <= 0:
		return fmt.Errorf("identity.max_generate_attempts must be positive")
	case len(c.Identity.Prefixes) == 0:
		return fmt.Errorf("identity.prefixes must not be empty")
	case c.Identity.MaxSuffix <= 0:
		return fmt.Errorf("identity.max_suffix must be positive")
	case c.Presence.StaleThreshold <= 0:
		return fmt.Errorf("presence.stale_threshold must be positive")
	case c.Messages.DisappearingTTL <= 0:
		return fmt.Errorf("messages.disappearing_ttl must be positive")
	case c.Moderation.Timeout <= 0:
		return fmt.Errorf("moderation.timeout must be positive")
	case c.Sweeper.Interval <= 0:
		return fmt.Errorf("sweeper.interval must be positive")
	case c.Database.Enabled && c.Database.Driver != "mysql" && c.Database.Driver != "sqlite":
		return fmt.Errorf("database.driver must be mysql or sqlite, got %q", c.Database.Driver)
	case c.Kafka.Enabled && len(c.Kafka.Brokers) == 0:
		return fmt.Errorf("kafka.brokers required when kafka is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 0) // SSE 长连接不设写超时
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logger.directory", "")
	v.SetDefault("logger.level", "INFO")
	v.SetDefault("logger.format", "text")
	v.SetDefault("logger.rotation.max_size", 10)
	v.SetDefault("logger.rotation.max_backups", 30)
	v.SetDefault("logger.rotation.max_age", 90)
	v.SetDefault("logger.rotation.compress", true)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "loopin.db")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.dbname", "loopin")
	v.SetDefault("database.charset", "utf8mb4")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_life", time.Hour)
	v.SetDefault("database.log_level", "WARNING")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "loopin.messages")
	v.SetDefault("kafka.relay_interval", time.Second)
	v.SetDefault("kafka.batch_size", 200)
	v.SetDefault("kafka.max_retry", 5)
	v.SetDefault("kafka.write_timeout", 5*time.Second)
	v.SetDefault("kafka.queue_size", 1024)

	v.SetDefault("jwt.secret", "change-me")
	v.SetDefault("jwt.access_ttl", 24*time.Hour)
	v.SetDefault("jwt.cache_size", 4096)
	v.SetDefault("jwt.cache_ttl", 30*time.Second)

	v.SetDefault("identity.default_radius_km", 2.0)
	v.SetDefault("identity.max_radius_km", 50.0)
	v.SetDefault("identity.max_generate_attempts", 32)
	v.SetDefault("identity.prefixes", []string{"User", "Chatter", "Local", "Anon", "Wanderer"})
	v.SetDefault("identity.max_suffix", 9999)

	v.SetDefault("presence.stale_threshold", 5*time.Minute)

	v.SetDefault("channels.allow_custom_categories", false)
	v.SetDefault("channels.max_name_len", 64)

	v.SetDefault("messages.disappearing_ttl", time.Hour)
	v.SetDefault("messages.max_body_len", 2000)
	v.SetDefault("messages.default_page", 20)
	v.SetDefault("messages.max_page", 50)

	v.SetDefault("moderation.classifier", "keyword")
	v.SetDefault("moderation.timeout", 2*time.Second)
	v.SetDefault("moderation.keywords", []string{"damn", "hell", "crap"})
	v.SetDefault("moderation.reason", "Mild language detected")

	v.SetDefault("sweeper.interval", 30*time.Second)

	v.SetDefault("sessions.buffer", 64)
}
