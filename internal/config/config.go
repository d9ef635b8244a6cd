package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server        ServerConfig            `mapstructure:"server"`
	Log           LogConfig               `mapstructure:"log"`
	Database      DatabaseConfig          `mapstructure:"database"`
	Redis         RedisConfig             `mapstructure:"redis"`
	Registry      RegistryConfig          `mapstructure:"registry"`
	Cleaner       CleanerConfig           `mapstructure:"cleaner"`
	Tickets       map[string]TicketConfig `mapstructure:"tickets"`
	IDGenerator   IDGeneratorConfig       `mapstructure:"id_generator"`
	SecurityToken SecurityTokenConfig     `mapstructure:"security_token"`
	Admin         AdminConfig             `mapstructure:"admin"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	// DSN 非空时直接使用，忽略下面的分项配置
	DSN      string         `mapstructure:"dsn"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	LogLevel string         `mapstructure:"log_level"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// MySQLConfig MySQL 配置
type MySQLConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	DBName    string `mapstructure:"dbname"`
	Charset   string `mapstructure:"charset"`
	ParseTime bool   `mapstructure:"parse_time"`
	Loc       string `mapstructure:"loc"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// 票据注册表后端类型
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDatabase = "database"
)

// RegistryConfig 票据注册表配置
type RegistryConfig struct {
	Backend       string       `mapstructure:"backend"`
	PurgeOnRead   bool         `mapstructure:"purge_on_read"`
	KeyPrefix     string       `mapstructure:"key_prefix"`
	UpdateRetries int          `mapstructure:"update_retries"`
	Shards        int          `mapstructure:"shards"`
	Crypto        CryptoConfig `mapstructure:"crypto"`
	PublishEvents bool         `mapstructure:"publish_events"`
	EventChannel  string       `mapstructure:"event_channel"`
}

// CryptoConfig 票据存储加密配置
type CryptoConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	EncryptionKey     string `mapstructure:"encryption_key"`
	CompressThreshold int    `mapstructure:"compress_threshold"`
}

// CleanerConfig 过期票据清理配置
type CleanerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	StartDelay time.Duration `mapstructure:"start_delay"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
	BatchSize  int           `mapstructure:"batch_size"`
}

// TicketConfig 单个票据类型的配置
type TicketConfig struct {
	Prefix         string        `mapstructure:"prefix"`
	TimeToLive     time.Duration `mapstructure:"time_to_live"`
	TimeToIdle     time.Duration `mapstructure:"time_to_idle"`
	MaxUses        int           `mapstructure:"max_uses"`
	RememberMeTTL  time.Duration `mapstructure:"remember_me_ttl"`
	StorageTimeout time.Duration `mapstructure:"storage_timeout"`
}

// IDGeneratorConfig 票据 ID 生成配置
type IDGeneratorConfig struct {
	Suffix       string `mapstructure:"suffix"`
	RandomLength int    `mapstructure:"random_length"`
}

// SecurityTokenConfig 安全令牌票据签名配置
type SecurityTokenConfig struct {
	SigningKey string `mapstructure:"signing_key"`
	Issuer     string `mapstructure:"issuer"`
}

// AdminConfig 管理接口配置
type AdminConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
}

var current *Config

// Load 加载配置
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	return unmarshal(v)
}

// LoadFromFile 从指定文件加载配置
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	// 支持环境变量覆盖，例如 UAC_REDIS_ADDR
	v.SetEnvPrefix("uac")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	// viper 会把键名转成小写，票据类型统一用大写
	tickets := make(map[string]TicketConfig, len(cfg.Tickets))
	for kind, tc := range cfg.Tickets {
		tickets[strings.ToUpper(kind)] = tc
	}
	cfg.Tickets = tickets

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	current = &cfg
	return &cfg, nil
}

// Get 获取最近一次加载的配置
func Get() *Config {
	return current
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Registry.Backend {
	case BackendMemory, BackendRedis, BackendDatabase:
	default:
		return fmt.Errorf("不支持的票据注册表后端: %s", c.Registry.Backend)
	}
	if c.Registry.UpdateRetries < 0 {
		return fmt.Errorf("registry.update_retries 不能为负数")
	}
	if c.Registry.Crypto.Enabled && c.Registry.Crypto.EncryptionKey == "" {
		return fmt.Errorf("启用票据加密时必须配置 registry.crypto.encryption_key")
	}
	if c.Cleaner.Enabled && c.Cleaner.Interval <= 0 {
		return fmt.Errorf("cleaner.interval 必须大于 0")
	}
	for kind, tc := range c.Tickets {
		if tc.TimeToLive < 0 || tc.TimeToIdle < 0 || tc.MaxUses < 0 || tc.RememberMeTTL < 0 {
			return fmt.Errorf("tickets.%s 含有负值", kind)
		}
	}
	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	// 数据库默认配置
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.dbname", "unified_auth")
	v.SetDefault("database.postgres.sslmode", "disable")

	// Redis 默认配置
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// 票据注册表默认配置
	v.SetDefault("registry.backend", BackendMemory)
	v.SetDefault("registry.purge_on_read", false)
	v.SetDefault("registry.key_prefix", "cas:ticket:")
	v.SetDefault("registry.update_retries", 5)
	v.SetDefault("registry.shards", 32)
	v.SetDefault("registry.crypto.enabled", false)
	v.SetDefault("registry.crypto.compress_threshold", 512)
	v.SetDefault("registry.publish_events", false)
	v.SetDefault("registry.event_channel", "cas:ticket:events")

	// 清理任务默认配置
	v.SetDefault("cleaner.enabled", true)
	v.SetDefault("cleaner.interval", "2m")
	v.SetDefault("cleaner.start_delay", "20s")
	v.SetDefault("cleaner.lock_ttl", "1m")
	v.SetDefault("cleaner.batch_size", 500)

	v.SetDefault("id_generator.random_length", 20)

	v.SetDefault("security_token.issuer", "unified-auth-center")
	v.SetDefault("admin.token_expiry", "1h")
}
