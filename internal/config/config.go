package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DatabaseConfig 数据库配置（邀请分析历史）
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置（联系人缓存 + 同步事件流）
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT 配置（远端通知“联系人已变化”时触发同步）
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// DirectoryConfig 远端通讯录服务配置
type DirectoryConfig struct {
	BaseURL string
	// 静态 token（真实 App 中由登录会话提供）
	Token string
	// 单条记录请求超时
	Timeout time.Duration
	// 批量导入请求超时
	BulkTimeout time.Duration
	// 每秒请求数上限，0 表示不限速
	RequestsPerSecond float64
	Burst             int
}

// SyncConfig 同步编排配置
type SyncConfig struct {
	UserID           string
	ChunkSize        int
	FanOut           int
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	Interval         time.Duration
	EventStream      string
}

// Config bob-contactsync 配置
type Config struct {
	DBEnabled bool
	Database  DatabaseConfig
	Redis     RedisConfig
	MQTT      MQTTConfig
	Directory DirectoryConfig
	Sync      SyncConfig

	Cache struct {
		Prefix string
	}

	AddressBook struct {
		Path     string // XLSX 通讯录文件
		PageSize int
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
// 先尝试读取 .env（不存在则忽略），再从环境变量读取，缺省值适用于本地开发
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.DBEnabled = getEnv("DB_ENABLED", "false") == "true"
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "bob")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "bob-contactsync")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "bob/contacts/changed")
	cfg.MQTT.QoS = 1

	cfg.Directory.BaseURL = getEnv("DIRECTORY_BASE_URL", "http://localhost:1337/api")
	cfg.Directory.Token = getEnv("DIRECTORY_TOKEN", "")
	cfg.Directory.Timeout = parseDuration(getEnv("DIRECTORY_TIMEOUT", "10s"), 10*time.Second)
	cfg.Directory.BulkTimeout = parseDuration(getEnv("DIRECTORY_BULK_TIMEOUT", "30s"), 30*time.Second)
	cfg.Directory.RequestsPerSecond = parseFloat(getEnv("DIRECTORY_RPS", "10"), 10)
	cfg.Directory.Burst = parseInt(getEnv("DIRECTORY_BURST", "10"), 10)

	cfg.Sync.UserID = getEnv("SYNC_USER_ID", "")
	cfg.Sync.ChunkSize = positive(parseInt(getEnv("SYNC_CHUNK_SIZE", "50"), 50), 50)
	cfg.Sync.FanOut = positive(parseInt(getEnv("SYNC_FAN_OUT", "8"), 8), 8)
	cfg.Sync.RetryMaxAttempts = positive(parseInt(getEnv("SYNC_RETRY_MAX_ATTEMPTS", "3"), 3), 3)
	cfg.Sync.RetryBaseDelay = parseDuration(getEnv("SYNC_RETRY_BASE_DELAY", "2s"), 2*time.Second)
	cfg.Sync.Interval = parseDuration(getEnv("SYNC_INTERVAL", "15m"), 15*time.Minute)
	cfg.Sync.EventStream = getEnv("SYNC_EVENT_STREAM", "contacts:sync-events")

	cfg.Cache.Prefix = getEnv("CACHE_PREFIX", "bob")

	cfg.AddressBook.Path = getEnv("ADDRESS_BOOK_PATH", "")
	cfg.AddressBook.PageSize = positive(parseInt(getEnv("ADDRESS_BOOK_PAGE_SIZE", "200"), 200), 200)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if cfg.Sync.UserID == "" {
		return nil, fmt.Errorf("user id is required, please set SYNC_USER_ID environment variable")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseFloat(s string, def float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func positive(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
