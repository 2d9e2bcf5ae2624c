package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到控制台
	MaxSizeMB   int    // 单个日志文件大小上限，默认 100
	MaxBackups  int    // 保留的旧日志文件数，默认 3
	MaxAgeDays  int    // 旧日志保留天数，默认 28
	Compress    bool   // 压缩旧日志，默认开启

	SampleInitial    int // 每秒同一消息完整记录的条数，0 表示不采样
	SampleThereafter int // 超出后每 N 条记录一条，默认 100
}

// DatabaseConfig 定义关系数据库连接配置
type DatabaseConfig struct {
	Type            string        // 数据库类型: "postgres"、"mysql"、"sqlite"，留空使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
	AutoMigrate     bool          // 启动时执行 gorm AutoMigrate，默认 true
}

// RedisConfig 定义 Redis 配置（去重快速路径与索引重放队列）
type RedisConfig struct {
	Address  string        // Redis 服务地址，留空表示不启用
	Password string        // Redis 认证密码
	DB       int           // Redis 数据库编号，默认 0
	DedupTTL time.Duration // 去重键过期时间，默认 7 天
}

// SearchConfig 定义 Elasticsearch 搜索索引配置
type SearchConfig struct {
	Addresses         []string      // 节点地址列表，留空表示不启用搜索
	Username          string        // 基本认证用户名
	Password          string        // 基本认证密码
	IndexPrefix       string        // 索引名前缀，如 "abusedesk-"
	Timeout           time.Duration // 单次索引写入超时，默认 5 秒
	ReplayInterval    time.Duration // 失败写入重放间隔，默认 1 分钟
	ReplayBatch       int           // 每次重放的最大条数，默认 100
	ReplayMaxAttempts int           // 单条写入的最大重放次数，默认 5
}

// ClassifierConfig 定义外部推理服务配置
type ClassifierConfig struct {
	Provider  string        // "ollama" 或 "openai"
	URL       string        // 服务地址，如 http://localhost:11434
	Model     string        // 模型名称，默认 llama3.2:1b
	APIKey    string        // openai 兼容服务的密钥
	Timeout   time.Duration // 单次调用超时，默认 60 秒
	RateLimit float64       // 每秒最多调用次数，<=0 表示不限
	Burst     int           // 令牌桶容量，默认 1
	CacheSize int           // 相同内容分类结果的缓存条数，0 表示不缓存，默认 1000
	CacheTTL  time.Duration // 分类结果缓存时间，默认 1 小时
}

// IMAPConfig 定义拉取式邮件源配置
type IMAPConfig struct {
	Address           string        // host:port，留空表示不启用
	Username          string        // 登录用户名
	Password          string        // 登录密码（password 认证）
	Mailbox           string        // 邮箱文件夹，默认 INBOX
	UseTLS            bool          // 是否使用 TLS，默认 true
	AuthType          string        // "password" 或 "xoauth2"
	OAuthTokenURL     string        // XOAUTH2 令牌端点
	OAuthClientID     string        // XOAUTH2 客户端 ID
	OAuthClientSecret string        // XOAUTH2 客户端密钥
	OAuthScopes       []string      // XOAUTH2 权限范围
	PollInterval      time.Duration // 轮询间隔，默认 5 分钟，0 表示不轮询
	UnseenOnly        bool          // 只拉取未读邮件，默认 true
	FetchLimit        int           // 单次最多拉取数量，默认 200
}

// SMTPConfig 定义 SMTP 举报接收服务器配置
type SMTPConfig struct {
	Enabled        bool     // 是否启用
	BindAddr       string   // 监听地址，默认 ":2525"
	Domain         string   // HELO/EHLO 域名
	AllowedDomains []string // 接受的收件人域名，留空表示全部接受
	MaxConnections int      // 最大并发连接数，默认 100
	MaxRate        int      // 每秒最大新建连接数，默认 20
}

// PipelineConfig 定义批处理编排配置
type PipelineConfig struct {
	Workers          int           // 后台工作协程数，默认 4
	QueueSize        int           // 后台任务队列长度，默认 64
	BatchConcurrency int           // 单批次内并发处理数，默认 4
	BackgroundLimit  int           // 列表请求触发的后台批次最大条数，默认 50
	ItemTimeout      time.Duration // 单条邮件处理超时，默认 2 分钟
	SyncLimit        int           // 同步批处理（HTTP 请求内）最多处理的邮件数，默认 20
}

// SyncBudget 同步批处理在最坏情况下的耗时：按并发数分轮，每轮最多一个单条超时
func (p PipelineConfig) SyncBudget() time.Duration {
	concurrency := p.BatchConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	rounds := (p.SyncLimit + concurrency - 1) / concurrency
	return time.Duration(rounds) * p.ItemTimeout
}

// Config 是系统配置的根结构体
type Config struct {
	Server     ServerConfig
	CORS       CORSConfig
	Log        LogConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Search     SearchConfig
	Classifier ClassifierConfig
	IMAP       IMAPConfig
	SMTP       SMTPConfig
	Pipeline   PipelineConfig
}

// Load 从环境变量、可选配置文件和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 配置文件（ABUSEDESK_CONFIG 指定，yaml/json/toml）
//  4. 默认值
//
// 环境变量前缀: ABUSEDESK_
// 例如: ABUSEDESK_DATABASE_DSN, ABUSEDESK_CLASSIFIER_URL
//
// 返回值:
//   - *Config: 加载成功的配置对象
//   - error: 配置验证失败时返回错误
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("abusedesk")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("ABUSEDESK_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	setDefaults(v)

	dbType := strings.ToLower(strings.TrimSpace(v.GetString("database.type")))
	switch dbType {
	case "", "memory", "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported database.type %q", dbType)
	}
	if dbType != "" && dbType != "memory" && v.GetString("database.dsn") == "" {
		return nil, fmt.Errorf("database.dsn is required for database.type %q", dbType)
	}

	provider := strings.ToLower(v.GetString("classifier.provider"))
	if provider != "ollama" && provider != "openai" {
		return nil, fmt.Errorf("unsupported classifier.provider %q", provider)
	}

	authType := strings.ToLower(v.GetString("imap.auth_type"))
	if authType != "password" && authType != "xoauth2" {
		return nil, fmt.Errorf("unsupported imap.auth_type %q", authType)
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
			MaxSizeMB:   positive(v.GetInt("log.max_size_mb"), 100),
			MaxBackups:  v.GetInt("log.max_backups"),
			MaxAgeDays:  v.GetInt("log.max_age_days"),
			Compress:    v.GetBool("log.compress"),

			SampleInitial:    v.GetInt("log.sample_initial"),
			SampleThereafter: positive(v.GetInt("log.sample_thereafter"), 100),
		},
		Database: DatabaseConfig{
			Type:            dbType,
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: parseDuration(v.GetString("database.conn_max_lifetime"), 5*time.Minute),
			AutoMigrate:     v.GetBool("database.auto_migrate"),
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			DedupTTL: parseDuration(v.GetString("redis.dedup_ttl"), 7*24*time.Hour),
		},
		Search: SearchConfig{
			Addresses:         parseList(v.GetString("search.addresses")),
			Username:          v.GetString("search.username"),
			Password:          v.GetString("search.password"),
			IndexPrefix:       v.GetString("search.index_prefix"),
			Timeout:           parseDuration(v.GetString("search.timeout"), 5*time.Second),
			ReplayInterval:    parseDuration(v.GetString("search.replay_interval"), time.Minute),
			ReplayBatch:       positive(v.GetInt("search.replay_batch"), 100),
			ReplayMaxAttempts: positive(v.GetInt("search.replay_max_attempts"), 5),
		},
		Classifier: ClassifierConfig{
			Provider:  provider,
			URL:       strings.TrimRight(v.GetString("classifier.url"), "/"),
			Model:     v.GetString("classifier.model"),
			APIKey:    v.GetString("classifier.api_key"),
			Timeout:   parseDuration(v.GetString("classifier.timeout"), 60*time.Second),
			RateLimit: v.GetFloat64("classifier.rate_limit"),
			Burst:     positive(v.GetInt("classifier.burst"), 1),
			CacheSize: v.GetInt("classifier.cache_size"),
			CacheTTL:  parseDuration(v.GetString("classifier.cache_ttl"), time.Hour),
		},
		IMAP: IMAPConfig{
			Address:           v.GetString("imap.address"),
			Username:          v.GetString("imap.username"),
			Password:          v.GetString("imap.password"),
			Mailbox:           v.GetString("imap.mailbox"),
			UseTLS:            v.GetBool("imap.use_tls"),
			AuthType:          authType,
			OAuthTokenURL:     v.GetString("imap.oauth_token_url"),
			OAuthClientID:     v.GetString("imap.oauth_client_id"),
			OAuthClientSecret: v.GetString("imap.oauth_client_secret"),
			OAuthScopes:       parseList(v.GetString("imap.oauth_scopes")),
			PollInterval:      parseDuration(v.GetString("imap.poll_interval"), 5*time.Minute),
			UnseenOnly:        v.GetBool("imap.unseen_only"),
			FetchLimit:        positive(v.GetInt("imap.fetch_limit"), 200),
		},
		SMTP: SMTPConfig{
			Enabled:        v.GetBool("smtp.enabled"),
			BindAddr:       v.GetString("smtp.bind_addr"),
			Domain:         v.GetString("smtp.domain"),
			AllowedDomains: parseDomains(v.GetString("smtp.allowed_domains")),
			MaxConnections: positive(v.GetInt("smtp.max_connections"), 100),
			MaxRate:        positive(v.GetInt("smtp.max_rate"), 20),
		},
		Pipeline: PipelineConfig{
			Workers:          positive(v.GetInt("pipeline.workers"), 4),
			QueueSize:        positive(v.GetInt("pipeline.queue_size"), 64),
			BatchConcurrency: positive(v.GetInt("pipeline.batch_concurrency"), 4),
			BackgroundLimit:  positive(v.GetInt("pipeline.background_limit"), 50),
			ItemTimeout:      parseDuration(v.GetString("pipeline.item_timeout"), 2*time.Minute),
			SyncLimit:        positive(v.GetInt("pipeline.sync_limit"), 20),
		},
	}

	if cfg.IMAP.Address != "" && cfg.IMAP.AuthType == "xoauth2" && cfg.IMAP.OAuthTokenURL == "" {
		return nil, fmt.Errorf("imap.oauth_token_url is required for xoauth2 authentication")
	}

	return cfg, nil
}

// setDefaults 注册所有配置项的默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)
	v.SetDefault("log.sample_initial", 0)
	v.SetDefault("log.sample_thereafter", 100)
	v.SetDefault("database.type", "") // 默认为空，使用内存存储
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dedup_ttl", "168h")
	v.SetDefault("search.addresses", "")
	v.SetDefault("search.username", "")
	v.SetDefault("search.password", "")
	v.SetDefault("search.index_prefix", "")
	v.SetDefault("search.timeout", "5s")
	v.SetDefault("search.replay_interval", "1m")
	v.SetDefault("search.replay_batch", 100)
	v.SetDefault("search.replay_max_attempts", 5)
	v.SetDefault("classifier.provider", "ollama")
	v.SetDefault("classifier.url", "http://localhost:11434")
	v.SetDefault("classifier.model", "llama3.2:1b")
	v.SetDefault("classifier.api_key", "")
	v.SetDefault("classifier.timeout", "60s")
	v.SetDefault("classifier.rate_limit", 0)
	v.SetDefault("classifier.burst", 1)
	v.SetDefault("classifier.cache_size", 1000)
	v.SetDefault("classifier.cache_ttl", "1h")
	v.SetDefault("imap.address", "")
	v.SetDefault("imap.username", "")
	v.SetDefault("imap.password", "")
	v.SetDefault("imap.mailbox", "INBOX")
	v.SetDefault("imap.use_tls", true)
	v.SetDefault("imap.auth_type", "password")
	v.SetDefault("imap.oauth_token_url", "")
	v.SetDefault("imap.oauth_client_id", "")
	v.SetDefault("imap.oauth_client_secret", "")
	v.SetDefault("imap.oauth_scopes", "")
	v.SetDefault("imap.poll_interval", "5m")
	v.SetDefault("imap.unseen_only", true)
	v.SetDefault("imap.fetch_limit", 200)
	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.bind_addr", ":2525")
	v.SetDefault("smtp.domain", "localhost")
	v.SetDefault("smtp.allowed_domains", "")
	v.SetDefault("smtp.max_connections", 100)
	v.SetDefault("smtp.max_rate", 20)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_size", 64)
	v.SetDefault("pipeline.batch_concurrency", 4)
	v.SetDefault("pipeline.background_limit", 50)
	v.SetDefault("pipeline.item_timeout", "2m")
	v.SetDefault("pipeline.sync_limit", 20)
}

// parseDuration 解析时长字符串，失败时返回默认值
func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func positive(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

// parseDomains 将逗号分隔的域名字符串解析为小写域名数组
func parseDomains(value string) []string {
	out := parseList(value)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

// parseList 将逗号分隔的字符串解析为字符串切片
//
// 参数:
//   - value: 逗号分隔的字符串，如 "item1,item2,item3"
//
// 返回值:
//   - []string: 解析后的字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env
//
// 注意：
//   - 如果文件不存在，静默失败（.env 是可选的）
//   - 环境变量不会被覆盖（已存在的环境变量优先级更高）
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
