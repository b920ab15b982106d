package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultServerAddress       = ":15000"
	defaultCacheRoot           = "./cache"
	defaultGeminiModel         = "models/gemini-2.5-pro"
	defaultOllamaModel         = "llava"
	defaultRegion              = "ap-guangzhou"
	defaultMaxConcurrentTasks  = 4
	defaultDownloadConcurrency = 8
	defaultSystemInstruction   = "你是一位麻将高手和麻将游戏分析专家，擅长游戏记分和分析。"
)

// RedisConfig 定义了 Redis 数据库的连接配置。
type RedisConfig struct {
	Address   string `yaml:"address"`   // Redis 服务器地址 (例如: "localhost:6379")
	Password  string `yaml:"password"`  // Redis 密码
	DB        int    `yaml:"db"`        // Redis 数据库编号
	KeyPrefix string `yaml:"keyPrefix"` // 任务状态镜像的键前缀
	TTL       string `yaml:"ttl"`       // 任务状态镜像的过期时间 (例如: "24h")
}

// MySQLConfig 定义了 MySQL 数据库的连接配置。
type MySQLConfig struct {
	Address         string `yaml:"address"`         // MySQL 服务器地址
	Username        string `yaml:"username"`        // 用户名
	Password        string `yaml:"password"`        // 密码
	Database        string `yaml:"database"`        // 数据库名称
	MaxOpenConns    int    `yaml:"maxOpenConns"`    // 最大打开连接数
	MaxIdleConns    int    `yaml:"maxIdleConns"`    // 最大空闲连接数
	ConnMaxLifetime int    `yaml:"connMaxLifetime"` // 连接最大生命周期 (秒)
}

// ObjectStoreConfig 定义了 S3 兼容对象存储 (腾讯云 COS / MinIO) 的连接配置。
type ObjectStoreConfig struct {
	Endpoint     string `yaml:"endpoint"`     // 服务端点，为空时根据 region 推导 COS 端点
	Region       string `yaml:"region"`       // 存储桶所在地域
	AccessKey    string `yaml:"accessKey"`    // 访问密钥 (COS SecretId)
	SecretKey    string `yaml:"secretKey"`    // Secret 密钥 (COS SecretKey)
	SessionToken string `yaml:"sessionToken"` // 临时凭证的 token
	Bucket       string `yaml:"bucket"`       // 存储桶名称
	Secure       bool   `yaml:"secure"`       // 是否使用HTTPS
	BucketLookup string `yaml:"bucketLookup"` // "dns", "path" 或 "auto"
}

// MongoConfig 定义了 MongoDB 数据库的连接配置。
type MongoConfig struct {
	Address    string `yaml:"address"`    // MongoDB 服务器地址
	Username   string `yaml:"username"`   // 用户名
	Password   string `yaml:"password"`   // 密码
	Database   string `yaml:"database"`   // 数据库名称
	Collection string `yaml:"collection"` // 任务归档集合
}

// KafkaConfig 定义了 Kafka 消息队列的连接配置。
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"` // Kafka Broker 地址列表
	Topics  []string `yaml:"topics"`  // 启动时需要确保存在的主题
}

// DatabaseConfigs 包含所有外部存储的配置。
type DatabaseConfigs struct {
	ObjectStore ObjectStoreConfig `yaml:"objectStore"` // 截图所在的对象存储
	Redis       RedisConfig       `yaml:"redis"`       // Redis 数据库配置
	MySQL       MySQLConfig       `yaml:"mysql"`       // MySQL 数据库配置
	MongoDB     MongoConfig       `yaml:"mongodb"`     // MongoDB 数据库配置
	Kafka       KafkaConfig       `yaml:"kafka"`       // Kafka 消息队列配置
}

// AppInfo 对应 'app' 部分，包含应用程序的基本信息。
type AppInfo struct {
	Name        string `yaml:"name"`        // 应用程序名称
	Version     string `yaml:"version"`     // 应用程序版本
	Environment string `yaml:"environment"` // 运行环境 (例如: "development", "production")
}

// LoggerConfig 定义了日志记录器的配置。
type LoggerConfig struct {
	Level string `yaml:"level"` // 日志级别 (例如: "info", "debug", "warn", "error")
}

// ServerConfig 定义了 HTTP 服务的监听配置。
type ServerConfig struct {
	Address         string `yaml:"address"`         // 监听地址
	ReadTimeout     string `yaml:"readTimeout"`     // 例如: "15s"
	WriteTimeout    string `yaml:"writeTimeout"`    // 例如: "60s"
	ShutdownTimeout string `yaml:"shutdownTimeout"` // 优雅退出的最长等待时间
}

// AnalysisConfig 定义了任务流水线的行为。
type AnalysisConfig struct {
	CacheRoot           string   `yaml:"cacheRoot"`           // 本地缓存根目录
	MaxConcurrentTasks  int      `yaml:"maxConcurrentTasks"`  // 同时运行的任务上限
	DownloadConcurrency int      `yaml:"downloadConcurrency"` // 单个任务的并行下载数
	ImagePatterns       []string `yaml:"imagePatterns"`       // 识别为截图的文件名模式
	WorkspaceTTL        string   `yaml:"workspaceTTL"`        // 工作区闲置多久后清理，为空表示不清理
	Summarize           bool     `yaml:"summarize"`           // 合并后是否再调用一次模型生成总结
	ListingCacheTTL     string   `yaml:"listingCacheTTL"`     // 目录列举结果的缓存时间
	AnalyzerRetries     int      `yaml:"analyzerRetries"`     // 单张图片分析失败后的重试次数
	AnalyzerQPS         float64  `yaml:"analyzerQPS"`         // 模型调用的每秒上限，0 表示不限制
}

// LLMConfig 包含了不同LLM提供商的配置。
type LLMConfig struct {
	Provider          string       `yaml:"provider"`          // LLM提供商 ("gemini" 或 "ollama")
	SystemInstruction string       `yaml:"systemInstruction"` // 系统指令
	Gemini            GeminiConfig `yaml:"gemini"`            // Gemini 模型配置
	Ollama            OllamaConfig `yaml:"ollama"`            // Ollama 模型配置
}

// GeminiConfig 包含了 Gemini 模型的配置。
type GeminiConfig struct {
	APIKey   string `yaml:"apiKey"`   // Gemini API 密钥
	Model    string `yaml:"model"`    // Gemini 模型名称
	ProxyURL string `yaml:"proxyURL"` // 代理端点
	Timeout  string `yaml:"timeout"`  // 单次调用超时
}

// OllamaConfig 包含了本地 Ollama 模型的配置。
type OllamaConfig struct {
	BaseURL string `yaml:"baseURL"` // Ollama 服务地址
	Model   string `yaml:"model"`   // 多模态模型名称
	Timeout string `yaml:"timeout"` // 单次调用超时
}

// ArchiveConfig 选择任务记录的持久化后端。
type ArchiveConfig struct {
	Backend     string `yaml:"backend"`     // "file", "mongo", "mysql" 或 "none"
	StorageFile string `yaml:"storageFile"` // file 后端的文件路径
}

// EventsConfig 定义了任务进度事件的外发配置。
type EventsConfig struct {
	KafkaEnabled bool   `yaml:"kafkaEnabled"` // 是否向 Kafka 发布进度事件
	KafkaTopic   string `yaml:"kafkaTopic"`   // 进度事件主题
	RedisMirror  bool   `yaml:"redisMirror"`  // 是否把任务状态镜像到 Redis
}

// AppConfig 是整个 YAML 文件的根结构，包含了应用程序的所有配置。
type AppConfig struct {
	App        AppInfo          `yaml:"app"`        // 应用程序信息
	Logger     LoggerConfig     `yaml:"logger"`     // 日志记录器配置
	Server     ServerConfig     `yaml:"server"`     // HTTP 服务配置
	Analysis   AnalysisConfig   `yaml:"analysis"`   // 分析流水线配置
	LLM        LLMConfig        `yaml:"llm"`        // LLM 配置部分
	Databases  DatabaseConfigs  `yaml:"databases"`  // 外部存储配置
	Archive    ArchiveConfig    `yaml:"archive"`    // 任务归档配置
	Events     EventsConfig     `yaml:"events"`     // 进度事件配置
	Middleware MiddlewareConfig `yaml:"middleware"` // 中间件配置
}

// MiddlewareConfig 包含所有中间件的配置。
type MiddlewareConfig struct {
	RateLimiter    RateLimiterConfig    `yaml:"rateLimiter"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// RateLimiterConfig 定义了限流器的配置。
type RateLimiterConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Algorithm   string            `yaml:"algorithm"` // 支持: "fixedWindow", "tokenBucket"
	FixedWindow FixedWindowConfig `yaml:"fixedWindow"`
	TokenBucket TokenBucketConfig `yaml:"tokenBucket"`
}

// FixedWindowConfig 定义了固定窗口计数器算法的配置。
type FixedWindowConfig struct {
	Limit  int    `yaml:"limit"`
	Window string `yaml:"window"` // 例如: "1m", "30s"
}

// TokenBucketConfig 定义了令牌桶算法的配置。
type TokenBucketConfig struct {
	Rate     float64 `yaml:"rate"` // 每秒速率
	Capacity int     `yaml:"capacity"`
}

// CircuitBreakerConfig 定义了熔断器的配置。
type CircuitBreakerConfig struct {
	Enabled          bool   `yaml:"enabled"`
	FailureThreshold uint32 `yaml:"failureThreshold"`
	SuccessThreshold uint32 `yaml:"successThreshold"`
	Timeout          string `yaml:"timeout"` // 例如: "30s"
}

// LoadConfig 函数从指定路径加载并解析 YAML 配置文件。
// 文件中的 ${VAR} 引用会先用环境变量展开，因此密钥可以只放在 .env 中。
//
// 参数:
//
//	path: YAML 配置文件的路径。
//
// 返回值:
//
//	*AppConfig: 解析并补全默认值后的应用程序配置结构体。
//	error: 如果文件读取、解析或校验失败，则返回错误。
func LoadConfig(path string) (*AppConfig, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("无法读取 YAML 文件 '%s': %w", path, err)
	}
	return Parse(yamlFile)
}

// Parse 展开环境变量、解析 YAML 并填充默认值。
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("解析 YAML 文件失败: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults 为未配置的字段填入默认值。
func (c *AppConfig) ApplyDefaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Server.Address == "" {
		c.Server.Address = defaultServerAddress
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "30s"
	}
	if c.Analysis.CacheRoot == "" {
		c.Analysis.CacheRoot = defaultCacheRoot
	}
	if c.Analysis.MaxConcurrentTasks == 0 {
		c.Analysis.MaxConcurrentTasks = defaultMaxConcurrentTasks
	}
	if c.Analysis.DownloadConcurrency == 0 {
		c.Analysis.DownloadConcurrency = defaultDownloadConcurrency
	}
	if len(c.Analysis.ImagePatterns) == 0 {
		c.Analysis.ImagePatterns = []string{"*.png"}
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "gemini"
	}
	if c.LLM.SystemInstruction == "" {
		c.LLM.SystemInstruction = defaultSystemInstruction
	}
	if c.LLM.Gemini.Model == "" {
		c.LLM.Gemini.Model = defaultGeminiModel
	}
	if c.LLM.Ollama.Model == "" {
		c.LLM.Ollama.Model = defaultOllamaModel
	}
	if c.Databases.ObjectStore.Region == "" {
		c.Databases.ObjectStore.Region = defaultRegion
	}
	if c.Databases.ObjectStore.Endpoint == "" {
		c.Databases.ObjectStore.Endpoint = fmt.Sprintf("cos.%s.myqcloud.com", c.Databases.ObjectStore.Region)
		c.Databases.ObjectStore.Secure = true
	}
	if c.Databases.MongoDB.Collection == "" {
		c.Databases.MongoDB.Collection = "analysis_tasks"
	}
	if c.Databases.Redis.KeyPrefix == "" {
		c.Databases.Redis.KeyPrefix = "analysis:task:"
	}
	if c.Archive.Backend == "" {
		c.Archive.Backend = "file"
	}
	if c.Archive.StorageFile == "" {
		c.Archive.StorageFile = "./tasks.json"
	}
	if c.Events.KafkaTopic == "" {
		c.Events.KafkaTopic = "analysis_task_events"
	}
}

// Validate 检查配置中互相矛盾或无法使用的取值。
func (c *AppConfig) Validate() error {
	switch c.LLM.Provider {
	case "gemini", "ollama":
	default:
		return fmt.Errorf("不支持的 LLM 提供商: %s", c.LLM.Provider)
	}
	switch c.Archive.Backend {
	case "file", "mongo", "mysql", "none":
	default:
		return fmt.Errorf("不支持的归档后端: %s", c.Archive.Backend)
	}
	if c.Analysis.MaxConcurrentTasks < 0 || c.Analysis.DownloadConcurrency < 0 {
		return fmt.Errorf("并发数不能为负数")
	}
	if c.Analysis.AnalyzerRetries < 0 {
		return fmt.Errorf("analyzerRetries 不能为负数")
	}
	for _, d := range []struct {
		name  string
		value string
	}{
		{"server.readTimeout", c.Server.ReadTimeout},
		{"server.writeTimeout", c.Server.WriteTimeout},
		{"server.shutdownTimeout", c.Server.ShutdownTimeout},
		{"analysis.workspaceTTL", c.Analysis.WorkspaceTTL},
		{"analysis.listingCacheTTL", c.Analysis.ListingCacheTTL},
		{"llm.gemini.timeout", c.LLM.Gemini.Timeout},
		{"llm.ollama.timeout", c.LLM.Ollama.Timeout},
		{"databases.redis.ttl", c.Databases.Redis.TTL},
		{"middleware.circuitBreaker.timeout", c.Middleware.CircuitBreaker.Timeout},
	} {
		if _, err := ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s 格式错误: %w", d.name, err)
		}
	}
	return nil
}

// ParseDuration 解析可选的时长字段，空字符串表示 0。
// 纯数字按毫秒处理，与 GEMINI_TIMEOUT 环境变量的写法保持一致。
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.Trim(s, "0123456789") == "" {
		d, err := time.ParseDuration(s + "ms")
		if err != nil {
			return 0, err
		}
		return d, nil
	}
	return time.ParseDuration(s)
}
