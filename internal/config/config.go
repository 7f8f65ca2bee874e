package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultSecret = "your-secret-key-change-in-production"

// defaultConnectSchemes 网页表单默认只允许连接远程目录
var defaultConnectSchemes = []string{"postgres", "postgresql", "qdrant"}

// Config 应用配置
type Config struct {
	Env       string        `yaml:"env"`
	AppSecret string        `yaml:"app_secret"`
	Port      string        `yaml:"port"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`

	Catalog  CatalogConfig  `yaml:"catalog"`
	Embedder EmbedderConfig `yaml:"embedder"`
	Query    QueryConfig    `yaml:"query"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// CatalogConfig 目录连接
type CatalogConfig struct {
	URL              string        `yaml:"url"`
	Dimension        int           `yaml:"dimension"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	QdrantCollection string        `yaml:"qdrant_collection"`

	// IndexCheckInterval 定时检查向量索引的间隔，0 表示不检查
	IndexCheckInterval time.Duration `yaml:"index_check_interval"`
	// ConnectSchemes 网页表单允许的连接串 scheme，默认配置与 CLI 不受限制
	ConnectSchemes []string `yaml:"connect_schemes"`
	// MaxConnections 同时保持打开的会话连接数，超出后关闭最久未用的
	MaxConnections int `yaml:"max_connections"`
}

// EmbedderConfig 向量化模型
type EmbedderConfig struct {
	Provider  string        `yaml:"provider"`
	Host      string        `yaml:"host"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// QueryConfig 检索默认参数，MinScore 为空表示不过滤
type QueryConfig struct {
	TopK          int      `yaml:"top_k"`
	NumCandidates int      `yaml:"num_candidates"`
	MinScore      *float64 `yaml:"min_score"`
}

// IngestConfig 导入参数
type IngestConfig struct {
	SeedPath       string `yaml:"seed_path"`
	OnStart        bool   `yaml:"on_start"`
	BatchSize      int    `yaml:"batch_size"`
	Concurrency    int    `yaml:"concurrency"`
	WriteBatchSize int    `yaml:"write_batch_size"`
}

// TracingConfig 链路追踪
type TracingConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Load 从环境变量加载配置
func Load() *Config {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL == "" {
		dbUser := getEnv("DB_USER", "postgres")
		dbPass := getEnv("DB_PASSWORD", "postgres")
		dbHost := getEnv("DB_HOST", "localhost")
		dbPort := getEnv("DB_PORT", "5432")
		dbName := getEnv("DB_NAME", "movie_database")
		dbSSL := getEnv("DB_SSLMODE", "disable")
		dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			dbUser, dbPass, dbHost, dbPort, dbName, dbSSL)
	}

	appSecret := getEnv("APP_SECRET", getEnv("JWT_SECRET", defaultSecret))
	env := getEnv("APP_ENV", "development")
	if env == "production" && appSecret == defaultSecret {
		fmt.Println("【严重警告】生产环境正在使用默认密钥！请立即设置 APP_SECRET 环境变量。")
	}

	return &Config{
		Env:       env,
		AppSecret: appSecret,
		Port:      getEnv("PORT", "5005"),
		JWTExpiry: time.Duration(getEnvInt("JWT_EXPIRY_HOURS", 72)) * time.Hour,
		Catalog: CatalogConfig{
			URL:              dbURL,
			Dimension:        getEnvInt("CATALOG_DIMENSION", 384),
			ConnectTimeout:   getEnvDuration("CATALOG_CONNECT_TIMEOUT", 5*time.Second),
			QdrantCollection: getEnv("QDRANT_COLLECTION", ""),

			IndexCheckInterval: getEnvDuration("INDEX_CHECK_INTERVAL", 10*time.Minute),
			ConnectSchemes:     getEnvList("CONNECT_SCHEMES", defaultConnectSchemes),
			MaxConnections:     getEnvInt("MAX_CONNECTIONS", 16),
		},
		Embedder: EmbedderConfig{
			Provider:  getEnv("EMBEDDER", "ollama"),
			Host:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
			Model:     getEnv("OLLAMA_MODEL", "all-minilm"),
			MaxTokens: getEnvInt("EMBED_MAX_TOKENS", 256),
			Timeout:   getEnvDuration("EMBED_TIMEOUT", 30*time.Second),
			CacheSize: getEnvInt("EMBED_CACHE_SIZE", 1000),
			CacheTTL:  getEnvDuration("EMBED_CACHE_TTL", time.Hour),
		},
		Query: QueryConfig{
			TopK:          getEnvInt("QUERY_TOP_K", 5),
			NumCandidates: getEnvInt("QUERY_NUM_CANDIDATES", 100),
			MinScore:      getEnvFloatPtr("QUERY_MIN_SCORE"),
		},
		Ingest: IngestConfig{
			SeedPath:       getEnv("SEED_PATH", ""),
			OnStart:        getEnvBool("INGEST_ON_START", true),
			BatchSize:      getEnvInt("EMBED_BATCH_SIZE", 16),
			Concurrency:    getEnvInt("EMBED_CONCURRENCY", 4),
			WriteBatchSize: getEnvInt("INGEST_WRITE_BATCH_SIZE", 100),
		},
		Tracing: TracingConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			SampleRate:   getEnvFloat("OTEL_SAMPLE_RATE", 1),
		},
	}
}

// LoadFile 在环境变量配置之上叠加 YAML 文件，文件中未出现的字段保持原值
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Catalog.Dimension <= 0 {
		return fmt.Errorf("catalog dimension must be positive, got %d", c.Catalog.Dimension)
	}
	if c.Query.TopK <= 0 {
		return fmt.Errorf("query top_k must be positive, got %d", c.Query.TopK)
	}
	if c.Query.NumCandidates < c.Query.TopK {
		return fmt.Errorf("query num_candidates (%d) must be at least top_k (%d)", c.Query.NumCandidates, c.Query.TopK)
	}
	if c.Catalog.MaxConnections < 0 {
		return fmt.Errorf("catalog max_connections must not be negative, got %d", c.Catalog.MaxConnections)
	}
	if c.Embedder.MaxTokens <= 0 {
		return fmt.Errorf("embedder max_tokens must be positive, got %d", c.Embedder.MaxTokens)
	}
	return nil
}

// IsProduction 是否生产环境
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AllowsConnectScheme 网页表单是否允许该 scheme，未配置时使用远程目录白名单
func (c *Config) AllowsConnectScheme(scheme string) bool {
	allowed := c.Catalog.ConnectSchemes
	if len(allowed) == 0 {
		allowed = defaultConnectSchemes
	}
	for _, s := range allowed {
		if strings.EqualFold(s, scheme) {
			return true
		}
	}
	return false
}

// CatalogOptions 传给 repository.Open 的后端选项
func (c *Config) CatalogOptions() map[string]string {
	opts := map[string]string{}
	if c.Catalog.QdrantCollection != "" {
		opts["collection"] = c.Catalog.QdrantCollection
	}
	return opts
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[Config] %s=%q 不是整数，使用默认值 %d", key, v, defaultValue)
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if p := getEnvFloatPtr(key); p != nil {
		return *p
	}
	return defaultValue
}

func getEnvFloatPtr(key string) *float64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[Config] %s=%q 不是数字，忽略", key, v)
		return nil
	}
	return &f
}

func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[Config] %s=%q 不是布尔值，使用默认值 %v", key, v, defaultValue)
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[Config] %s=%q 不是时长，使用默认值 %s", key, v, defaultValue)
		return defaultValue
	}
	return d
}
