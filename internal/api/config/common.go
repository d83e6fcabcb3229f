package config

// Config 配置主体
type Config struct {
	Server                  ServerConfig            `mapstructure:"server"`
	DB                      DBConfig                `mapstructure:"database"`
	Redis                   RedisConfig             `mapstructure:"redis"`
	Mongo                   MongoConfig             `mapstructure:"mongo"`
	Logstash                LogstashConfig          `mapstructure:"logstash"`
	LLM                     LLMConfig               `mapstructure:"llm"`
	MinIO                   MinIOConfig             `mapstructure:"minio"`
	Elastic                 ElasticConfig           `mapstructure:"elastic"`
	LinkPreview             LinkPreviewConfig       `mapstructure:"link_preview"`
	Assistant               AssistantConfig         `mapstructure:"assistant"`
	Kafka                   KafkaConfig             `mapstructure:"kafka"`
	KafkaModerationConsumer KafkaModerationConsumer `mapstructure:"kafka_moderation_consumer"`
}

// ServerConfig Server配置
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig 数据库配置
type DBConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxIdle     int    `mapstructure:"max_idle"`
	MaxOpen     int    `mapstructure:"max_open"`
	MaxLifetime int    `mapstructure:"max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// MongoConfig 消息明细库配置
type MongoConfig struct {
	URL      string `mapstructure:"url"`
	Database string `mapstructure:"database"`
}

// LogstashConfig 日志上报配置
type LogstashConfig struct {
	Address string `mapstructure:"address"`
	Index   string `mapstructure:"index"`
}

type LLMConfig struct {
	URL         string           `mapstructure:"url"`
	TextModel   string           `mapstructure:"text_model"`
	ApiKey      string           `mapstructure:"api_key"`
	PromptsPath PromptPathConfig `mapstructure:"prompts_path"`
}

type PromptPathConfig struct {
	AssistantChat string `mapstructure:"assistant_chat"`
}

// AssistantConfig 内置 AI 助手账号
type AssistantConfig struct {
	UserID   uint64 `mapstructure:"user_id"`
	Nickname string `mapstructure:"nickname"`
}

// MinIOConfig MinIO配置
type MinIOConfig struct {
	InternalEndpoint string `mapstructure:"internal_endpoint"`
	ExternalEndpoint string `mapstructure:"external_endpoint"`
	AccessKey        string `mapstructure:"access_key"`
	SecretKey        string `mapstructure:"secret_key"`
	MainBucket       string `mapstructure:"main_bucket"`
	TempBucket       string `mapstructure:"temp_bucket"`
	InternalUseSSL   bool   `mapstructure:"internal_use_ssl"`
	UsePublicLink    bool   `mapstructure:"use_public_link"`
}

// ElasticConfig Elastic配置
type ElasticConfig struct {
	Address  string         `mapstructure:"address"`
	Username string         `mapstructure:"username"`
	Password string         `mapstructure:"password"`
	Indices  ElasticIndices `mapstructure:"indices"`
}

// ElasticIndices Elastic索引
type ElasticIndices struct {
	MessageIndex string `mapstructure:"message_index"`
}

// LinkPreviewConfig 链接解析配置
type LinkPreviewConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	CacheMinutes   int    `mapstructure:"cache_minutes"`
	UserAgent      string `mapstructure:"user_agent"`
}

type KafkaConfig struct {
	Brokers  []string       `mapstructure:"brokers"`
	Sasl     SaslConfig     `mapstructure:"sasl"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
}

type SaslConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type ConsumerConfig struct {
	SessionTimeout    int `mapstructure:"session_timeout"`
	HeartbeatInterval int `mapstructure:"heartbeat_interval"`
	RebalanceTimeout  int `mapstructure:"rebalance_timeout"`
	MaxProcessingTime int `mapstructure:"max_processing_time"`
}

type KafkaModerationConsumer struct {
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}
