// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Agent         AgentConfig         `mapstructure:"agent"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port         string   `mapstructure:"port"`
	Mode         string   `mapstructure:"mode"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// StorageConfig 决定上传文件与元数据文件的存放位置。
// Backend 为 "local"（默认）或 "minio"。
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	UploadsDir   string `mapstructure:"uploads_dir"`
	MetadataFile string `mapstructure:"metadata_file"`
}

// PipelineConfig 存储文档处理管道的配置。
type PipelineConfig struct {
	// Dispatcher 为 "local"（进程内后台任务）或 "kafka"。
	Dispatcher     string        `mapstructure:"dispatcher"`
	MaxChunkSize   int           `mapstructure:"max_chunk_size"`
	OverlapSize    int           `mapstructure:"overlap_size"`
	ExtractTimeout time.Duration `mapstructure:"extract_timeout"` // 0 表示不限制
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// TikaConfig 存储 Tika 服务器相关的配置，仅用于 .doc 文件。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// ElasticsearchConfig 存储远程索引（Elasticsearch）相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// RedisConfig 存储 Redis 的配置。Addr 为空时不启用会话历史。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AgentConfig 存储托管 Agent（检索增强对话服务）的凭证与端点。
type AgentConfig struct {
	AppID   string        `mapstructure:"app_id"`
	APIKey  string        `mapstructure:"api_key"`
	AgentID string        `mapstructure:"agent_id"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"` // 0 表示沿用 HTTP 传输层默认值
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
// 同目录或工作目录下的 .env 会先被加载，随后 TEKI_ 前缀的环境变量覆盖文件中的同名键。
func Init(configPath string) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic(fmt.Errorf("读取 .env 文件失败: %w", err))
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TEKI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := v.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
}

// setDefaults 注册默认值；AutomaticEnv 只对已知键生效，因此凭证类键也需要在这里登记。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.uploads_dir", "uploads/solucoes")
	v.SetDefault("storage.metadata_file", "uploads/solucoes/metadata.json")
	v.SetDefault("pipeline.dispatcher", "local")
	v.SetDefault("pipeline.max_chunk_size", 3000)
	v.SetDefault("pipeline.overlap_size", 400)
	v.SetDefault("pipeline.extract_timeout", 0)
	v.SetDefault("kafka.group_id", "teki-go-consumer")
	v.SetDefault("elasticsearch.index_name", "solucoes")
	v.SetDefault("agent.app_id", "")
	v.SetDefault("agent.api_key", "")
	v.SetDefault("agent.agent_id", "")
	v.SetDefault("agent.base_url", "")
	v.SetDefault("agent.timeout", 0)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("tika.server_url", "")
}
