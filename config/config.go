package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	StageBox StageBoxConfig `yaml:"stagebox"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	RecordEventsTopicName string `yaml:"record_events_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StageBoxConfig struct {
	// stage-api
	HTTPAddr                    string `yaml:"http_addr"`
	CountCacheTTLSeconds        int    `yaml:"count_cache_ttl_seconds"`
	ExistenceRateLimitPerMinute int    `yaml:"existence_rate_limit_per_minute"`

	// scan-agent
	AgentHTTPAddr        string `yaml:"agent_http_addr"`
	StationID            string `yaml:"station_id"`
	Operator             string `yaml:"operator"`
	Workspace            string `yaml:"workspace"`
	APIBaseURL           string `yaml:"api_base_url"`
	QueuePath            string `yaml:"queue_path"`
	DebounceMillis       int    `yaml:"debounce_millis"`
	FlushIntervalSeconds int    `yaml:"flush_interval_seconds"`
	ProbeIntervalSeconds int    `yaml:"probe_interval_seconds"`
	SubmitTimeoutSeconds int    `yaml:"submit_timeout_seconds"`
	KafkaConsumerGroup   string `yaml:"kafka_consumer_group"`
	PageLimit            int    `yaml:"page_limit"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
