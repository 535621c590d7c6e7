package models

import (
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr   string `yaml:"server_addr"`
	DatabaseURL  string `yaml:"database_url"`
	ThumbnailDir string `yaml:"thumbnail_dir"`
	CaptionURL   string `yaml:"caption_url"`
	KafkaBroker  string `yaml:"kafka_broker"`
	KafkaTopic   string `yaml:"kafka_topic"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// DATABASE_URL from the environment (or a .env file loaded by main)
	// wins over the yaml value.
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.DatabaseURL = dsn
	}
	return &cfg, nil
}
