package config

import (
	"log"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"github.com/mailbridge/mailbridge/internal/logger"
	"github.com/mailbridge/mailbridge/internal/tracing"
)

type Config struct {
	AppConfig       *AppConfig
	Logger          *logger.Config
	Tracing         *tracing.JaegerConfig
	DatabaseConfig  *DatabaseConfig
	PoolConfig      *PoolConfig
	WorkerConfig    *WorkerConfig
	DiscoveryConfig *DiscoveryConfig
}

func InitConfig() (*Config, error) {
	config := &Config{
		AppConfig:       &AppConfig{},
		Logger:          &logger.Config{},
		Tracing:         &tracing.JaegerConfig{},
		DatabaseConfig:  &DatabaseConfig{},
		PoolConfig:      &PoolConfig{},
		WorkerConfig:    &WorkerConfig{},
		DiscoveryConfig: &DiscoveryConfig{},
	}

	err := godotenv.Load()
	if err != nil {
		log.Print("Unable to load .env file")
	}

	err = env.Parse(config)
	if err != nil {
		log.Fatalf("Error loading mailbridge config: %v", err)
	}

	return config, nil
}
