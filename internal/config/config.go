// Package config loads settings for both binaries from a yaml file,
// the environment and defaults, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode   string `mapstructure:"mode" validate:"oneof=debug release"`
	Relay  Relay  `mapstructure:"relay"`
	Client Client `mapstructure:"client"`
}

// Relay configures the broker binary.
type Relay struct {
	Port int `mapstructure:"port" validate:"gt=0,lte=65535"`
}

// Client configures the demo room client.
type Client struct {
	RelayURL     string        `mapstructure:"relay_url" validate:"required,url"`
	BackendURL   string        `mapstructure:"backend_url" validate:"omitempty,url"`
	Room         string        `mapstructure:"room" validate:"required"`
	MaxOnStage   int           `mapstructure:"max_on_stage" validate:"gt=0"`
	SnapshotWait time.Duration `mapstructure:"snapshot_wait" validate:"gt=0"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("classroom")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("relay.port", 8080)
	v.SetDefault("client.relay_url", "ws://localhost:8080")
	v.SetDefault("client.room", "classroom-1")
	v.SetDefault("client.max_on_stage", 16)
	v.SetDefault("client.snapshot_wait", "10s")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
