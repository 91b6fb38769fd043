// Package config loads runtime settings from the environment or an optional
// config file.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	ListenAddr string `mapstructure:"LISTEN_ADDR"`
	// Store selects the backing store: "memory" or "postgres".
	Store string `mapstructure:"STORE"`

	PostgresHost     string `mapstructure:"POSTGRES_DB_HOST"`
	PostgresPort     int    `mapstructure:"POSTGRES_DB_PORT"`
	PostgresUser     string `mapstructure:"POSTGRES_DB_USER"`
	PostgresPassword string `mapstructure:"POSTGRES_DB_PASSWORD"`
	PostgresName     string `mapstructure:"POSTGRES_DB_NAME"`

	SecretJWTKey string `mapstructure:"SECRET_JWT_KEY"`
}

// Load reads settings from the environment, with file taking precedence
// when given.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("STORE", "memory")
	v.SetDefault("POSTGRES_DB_HOST", "localhost")
	v.SetDefault("POSTGRES_DB_PORT", 5432)
	v.SetDefault("POSTGRES_DB_USER", "postgres")
	v.SetDefault("POSTGRES_DB_PASSWORD", "")
	v.SetDefault("POSTGRES_DB_NAME", "exchange")
	v.SetDefault("SECRET_JWT_KEY", "")
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DatabaseURL renders the Postgres connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.PostgresName)
}
