// Package config loads the relay's environment configuration.
package config

import (
	"fmt"
	"time"

	"cargolink-comms/pkg/env"
)

// Config holds the relay service settings.
type Config struct {
	Env             string
	Port            string
	ShutdownTimeout time.Duration

	RedisHost     string
	RedisPort     int
	RedisPassword string

	// Postgres is optional; without it call history stays in memory.
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBEnabled  bool
}

// Load reads the configuration from the environment, with secrets
// resolvable through *_FILE Docker conventions.
func Load() *Config {
	return &Config{
		Env:             env.GetString("ENV", "development"),
		Port:            env.GetString("PORT", "8084"),
		ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		RedisHost:     env.GetString("REDIS_HOST", "localhost"),
		RedisPort:     env.GetInt("REDIS_PORT", 6379),
		RedisPassword: env.GetStringFromFile("REDIS_PASSWORD", ""),

		DBHost:     env.GetString("DB_HOST", "localhost"),
		DBPort:     env.GetInt("DB_PORT", 5432),
		DBUser:     env.GetString("DB_USER", "postgres"),
		DBPassword: env.GetStringFromFile("DB_PASSWORD", ""),
		DBName:     env.GetString("DB_NAME", "cargolink_comms"),
		DBSSLMode:  env.GetString("DB_SSLMODE", "disable"),
		DBEnabled:  env.GetBool("DB_ENABLED", false),
	}
}

// RedisAddr returns the host:port redis address.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// DatabaseURL returns the postgres connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}
