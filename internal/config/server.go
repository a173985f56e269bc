package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// JWTConfig is the server's token-signing configuration (spec §6.4).
type JWTConfig struct {
	Issuer           string
	Audience         string
	Key              string
	ExpireMinutes    int
	RefreshTokenDays int
}

// ServerConfig is the hub/API server process's configuration.
type ServerConfig struct {
	BindAddress string
	DatabaseDSN string
	JWT         JWTConfig
}

// ServerOption mutates a ServerConfig in place.
type ServerOption func(*ServerConfig) error

// LoadServerConfig applies opts in order over a zero-value ServerConfig.
func LoadServerConfig(opts ...ServerOption) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// WithServerDefaults applies conservative local-dev defaults.
func WithServerDefaults() ServerOption {
	return func(c *ServerConfig) error {
		c.BindAddress = "0.0.0.0:8080"
		c.DatabaseDSN = "modemfleet.db"
		c.JWT = JWTConfig{
			Issuer:           "modemfleet",
			Audience:         "modemfleet-clients",
			ExpireMinutes:    60,
			RefreshTokenDays: 30,
		}
		return nil
	}
}

// WithServerEnv reads the server's environment overrides.
func WithServerEnv() ServerOption {
	return func(c *ServerConfig) error {
		if v := os.Getenv("BIND_ADDRESS"); v != "" {
			c.BindAddress = v
		}
		if v := os.Getenv("DATABASE_DSN"); v != "" {
			c.DatabaseDSN = v
		}
		if v := os.Getenv("JWT_ISSUER"); v != "" {
			c.JWT.Issuer = v
		}
		if v := os.Getenv("JWT_AUDIENCE"); v != "" {
			c.JWT.Audience = v
		}
		if v := os.Getenv("JWT_KEY"); v != "" {
			c.JWT.Key = v
		}
		if v := os.Getenv("JWT_EXPIREMINUTES"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.JWT.ExpireMinutes = n
			}
		}
		if v := os.Getenv("JWT_REFRESHTOKENDAYS"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.JWT.RefreshTokenDays = n
			}
		}
		return nil
	}
}

// WithServerFlags applies command-line overrides.
func WithServerFlags(fSet *flag.FlagSet) ServerOption {
	return func(c *ServerConfig) error {
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "database-dsn":
				c.DatabaseDSN = f.Value.String()
			}
		})
		return nil
	}
}

// ExpireDuration converts JWT.ExpireMinutes to a time.Duration.
func (j JWTConfig) ExpireDuration() time.Duration {
	return time.Duration(j.ExpireMinutes) * time.Minute
}

// RefreshDuration converts JWT.RefreshTokenDays to a time.Duration.
func (j JWTConfig) RefreshDuration() time.Duration {
	return time.Duration(j.RefreshTokenDays) * 24 * time.Hour
}
