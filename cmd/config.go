// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/keystone/kds/internal/keystore"
)

// LogConfig is the ambient logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// HTTPConfig is the server's HTTP endpoint configuration.
type HTTPConfig struct {
	CertPath  string          `mapstructure:"cert"`
	KeyPath   string          `mapstructure:"key"`
	IP        string          `mapstructure:"ip"`
	Port      string          `mapstructure:"port"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig mirrors api.RateLimitConfig at the config layer so that
// cmd does not need to import api just to read two numbers. A zero value
// leaves rate limiting disabled, matching api.RateLimitMiddleware's own
// no-op behavior for RequestsPerSecond <= 0.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

func (r *RateLimitConfig) validate() error {
	if r.RequestsPerSecond < 0 {
		return errors.New("http.rate_limit.requests_per_second must not be negative")
	}
	if r.RequestsPerSecond > 0 && r.Burst <= 0 {
		return errors.New("http.rate_limit.burst must be positive when requests_per_second is set")
	}
	return nil
}

// ListenAddress returns the concatenated IP:Port address for listening.
func (h *HTTPConfig) ListenAddress() string {
	return h.IP + ":" + h.Port
}

// UseTLS returns true if TLS should be used (cert and key are both set).
func (h *HTTPConfig) UseTLS() bool {
	return h.CertPath != "" && h.KeyPath != ""
}

func (h *HTTPConfig) validate() error {
	if h.IP == "" {
		return errors.New("the server's HTTP IP address is required")
	}
	if h.Port == "" {
		return errors.New("the server's HTTP port is required")
	}
	if (h.CertPath == "" && h.KeyPath != "") || (h.CertPath != "" && h.KeyPath == "") {
		return errors.New("both certificate and key must be provided together, or neither")
	}
	return h.RateLimit.validate()
}

// DatabaseConfig selects the key-store backend (spec §6.2, §4.5). An empty
// or "memory" type uses the in-process Memory store; "sqlite" and
// "postgres" use the GORM store.
type DatabaseConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// openStore constructs the keystore.Store this configuration names.
// gcGrace is the ADDITIONAL_RETRIEVE duration (spec §6.2), which the store
// enforces as its garbage-collection grace window.
func (dc *DatabaseConfig) openStore(gcGrace time.Duration) (keystore.Store, error) {
	switch strings.ToLower(dc.Type) {
	case "", "memory":
		return keystore.NewMemory(gcGrace), nil

	case "sqlite":
		if dc.DSN == "" {
			return nil, errors.New("database configuration error: dsn is required for sqlite")
		}
		db, err := gorm.Open(sqlite.Open(dc.DSN), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
		return keystore.OpenGORM(db, gcGrace)

	case "postgres":
		if dc.DSN == "" {
			return nil, errors.New("database configuration error: dsn is required for postgres")
		}
		db, err := gorm.Open(postgres.Open(dc.DSN), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
		if err != nil {
			return nil, fmt.Errorf("opening postgres database: %w", err)
		}
		return keystore.OpenGORM(db, gcGrace)

	default:
		return nil, fmt.Errorf("unsupported database type: %s (must be 'memory', 'sqlite' or 'postgres')", dc.Type)
	}
}

// MasterKeyConfig locates the master key file (spec §4.2, §6.2).
type MasterKeyConfig struct {
	File string `mapstructure:"file"`
}

func (m *MasterKeyConfig) validate() error {
	if m.File == "" {
		return errors.New("master_key.file is required")
	}
	return nil
}

// TicketConfig holds spec §6.2's ticket_lifetime and the clock-skew
// tolerance from §4.4.1 step 5.
type TicketConfig struct {
	LifetimeSeconds  int `mapstructure:"lifetime_seconds"`
	ClockSkewSeconds int `mapstructure:"clock_skew_seconds"`
}

func (t *TicketConfig) withDefaults() TicketConfig {
	out := *t
	if out.LifetimeSeconds == 0 {
		out.LifetimeSeconds = 3600
	}
	if out.ClockSkewSeconds == 0 {
		out.ClockSkewSeconds = 30
	}
	return out
}

func (t *TicketConfig) Lifetime() time.Duration {
	return time.Duration(t.LifetimeSeconds) * time.Second
}

func (t *TicketConfig) ClockSkew() time.Duration {
	return time.Duration(t.ClockSkewSeconds) * time.Second
}

// GroupKeyConfig holds spec §6.2's group_key.* parameters.
type GroupKeyConfig struct {
	TimeoutSeconds            int `mapstructure:"timeout"`
	RenewTimeSeconds          int `mapstructure:"renew_time"`
	AdditionalRetrieveSeconds int `mapstructure:"additional_retrieve"`
}

func (g *GroupKeyConfig) withDefaults() GroupKeyConfig {
	out := *g
	if out.TimeoutSeconds == 0 {
		out.TimeoutSeconds = 900
	}
	if out.RenewTimeSeconds == 0 {
		out.RenewTimeSeconds = 120
	}
	if out.AdditionalRetrieveSeconds == 0 {
		out.AdditionalRetrieveSeconds = 600
	}
	return out
}

func (g *GroupKeyConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

func (g *GroupKeyConfig) RenewTime() time.Duration {
	return time.Duration(g.RenewTimeSeconds) * time.Second
}

func (g *GroupKeyConfig) AdditionalRetrieve() time.Duration {
	return time.Duration(g.AdditionalRetrieveSeconds) * time.Second
}

// KDSConfig is the top-level structure the configuration file unmarshals
// into (spec §6.2).
type KDSConfig struct {
	Log       LogConfig       `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	DB        DatabaseConfig  `mapstructure:"db"`
	MasterKey MasterKeyConfig `mapstructure:"master_key"`
	Ticket    TicketConfig    `mapstructure:"ticket"`
	GroupKey  GroupKeyConfig  `mapstructure:"group_key"`
}

func (c *KDSConfig) validate() error {
	if err := c.HTTP.validate(); err != nil {
		return err
	}
	if err := c.MasterKey.validate(); err != nil {
		return err
	}
	return nil
}
