package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	PLC      PLCConfig      `mapstructure:"plc"`
	Machine  MachineConfig  `mapstructure:"machine"`
	Arbiter  ArbiterConfig  `mapstructure:"arbiter"`
	Sampler  SamplerConfig  `mapstructure:"sampler"`
	Safety   SafetyConfig   `mapstructure:"safety"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration
type AuthConfig struct {
	JWTSecretEnv    string        `mapstructure:"jwt_secret_env"`
	ServiceTokenTTL time.Duration `mapstructure:"service_token_ttl"`
}

type PLCConfig struct {
	Address               string        `mapstructure:"address"`
	UnitID                int           `mapstructure:"unit_id"`
	Timeout               time.Duration `mapstructure:"timeout"`
	ValveCoilBase         uint16        `mapstructure:"valve_coil_base"`
	ValveCount            int           `mapstructure:"valve_count"`
	PurgeCoil             uint16        `mapstructure:"purge_coil"`
	PurgeDurationRegister uint16        `mapstructure:"purge_duration_register"`
}

type MachineConfig struct {
	ID string `mapstructure:"id"`
}

type ArbiterConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	CommandWaitTimeout time.Duration `mapstructure:"command_wait_timeout"`
	ClaimLease         time.Duration `mapstructure:"claim_lease"`
}

type SamplerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	ReadPriority int           `mapstructure:"read_priority"`
}

type SafetyConfig struct {
	SignalTTL time.Duration `mapstructure:"signal_ttl"`
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	// Defaults setzen
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.shutdown_timeout", "30s")
	viper.SetDefault("plc.timeout", "1s")
	viper.SetDefault("plc.unit_id", 1)
	viper.SetDefault("plc.valve_coil_base", 100)
	viper.SetDefault("plc.valve_count", 16)
	viper.SetDefault("plc.purge_coil", 140)
	viper.SetDefault("plc.purge_duration_register", 200)
	viper.SetDefault("arbiter.poll_interval", "100ms")
	viper.SetDefault("arbiter.max_retries", 3)
	viper.SetDefault("arbiter.retry_backoff", "250ms")
	viper.SetDefault("arbiter.command_wait_timeout", "30s")
	viper.SetDefault("arbiter.claim_lease", "2m")
	viper.SetDefault("sampler.tick_interval", "1s")
	// Prioritaet 0 ist fuer den Safety-Coordinator reserviert
	viper.SetDefault("sampler.read_priority", 1)
	viper.SetDefault("safety.signal_ttl", "5m")

	// Auth Defaults
	viper.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	viper.SetDefault("auth.service_token_ttl", "24h")

	// Environment Variables automatisch binden (Viper Feature)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("OAC") // Environment Variables mit Prefix OAC_

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET" // Fallback
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development Fallback (MIT WARNING!)
		return "dev-secret-change-in-production-min-32-chars"
	}
	return secret
}
