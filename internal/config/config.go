// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/linhtrum/gateway-app-sub000/internal/model"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Poller   PollerConfig   `mapstructure:"poller"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Serial   SerialDefaults `mapstructure:"serial"`
	TCP      TCPConfig      `mapstructure:"tcp"`
	Query    QueryConfig    `mapstructure:"query"`
	App      AppConfig      `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// StorageConfig selects the key-value store holding device, serial and
// socket configuration
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // memory, file, postgres
	Path    string `mapstructure:"path"`    // directory for the file backend
	SeedDir string `mapstructure:"seed_dir"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	DBName         string        `mapstructure:"dbname"`
	SSLMode        string        `mapstructure:"sslmode"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	MigrationsPath string        `mapstructure:"migrations_path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// PollerConfig bounds the RTU polling engine
type PollerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	GroupTimeout time.Duration `mapstructure:"group_timeout"`
	NodeTimeout  time.Duration `mapstructure:"node_timeout"`
	IdleInterval time.Duration `mapstructure:"idle_interval"`
}

// GatewayConfig toggles the RTU to TCP/UDP bridge
type GatewayConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SerialDefaults fill the gaps of stored serial port entries
type SerialDefaults struct {
	BaudRate     int    `mapstructure:"baud_rate"`
	DataBits     int    `mapstructure:"data_bits"`
	StopBits     int    `mapstructure:"stop_bits"`
	Parity       string `mapstructure:"parity"`
	BufferSize   int    `mapstructure:"buffer_size"`
	WriteTimeout int    `mapstructure:"write_timeout"` // milliseconds
	ByteTimeout  int    `mapstructure:"byte_timeout"`  // milliseconds
}

// TCPConfig represents the Modbus TCP master settings
type TCPConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
}

// QueryConfig bounds the write path
type QueryConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	RelayQueueSize int           `mapstructure:"relay_queue_size"`
	RelayDevice    string        `mapstructure:"relay_device"` // IO device whose coils are the relays
	HistorySize    int           `mapstructure:"history_size"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string         `mapstructure:"name"`
	Version     string         `mapstructure:"version"`
	Environment string         `mapstructure:"environment"`
	Debug       bool           `mapstructure:"debug"`
	Identity    model.Identity `mapstructure:"identity"`
}

// Load reads configuration from file and GATEWAY_ prefixed environment
// variables. When file is empty config.yaml is searched in the usual
// places; a missing file leaves the defaults in effect.
func Load(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/gateway")
	}

	// Environment variable support
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Storage defaults
	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.path", "./data")
	v.SetDefault("storage.seed_dir", "")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "gateway")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_lifetime", "5m")
	v.SetDefault("database.migrations_path", "file://migrations")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Poller defaults
	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.group_timeout", "1s")
	v.SetDefault("poller.node_timeout", "500ms")
	v.SetDefault("poller.idle_interval", "1s")

	v.SetDefault("gateway.enabled", true)

	// Serial port defaults
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "none")
	v.SetDefault("serial.buffer_size", 256)
	v.SetDefault("serial.write_timeout", 10)
	v.SetDefault("serial.byte_timeout", 20)

	// Modbus TCP master defaults
	v.SetDefault("tcp.connect_timeout", "3s")
	v.SetDefault("tcp.write_timeout", "2s")
	v.SetDefault("tcp.keep_alive", "30s")

	// Query path defaults
	v.SetDefault("query.timeout", "2s")
	v.SetDefault("query.relay_queue_size", 16)
	v.SetDefault("query.relay_device", "")
	v.SetDefault("query.history_size", 100)

	// App defaults
	v.SetDefault("app.name", "modbus-gateway")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
	v.SetDefault("app.identity.imei", "")
	v.SetDefault("app.identity.sn", "")
	v.SetDefault("app.identity.iccid", "")
	v.SetDefault("app.identity.mac", "")
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}

	switch config.Storage.Backend {
	case "memory":
	case "file":
		if config.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the file backend")
		}
	case "postgres":
		if config.Database.Host == "" {
			return fmt.Errorf("database.host is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of: [memory file postgres]")
	}

	// Validate environment
	validEnvs := []string{"development", "staging", "production", "test"}
	isValidEnv := false
	for _, env := range validEnvs {
		if config.App.Environment == env {
			isValidEnv = true
			break
		}
	}
	if !isValidEnv {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	// Validate logging level
	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	isValidLevel := false
	for _, level := range validLevels {
		if config.Logging.Level == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	if config.Serial.BufferSize <= 0 {
		return fmt.Errorf("serial.buffer_size must be positive")
	}
	if config.Poller.GroupTimeout <= 0 || config.Poller.NodeTimeout <= 0 {
		return fmt.Errorf("poller timeouts must be positive")
	}

	return nil
}

// DSN returns the postgres connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == "development"
}

// ApplySerialDefaults fills unset fields of a stored serial port entry
func (c *Config) ApplySerialDefaults(sc model.SerialConfig) model.SerialConfig {
	d := c.Serial
	if sc.BaudRate == 0 {
		sc.BaudRate = d.BaudRate
	}
	if sc.DataBits == 0 {
		sc.DataBits = d.DataBits
	}
	if sc.StopBits == 0 {
		sc.StopBits = d.StopBits
	}
	if sc.Parity == "" {
		sc.Parity = d.Parity
	}
	if sc.BufferSize == 0 {
		sc.BufferSize = d.BufferSize
	}
	if sc.WriteTimeout == 0 {
		sc.WriteTimeout = d.WriteTimeout
	}
	if sc.ByteTimeout == 0 {
		sc.ByteTimeout = d.ByteTimeout
	}
	return sc
}
