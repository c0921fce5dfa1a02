package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type StorageConfig struct {
	// Driver is "disk" (sqlite directory + pebble checkpoints) or "memory".
	Driver         string `mapstructure:"driver"`
	DirectoryPath  string `mapstructure:"directory_path"`
	CheckpointPath string `mapstructure:"checkpoint_path"`
}

type Config struct {
	Mode               string        `mapstructure:"mode"`
	Port               int           `mapstructure:"port"`
	ReadLimit          int64         `mapstructure:"read_limit"`
	PingPeriod         time.Duration `mapstructure:"ping_period"`
	Secret             string        `mapstructure:"secret"`
	SendQueueDepth     int           `mapstructure:"send_queue_depth"`
	SendTimeout        time.Duration `mapstructure:"send_timeout"`
	IdleGrace          time.Duration `mapstructure:"idle_grace"`
	JanitorInterval    time.Duration `mapstructure:"janitor_interval"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	Storage            StorageConfig `mapstructure:"storage"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("send_queue_depth", 64)
	v.SetDefault("send_timeout", "5s")
	v.SetDefault("idle_grace", "5m")
	v.SetDefault("janitor_interval", "30s")
	v.SetDefault("checkpoint_interval", "10s")
	v.SetDefault("storage.driver", "disk")
	v.SetDefault("storage.directory_path", "./data/directory.db")
	v.SetDefault("storage.checkpoint_path", "./data/checkpoints")
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default) on top of the
// defaults; PULSE_* environment variables override both.
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
	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Storage: %s\n", cfg.Mode, cfg.Port, cfg.Storage.Driver)
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "disk", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.SendQueueDepth <= 0 {
		return fmt.Errorf("send_queue_depth must be positive")
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("send_timeout must be positive")
	}
	return nil
}
