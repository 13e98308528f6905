package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	DatabaseDriver string `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	ListenAddr     string `mapstructure:"LISTEN_ADDR"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`

	// Used when a search leaves the player count or duration unset and the
	// tenant has no defaults stored for the game.
	DefaultMaxPlayerCount      int `mapstructure:"DEFAULT_MAX_PLAYER_COUNT"`
	DefaultJoinDurationMinutes int `mapstructure:"DEFAULT_JOIN_DURATION_MINUTES"`
	MaxJoinDurationMinutes     int `mapstructure:"MAX_JOIN_DURATION_MINUTES"`
	ShutdownGracePeriodSeconds int `mapstructure:"SHUTDOWN_GRACE_PERIOD_SECONDS"`
}

var AppConfig *Config

// DefaultJoinDuration returns the configured join duration.
func (c *Config) DefaultJoinDuration() time.Duration {
	return time.Duration(c.DefaultJoinDurationMinutes) * time.Minute
}

// MaxJoinDuration caps the duration a caller may ask for.
func (c *Config) MaxJoinDuration() time.Duration {
	return time.Duration(c.MaxJoinDurationMinutes) * time.Minute
}

// ShutdownGracePeriod is how long the server waits for in-flight requests.
func (c *Config) ShutdownGracePeriod() time.Duration {
	return time.Duration(c.ShutdownGracePeriodSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEFAULT_MAX_PLAYER_COUNT", 2)
	v.SetDefault("DEFAULT_JOIN_DURATION_MINUTES", 30)
	v.SetDefault("MAX_JOIN_DURATION_MINUTES", 24*60)
	v.SetDefault("SHUTDOWN_GRACE_PERIOD_SECONDS", 10)
}

// Load reads the configuration from the .env file found in path, if any,
// and from environment variables, which take precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	setDefaults(v)

	// AutomaticEnv only applies to keys viper already knows about.
	for _, key := range []string{"DATABASE_URL", "JWT_SECRET"} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Println("Warning: .env file not found, loading from environment variables")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads the configuration from a .env file and environment variables.
func LoadConfig() {
	cfg, err := Load(".")
	if err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}
	AppConfig = cfg
}
