package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/viper"
)

// ServiceConfig registers one external mail service: which provider kind it
// is and the OAuth client identity used to refresh its credential.
type ServiceConfig struct {
	// Provider is "outlook" or "gmail".
	Provider     string `mapstructure:"provider"`
	TokenURL     string `mapstructure:"token_url"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Scope        string `mapstructure:"scope"`
}

// StreamConfig declares one (mailbox, folder) stream to poll.
type StreamConfig struct {
	Mailbox string `mapstructure:"mailbox"`
	Folder  string `mapstructure:"folder"`
	Service string `mapstructure:"service"`
}

// Config is the top-level application configuration.
type Config struct {
	DataDir         string                   `mapstructure:"data_dir"`
	HTTPAddr        string                   `mapstructure:"http_addr"`
	NATSURL         string                   `mapstructure:"nats_url"`
	JWKSURL         string                   `mapstructure:"jwks_url"`
	ValidationURL   string                   `mapstructure:"validation_url"`
	PollIntervalSec int                      `mapstructure:"poll_interval_sec"`
	Services        map[string]ServiceConfig `mapstructure:"services"`
	Streams         []StreamConfig           `mapstructure:"streams"`
}

func defaults() *Config {
	return &Config{
		DataDir:         "data",
		HTTPAddr:        ":8080",
		NATSURL:         "nats://127.0.0.1:4222",
		PollIntervalSec: 30,
	}
}

// Load reads configuration from a YAML file using Viper. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("data_dir", "data")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("poll_interval_sec", 30)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound) {
			return defaults(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaults()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for _, s := range cfg.Streams {
		if _, ok := cfg.Services[s.Service]; !ok {
			return nil, fmt.Errorf("stream %s/%s references unknown service %q", s.Mailbox, s.Folder, s.Service)
		}
	}

	return cfg, nil
}
