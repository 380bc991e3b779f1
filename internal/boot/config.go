package boot

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Env     string `env:"ENV,default=dev"`
	DataDir string `env:"DATA_DIR,default=./data"`
	Server  struct {
		Port        string `env:"PORT,default=8080"`
		MetricsPort string `env:"METRICS_PORT,default=8081"`
	}
	Auth struct {
		TokenSecret string `env:"AUTH_TOKEN_SECRET,required"`
	}
	Chat struct {
		// sqlite or bolt
		PrimaryBackend  string `env:"CHAT_PRIMARY_BACKEND,default=sqlite"`
		FallbackEnabled bool   `env:"CHAT_FALLBACK_ENABLED,default=true"`
		// Optional backend name to prefer for reads.
		ReadBackend string `env:"CHAT_READ_BACKEND"`
	}
}

func Load() (*Config, error) {
	config := &Config{}
	if err := envconfig.Process(context.Background(), config); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}
	return config, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "prod"
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "dev"
}

func (c *Config) DataDirectory() string {
	return c.DataDir
}
