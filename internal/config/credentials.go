package config

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
)

const (
	EnvAPIKey    = "BINANCE_API_KEY"
	EnvAPISecret = "BINANCE_API_SECRET"
)

type Credentials struct {
	APIKey    string
	APISecret string
}

func (c Credentials) Empty() bool { return c.APIKey == "" }

func (e ExchangeConfig) Credentials() Credentials {
	return Credentials{APIKey: e.APIKey, APISecret: e.APISecret}
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment. Variables
// already set win over the file. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// applyEnv lets the environment override credentials from the YAML file.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv(EnvAPISecret); v != "" {
		c.Exchange.APISecret = v
	}
}
