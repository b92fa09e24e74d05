package config

import (
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// New parses environment variables into a fresh config struct of type T.
func New[T any]() (*T, error) {
	cfg := new(T)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads the content of ENV_FILE (e.g. .env.device1) into
// environment variables, falling back to the default .env file.
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")

	if envfile == "" {
		return godotenv.Load()
	}

	return godotenv.Load(envfile)
}
