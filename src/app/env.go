package app

import (
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	EnvDev  = "dev"
	EnvProd = "prod"
)

type envVars struct {
	Environment string `envconfig:"ENVIRONMENT" default:"dev"`
	DataDir     string `envconfig:"DATA_DIR"    default:"./data"`
	PoolSize    int    `envconfig:"POOL_SIZE"   default:"50"`
	PageSize    int    `envconfig:"PAGE_SIZE"   default:"4096"`
}

// loadEnv reads .env when present, then the RELDB_* environment.
func loadEnv() (envVars, error) {
	_ = godotenv.Load()

	var v envVars
	if err := envconfig.Process("RELDB", &v); err != nil {
		return envVars{}, err
	}
	return v, nil
}
