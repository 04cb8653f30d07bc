package relayd

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the relayd service.
type Config struct {
	Addr          string        `env:"ADDR,default=:8080"`
	DBDSN         string        `env:"DB_DSN,required"`
	Bucket        string        `env:"RELAY_BUCKET,required"`
	Retention     time.Duration `env:"RELAY_RETENTION,default=24h"`
	SweepInterval time.Duration `env:"RELAY_SWEEP_INTERVAL,default=1h"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
