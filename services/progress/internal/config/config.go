package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ProgressConfig carries the service's own knobs on top of the shared
// platform config. The reconciliation policy values encode a product
// tradeoff (strictness vs tolerance to network jitter), so they are
// configuration rather than constants.
type ProgressConfig struct {
	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`

	// Heartbeat reconciliation policy.
	TickPaddingS        int     `envconfig:"TICK_PADDING_S" default:"2"`
	BackdateToleranceS  int     `envconfig:"BACKDATE_TOLERANCE_S" default:"5"`
	MaxJumpS            int     `envconfig:"MAX_JUMP_S" default:"7200"`
	CompletionThreshold float64 `envconfig:"COMPLETION_THRESHOLD" default:"0.92"`

	// Heartbeat ingest rate limiting (per authenticated user).
	HeartbeatRateLimit float64 `envconfig:"HEARTBEAT_RATE_LIMIT" default:"2"`
	HeartbeatBurst     int     `envconfig:"HEARTBEAT_BURST" default:"10"`

	// Rollup scheduling. Zero disables the in-process scheduler (the
	// admin trigger endpoint still works).
	RollupInterval time.Duration `envconfig:"ROLLUP_INTERVAL" default:"1h"`
}

// Load reads ProgressConfig from the environment.
func Load() (ProgressConfig, error) {
	var cfg ProgressConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return ProgressConfig{}, err
	}
	return cfg, nil
}
