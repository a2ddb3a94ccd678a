// Package config loads the ambient, env-var driven settings for the
// vcycled daemon process itself (state root, hostname override, poll
// interval, log level). It does not parse space/machinetype definitions
// — see internal/config for that; per-space policy is out of scope for
// ambient process config the way it's out of scope for a `.conf` parser
// in spec.md §1.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ManagerConfig is the top-level daemon configuration.
type ManagerConfig struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"vcycled"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// StateRoot is the root of the C1 state store directory tree.
	StateRoot string `env:"VCYCLE_STATE_ROOT" envDefault:"/var/lib/vcycle"`

	// SpacesConfigPath points at the YAML document internal/config loads
	// into the space/machinetype model (see internal/config).
	SpacesConfigPath string `env:"VCYCLE_SPACES_CONFIG" envDefault:"/etc/vcycle.d/spaces.yaml"`

	// Hostname overrides os.Hostname() for the manager/manager_heartbeat
	// fields (§3, §4.8); mostly useful in tests and containers with
	// unstable hostnames.
	Hostname string `env:"VCYCLE_HOSTNAME"`

	// CycleInterval is the sleep between successive cycles of one space.
	CycleIntervalSeconds int `env:"VCYCLE_CYCLE_INTERVAL_SECONDS" envDefault:"60"`

	// HealthAddr is the bind address for the /healthz, /readyz endpoints.
	HealthAddr string `env:"VCYCLE_HEALTH_ADDR" envDefault:":8080"`
}

// Load reads ManagerConfig from the environment.
func Load() (*ManagerConfig, error) {
	cfg := &ManagerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
