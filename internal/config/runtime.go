package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v9"
)

// Runtime holds process-level settings read from the environment. Flags on
// the command line override these.
type Runtime struct {
	Listen          string        `env:"NODEGATE_LISTEN" envDefault:"localhost:8190"`
	ConfigPath      string        `env:"NODEGATE_CONFIG" envDefault:"./nodes.yaml"`
	LogFormat       string        `env:"NODEGATE_LOG_FORMAT" envDefault:"text"`
	LogLevel        string        `env:"NODEGATE_LOG_LEVEL" envDefault:"info"`
	AuditDB         string        `env:"NODEGATE_AUDIT_DB"`
	AuthToken       string        `env:"NODEGATE_AUTH_TOKEN"`
	Watch           bool          `env:"NODEGATE_WATCH" envDefault:"true"`
	ShutdownTimeout time.Duration `env:"NODEGATE_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// LoadRuntime parses Runtime from environment variables.
func LoadRuntime() (*Runtime, error) {
	rt := &Runtime{}
	if err := env.Parse(rt); err != nil {
		return nil, fmt.Errorf("parsing runtime config: %w", err)
	}
	return rt, nil
}
