package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Defaults holds the built-in paths and account, overridable from the
// environment.
type Defaults struct {
	ConfigFile string `env:"SMTPFD_CONFIG" envDefault:"/etc/mail/smtpfd.conf"`
	Socket     string `env:"SMTPFD_SOCKET" envDefault:"/var/run/smtpfd.sock"`
	User       string `env:"SMTPFD_USER" envDefault:"_smtpfd"`
}

// LoadDefaults reads Defaults from the environment.
func LoadDefaults() (*Defaults, error) {
	var d Defaults
	if err := env.Parse(&d); err != nil {
		return nil, fmt.Errorf("failed to parse environment defaults: %w", err)
	}
	return &d, nil
}
