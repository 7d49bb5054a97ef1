package config

import "time"

// PerfConfig configures performance instrumentation.
type PerfConfig struct {
	Enabled     bool   `yaml:"enabled"`
	OutputDir   string `yaml:"output_dir"`
	SettleDelay string `yaml:"settle_delay"` // after network idle, before sampling
	VitalsDelay string `yaml:"vitals_delay"` // after a full navigation
	IdleTimeout string `yaml:"idle_timeout"`
	Concurrency int    `yaml:"concurrency"` // pages measured at once by the CLI
}

// GetSettleDelay returns the settle delay.
func (c PerfConfig) GetSettleDelay() time.Duration {
	return durationOr(c.SettleDelay, 500*time.Millisecond)
}

// GetVitalsDelay returns the vitals delay.
func (c PerfConfig) GetVitalsDelay() time.Duration {
	return durationOr(c.VitalsDelay, 2*time.Second)
}

// GetIdleTimeout returns how long to wait for network idle.
func (c PerfConfig) GetIdleTimeout() time.Duration {
	return durationOr(c.IdleTimeout, 10*time.Second)
}

// GetConcurrency returns the page concurrency limit.
func (c PerfConfig) GetConcurrency() int {
	if c.Concurrency <= 0 {
		return 1
	}
	return c.Concurrency
}
