package swarm

import (
	"fmt"
	"strings"
	"time"

	"github.com/cory-johannsen/botswarm/internal/credentials"
)

const (
	DefaultStopGrace       = 5 * time.Second
	DefaultRetryDelay      = 5 * time.Second
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = time.Minute
	DefaultMultiplier      = 2.0
)

// ReconnectPolicy selects what a slot does after its session fails.
type ReconnectPolicy string

const (
	PolicyNone    ReconnectPolicy = "none"
	PolicyFixed   ReconnectPolicy = "fixed"
	PolicyBackoff ReconnectPolicy = "backoff"
)

// Reconnect configures retries. Only retryable failure reasons are retried.
type Reconnect struct {
	Policy ReconnectPolicy
	// MaxAttempts caps the number of retries under PolicyFixed.
	MaxAttempts int
	// Delay is the pause between retries under PolicyFixed.
	Delay time.Duration
	// InitialInterval, MaxInterval and Multiplier shape PolicyBackoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Config describes one swarm.
type Config struct {
	TargetHost      string
	TargetPort      int
	ProtocolVersion string

	SessionCount         int
	ConnectRatePerSecond float64
	PerSessionTimeout    time.Duration

	// Credentials supplies the identity for each slot. Nil uses
	// credentials.DefaultNameFormat.
	Credentials credentials.Source
	Reconnect   Reconnect

	KeepAliveInterval time.Duration
	QueueSize         int
	EnqueueTimeout    time.Duration
	StopGrace         time.Duration

	// Proxies are SOCKS5 addresses assigned round-robin to slots.
	Proxies []string
	// AccountsPerProxy caps the slots sharing one proxy; 0 is unlimited.
	AccountsPerProxy int
}

// Target returns the "host:port" address under test.
func (c Config) Target() string {
	return fmt.Sprintf("%s:%d", c.TargetHost, c.TargetPort)
}

// ConfigError lists every problem found in a Config.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid swarm config: %s", strings.Join(e.Problems, "; "))
}

// Validate checks the static invariants of c. Version resolution happens in
// Orchestrator.Start.
//
// Postcondition: Returns nil or a *ConfigError naming every violation.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.TargetHost) == "" {
		problems = append(problems, "target host must not be empty")
	}
	if c.TargetPort < 1 || c.TargetPort > 65535 {
		problems = append(problems, fmt.Sprintf("target port must be 1-65535, got %d", c.TargetPort))
	}
	if strings.TrimSpace(c.ProtocolVersion) == "" {
		problems = append(problems, "protocol version must not be empty")
	}
	if c.SessionCount < 1 {
		problems = append(problems, fmt.Sprintf("session count must be > 0, got %d", c.SessionCount))
	}
	if !(c.ConnectRatePerSecond > 0) {
		problems = append(problems, fmt.Sprintf("connect rate must be > 0, got %g", c.ConnectRatePerSecond))
	}
	if c.PerSessionTimeout < 0 || c.KeepAliveInterval < 0 || c.EnqueueTimeout < 0 || c.StopGrace < 0 {
		problems = append(problems, "durations must not be negative")
	}
	if c.QueueSize < 0 {
		problems = append(problems, "queue size must not be negative")
	}
	if c.AccountsPerProxy < 0 {
		problems = append(problems, "accounts per proxy must not be negative")
	}
	for i, p := range c.Proxies {
		if strings.TrimSpace(p) == "" {
			problems = append(problems, fmt.Sprintf("proxy %d must not be empty", i))
		}
	}

	r := c.Reconnect
	switch r.Policy {
	case "", PolicyNone, PolicyBackoff:
	case PolicyFixed:
		if r.MaxAttempts < 1 {
			problems = append(problems, fmt.Sprintf("fixed reconnect needs max attempts >= 1, got %d", r.MaxAttempts))
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown reconnect policy %q", r.Policy))
	}
	if r.Delay < 0 || r.InitialInterval < 0 || r.MaxInterval < 0 {
		problems = append(problems, "reconnect intervals must not be negative")
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		problems = append(problems, fmt.Sprintf("reconnect multiplier must be >= 1, got %g", r.Multiplier))
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Credentials == nil {
		c.Credentials = credentials.NameFormat(credentials.DefaultNameFormat)
	}
	if c.StopGrace == 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.Reconnect.Policy == "" {
		c.Reconnect.Policy = PolicyNone
	}
	if c.Reconnect.Delay == 0 {
		c.Reconnect.Delay = DefaultRetryDelay
	}
	if c.Reconnect.InitialInterval == 0 {
		c.Reconnect.InitialInterval = DefaultInitialInterval
	}
	if c.Reconnect.MaxInterval == 0 {
		c.Reconnect.MaxInterval = DefaultMaxInterval
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = DefaultMultiplier
	}
	return c
}
