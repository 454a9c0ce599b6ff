package swarm

import (
	"github.com/cory-johannsen/botswarm/internal/config"
	"github.com/cory-johannsen/botswarm/internal/credentials"
)

// FromConfig builds a swarm Config from the application configuration,
// loading the accounts file when one is set.
//
// Postcondition: Returns a Config or an error from reading the accounts file.
func FromConfig(c config.Config) (Config, error) {
	var source credentials.Source = credentials.NameFormat(c.Swarm.NameFormat)
	if c.Swarm.AccountsFile != "" {
		list, err := credentials.Load(c.Swarm.AccountsFile, credentials.NameFormat(c.Swarm.NameFormat))
		if err != nil {
			return Config{}, err
		}
		source = list
	}
	return Config{
		TargetHost:           c.Target.Host,
		TargetPort:           c.Target.Port,
		ProtocolVersion:      c.Target.Version,
		SessionCount:         c.Swarm.Sessions,
		ConnectRatePerSecond: c.Swarm.ConnectRate,
		PerSessionTimeout:    c.Swarm.SessionTimeout,
		Credentials:          source,
		Reconnect: Reconnect{
			Policy:          ReconnectPolicy(c.Reconnect.Policy),
			MaxAttempts:     c.Reconnect.MaxAttempts,
			Delay:           c.Reconnect.Delay,
			InitialInterval: c.Reconnect.InitialInterval,
			MaxInterval:     c.Reconnect.MaxInterval,
			Multiplier:      c.Reconnect.Multiplier,
		},
		KeepAliveInterval: c.Swarm.KeepAliveInterval,
		QueueSize:         c.Swarm.QueueSize,
		EnqueueTimeout:    c.Swarm.EnqueueTimeout,
		StopGrace:         c.Swarm.StopGrace,
		Proxies:           c.Swarm.Proxies,
		AccountsPerProxy:  c.Swarm.AccountsPerProxy,
	}, nil
}
