package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"
)

// swarmFlags are the config keys most often overridden from the command line.
type swarmFlags struct {
	target     string
	version    string
	sessions   int
	rate       float64
	nameFormat string
	reconnect  string
}

func (f *swarmFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.target, "target", "t", "", "target server as host:port")
	fl.StringVarP(&f.version, "version", "v", "", "protocol version id or alias")
	fl.IntVarP(&f.sessions, "sessions", "n", 0, "number of bots")
	fl.Float64VarP(&f.rate, "rate", "r", 0, "connection attempts per second")
	fl.StringVar(&f.nameFormat, "name-format", "", "bot name format, e.g. Bot_%d")
	fl.StringVar(&f.reconnect, "reconnect", "", "reconnect policy: none, fixed or backoff")
}

// values returns the changed flags nested like the YAML config file.
func (f *swarmFlags) values(cmd *cobra.Command) (map[string]any, error) {
	target := map[string]any{}
	sw := map[string]any{}
	out := map[string]any{}
	changed := cmd.Flags().Changed

	if changed("target") {
		host, portStr, err := net.SplitHostPort(f.target)
		if err != nil {
			return nil, fmt.Errorf("invalid --target %q: %w", f.target, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --target port %q: %w", portStr, err)
		}
		target["host"] = host
		target["port"] = port
	}
	if changed("version") {
		target["version"] = f.version
	}
	if changed("sessions") {
		sw["sessions"] = f.sessions
	}
	if changed("rate") {
		sw["connect_rate"] = f.rate
	}
	if changed("name-format") {
		sw["name_format"] = f.nameFormat
	}
	if changed("reconnect") {
		out["reconnect"] = map[string]any{"policy": f.reconnect}
	}
	if len(target) > 0 {
		out["target"] = target
	}
	if len(sw) > 0 {
		out["swarm"] = sw
	}
	return out, nil
}
