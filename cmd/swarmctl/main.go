// Package main provides swarmctl, the command-line client for botswarm. It
// can run a swarm in-process or drive a remote swarmd over the control API.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
