package main

import (
	"fmt"

	"github.com/p-arndt/sandflow/internal/config"
	"github.com/p-arndt/sandflow/internal/provider"
	"github.com/p-arndt/sandflow/internal/provider/docker"
	"github.com/p-arndt/sandflow/internal/provider/local"
)

// openProvider builds the configured sandbox backend. Kind "none" returns
// nil, nil: the service then refuses to start.
func openProvider(cfg config.ProviderConfig) (provider.Provider, error) {
	switch cfg.Kind {
	case "docker", "":
		dc, err := docker.New(cfg.Docker)
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		return dc, nil
	case "local":
		lp, err := local.New(cfg.Local)
		if err != nil {
			return nil, fmt.Errorf("local provider: %w", err)
		}
		return lp, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q (want docker, local or none)", cfg.Kind)
	}
}
