package config

import (
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// Workspace holds the path of the workspace file
type Workspace struct {
	path   string
	lookup func(string) string
}

func (x *Workspace) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "workspace-config",
			Aliases:     []string{"w"},
			Usage:       "Path to the workspace TOML file",
			Category:    "Workspace",
			Value:       "herald.toml",
			Sources:     cli.EnvVars("HERALD_WORKSPACE_CONFIG"),
			Destination: &x.path,
		},
	}
}

// Path returns the workspace file path
func (x *Workspace) Path() string {
	return x.path
}

// Configure loads the file and resolves owner secrets from the environment
func (x *Workspace) Configure() (*model.WorkspaceRegistry, error) {
	if x.path == "" {
		return nil, goerr.Wrap(ErrConfigNotFound, "--workspace-config is required")
	}

	cfg, err := LoadAppConfiguration(x.path)
	if err != nil {
		return nil, err
	}

	lookup := x.lookup
	if lookup == nil {
		lookup = os.Getenv
	}
	registry, err := cfg.ToRegistry(lookup)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to build workspace registry", goerr.V(ConfigPathKey, x.path))
	}

	for _, entry := range registry.List() {
		logging.Default().Info("Workspace loaded", "workspace", entry)
	}
	return registry, nil
}
