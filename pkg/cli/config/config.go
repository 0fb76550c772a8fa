package config

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/secmon-lab/herald/pkg/domain/model"
)

// AppConfig is the workspace file. Secrets are never stored in it; the file
// names the environment variables holding them.
type AppConfig struct {
	Workspaces []WorkspaceConfig `toml:"workspace"`
}

// WorkspaceConfig describes one chat workspace
type WorkspaceConfig struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	ServerURL string `toml:"server_url"`

	OwnerUserIDEnv string `toml:"owner_user_id_env"`
	OwnerTokenEnv  string `toml:"owner_token_env"`

	EmailDomain           string `toml:"email_domain"`
	ProvisioningSecretEnv string `toml:"provisioning_secret_env"`

	AllowOnBehalfOf bool   `toml:"allow_on_behalf_of"`
	LateGrace       string `toml:"late_grace"`
}

var workspaceIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// Validate checks the static part of a workspace; environment lookups happen in ToEntry
func (w *WorkspaceConfig) Validate() error {
	if !workspaceIDPattern.MatchString(w.ID) {
		return goerr.Wrap(ErrInvalidWorkspaceID, "workspace ID must be lowercase alphanumeric, '-' or '_'",
			goerr.V(WorkspaceIDKey, w.ID))
	}
	if w.Name == "" {
		return goerr.Wrap(ErrMissingName, "workspace name is required", goerr.V(WorkspaceIDKey, w.ID))
	}
	if w.ServerURL == "" {
		return goerr.Wrap(ErrMissingServerURL, "workspace server URL is required", goerr.V(WorkspaceIDKey, w.ID))
	}
	u, err := url.Parse(w.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return goerr.Wrap(ErrInvalidConfig, "server_url must be an absolute http(s) URL",
			goerr.V(WorkspaceIDKey, w.ID), goerr.V("server_url", w.ServerURL))
	}
	if w.OwnerUserIDEnv == "" || w.OwnerTokenEnv == "" {
		return goerr.Wrap(ErrInvalidConfig, "owner_user_id_env and owner_token_env are required",
			goerr.V(WorkspaceIDKey, w.ID))
	}
	if w.LateGrace != "" {
		d, err := time.ParseDuration(w.LateGrace)
		if err != nil || d <= 0 {
			return goerr.Wrap(ErrInvalidConfig, "late_grace must be a positive duration",
				goerr.V(WorkspaceIDKey, w.ID), goerr.V("late_grace", w.LateGrace))
		}
	}
	return nil
}

// ToEntry resolves secrets through lookup and builds the registry entry
func (w *WorkspaceConfig) ToEntry(lookup func(string) string) (*model.WorkspaceEntry, error) {
	owner := model.Credentials{
		UserID:    lookup(w.OwnerUserIDEnv),
		AuthToken: lookup(w.OwnerTokenEnv),
	}
	if !owner.Complete() {
		return nil, goerr.Wrap(ErrMissingOwner, "owner credentials missing from environment",
			goerr.V(WorkspaceIDKey, w.ID),
			goerr.V(EnvNameKey, []string{w.OwnerUserIDEnv, w.OwnerTokenEnv}))
	}

	entry := &model.WorkspaceEntry{
		Workspace:       model.Workspace{ID: w.ID, Name: w.Name},
		ServerURL:       w.ServerURL,
		Owner:           owner,
		EmailDomain:     w.EmailDomain,
		AllowOnBehalfOf: w.AllowOnBehalfOf,
	}
	if w.ProvisioningSecretEnv != "" {
		entry.ProvisioningSecret = lookup(w.ProvisioningSecretEnv)
	}
	if w.LateGrace != "" {
		// validated in Validate
		entry.LateGrace, _ = time.ParseDuration(w.LateGrace)
	}
	return entry, nil
}

// Validate checks every workspace and rejects duplicate IDs
func (a *AppConfig) Validate() error {
	if len(a.Workspaces) == 0 {
		return goerr.Wrap(ErrNoWorkspace, "no [[workspace]] table found")
	}

	ids := make(map[string]bool)
	for i, ws := range a.Workspaces {
		if err := ws.Validate(); err != nil {
			return goerr.Wrap(err, "invalid workspace", goerr.V(WorkspaceIndexKey, i))
		}
		if ids[ws.ID] {
			return goerr.Wrap(ErrDuplicateWorkspaceID, "duplicate workspace ID", goerr.V(WorkspaceIDKey, ws.ID))
		}
		ids[ws.ID] = true
	}
	return nil
}

// LoadAppConfiguration loads the workspace configuration from a TOML file
func LoadAppConfiguration(path string) (*AppConfig, error) {
	// #nosec G304 - path is expected to be provided by CLI argument
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, goerr.Wrap(ErrConfigNotFound, "config file does not exist", goerr.V(ConfigPathKey, path))
		}
		return nil, goerr.Wrap(err, "failed to read config file", goerr.V(ConfigPathKey, path))
	}

	var config AppConfig
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, goerr.Wrap(ErrInvalidConfig, "failed to parse TOML config",
			goerr.V(ConfigPathKey, path), goerr.V("error", err.Error()))
	}

	if err := config.Validate(); err != nil {
		return nil, goerr.Wrap(err, "config validation failed", goerr.V(ConfigPathKey, path))
	}

	return &config, nil
}

// ToRegistry resolves every workspace into a registry
func (a *AppConfig) ToRegistry(lookup func(string) string) (*model.WorkspaceRegistry, error) {
	registry := model.NewWorkspaceRegistry()
	for _, ws := range a.Workspaces {
		entry, err := ws.ToEntry(lookup)
		if err != nil {
			return nil, err
		}
		registry.Register(entry)
	}
	return registry, nil
}
