package config

import "github.com/m-mizutani/goerr/v2"

// Sentinel errors for configuration validation
var (
	ErrConfigNotFound       = goerr.New("configuration file not found")
	ErrInvalidConfig        = goerr.New("invalid configuration")
	ErrDuplicateWorkspaceID = goerr.New("duplicate workspace ID")
	ErrInvalidWorkspaceID   = goerr.New("invalid workspace ID format")
	ErrMissingName          = goerr.New("name is required")
	ErrMissingServerURL     = goerr.New("server_url is required")
	ErrMissingOwner         = goerr.New("owner credentials are not set")
	ErrNoWorkspace          = goerr.New("at least one workspace is required")
)

// Context keys for error values
const (
	ConfigPathKey     = "config_path"
	WorkspaceIDKey    = "workspace_id"
	WorkspaceIndexKey = "workspace_index"
	EnvNameKey        = "env_name"
)
