package model

import (
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Workspace represents a chat workspace's identity
type Workspace struct {
	ID   string
	Name string
}

// ErrWorkspaceNotFound is returned when a workspace is not found in the registry
var ErrWorkspaceNotFound = goerr.New("workspace not found")

// DefaultLateGrace is how late a dispatch may be before it is reported as late
const DefaultLateGrace = 5 * time.Minute

// WorkspaceEntry holds a workspace's connection settings and feature toggles
type WorkspaceEntry struct {
	Workspace Workspace
	ServerURL string

	// Owner credentials are used by background dispatch and reconciliation,
	// where no operator is present to supply them.
	Owner Credentials

	EmailDomain        string // user provisioning: login@EmailDomain
	ProvisioningSecret string // user provisioning: initial password derivation key
	AllowOnBehalfOf    bool
	LateGrace          time.Duration
}

// LogValue keeps secrets out of logs
func (e *WorkspaceEntry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", e.Workspace.ID),
		slog.String("name", e.Workspace.Name),
		slog.String("server_url", e.ServerURL),
		slog.Any("owner", e.Owner),
		slog.Bool("allow_on_behalf_of", e.AllowOnBehalfOf),
	)
}

// WorkspaceRegistry holds workspace configurations.
// It does not hold Repository or UseCase instances (settings only).
type WorkspaceRegistry struct {
	entries map[string]*WorkspaceEntry
	order   []string // preserves registration order
}

// NewWorkspaceRegistry creates a new empty WorkspaceRegistry
func NewWorkspaceRegistry() *WorkspaceRegistry {
	return &WorkspaceRegistry{
		entries: make(map[string]*WorkspaceEntry),
	}
}

// Register adds a workspace entry to the registry
func (r *WorkspaceRegistry) Register(entry *WorkspaceEntry) {
	if entry.LateGrace <= 0 {
		entry.LateGrace = DefaultLateGrace
	}
	if _, exists := r.entries[entry.Workspace.ID]; !exists {
		r.order = append(r.order, entry.Workspace.ID)
	}
	r.entries[entry.Workspace.ID] = entry
}

// Get retrieves a workspace entry by ID
func (r *WorkspaceRegistry) Get(workspaceID string) (*WorkspaceEntry, error) {
	entry, ok := r.entries[workspaceID]
	if !ok {
		return nil, goerr.Wrap(ErrWorkspaceNotFound, "workspace not found",
			goerr.V("workspace_id", workspaceID))
	}
	return entry, nil
}

// List returns all registered workspace entries in registration order
func (r *WorkspaceRegistry) List() []*WorkspaceEntry {
	result := make([]*WorkspaceEntry, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.entries[id])
	}
	return result
}

// Workspaces returns all registered workspaces in registration order
func (r *WorkspaceRegistry) Workspaces() []Workspace {
	result := make([]Workspace, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.entries[id].Workspace)
	}
	return result
}
