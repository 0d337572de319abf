package store

import "time"

// Session status values. Status transitions are owned by the runtime
// (running), the migration controller (paused, stopped), and the platform
// (creating).
const (
	StatusCreating  = "creating"
	StatusResuming  = "resuming"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusStopped   = "stopped"
	StatusError     = "error"
	StatusMigrating = "migrating"
)

// Pause reasons recorded alongside status=paused or status=stopped.
const (
	PauseReasonInactivity     = "inactivity"
	PauseReasonOrphaned       = "orphaned"
	PauseReasonSnapshotFailed = "snapshot_failed"
)

// Session outcomes recorded in the telemetry blob columns.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Client types with special lifecycle handling. Automation sessions are
// headless: they count as one perpetual client.
const ClientTypeAutomation = "automation"

// Session is one persistent gateway session row.
type Session struct {
	ID               string
	OrganizationID   string
	CreatedBy        *string
	ConfigurationID  *string
	SessionType      string
	ClientType       *string
	Status           string
	SandboxID        *string
	SandboxProvider  string
	SnapshotID       *string
	SandboxExpiresAt *time.Time
	AgentSessionID   *string
	TunnelURL        *string
	PreviewURL       *string
	PausedAt         *time.Time
	PauseReason      *string
	AgentConfig      *string
	ClientMetadata   *string
	Metrics          *string
	LatestTask       *string
	PRURLs           *string
	Outcome          *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsAutomation reports whether the session is headless.
func (s *Session) IsAutomation() bool {
	return s.ClientType != nil && *s.ClientType == ClientTypeAutomation
}

// Configuration is the boot material a configuration-backed session
// resolves at runtime-ready time.
type Configuration struct {
	ID              string
	OrganizationID  string
	Name            string
	Repos           *string // JSON: [{"url","branch","token"}]
	EnvVars         *string // JSON object
	SystemPrompt    *string
	AgentConfig     *string // JSON
	ServiceCommands *string // JSON array of strings
	DepsInstalled   bool
	BaseSnapshotKey *string
	AppName         *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BaseSnapshot maps (version_key, provider, app_name) to a provider
// snapshot id. Immutable; the gateway only reads it.
type BaseSnapshot struct {
	VersionKey string
	Provider   string
	AppName    string
	SnapshotID string
	CreatedAt  time.Time
}
