package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Queries wraps a database handle with typed accessors for the gateway's
// tables. All methods are safe for concurrent use.
type Queries struct {
	db *sql.DB
}

// New returns Queries over the given database handle.
func New(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// DB exposes the underlying handle for checkpointing and tests.
func (q *Queries) DB() *sql.DB { return q.db }

const sessionColumns = `id, organization_id, created_by, configuration_id, session_type,
	client_type, status, sandbox_id, sandbox_provider, snapshot_id,
	sandbox_expires_at, agent_session_id, tunnel_url, preview_url, paused_at,
	pause_reason, agent_config, client_metadata, metrics, latest_task,
	pr_urls, outcome, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s                Session
		createdBy        sql.NullString
		configurationID  sql.NullString
		clientType       sql.NullString
		sandboxID        sql.NullString
		snapshotID       sql.NullString
		sandboxExpiresAt sql.NullTime
		agentSessionID   sql.NullString
		tunnelURL        sql.NullString
		previewURL       sql.NullString
		pausedAt         sql.NullTime
		pauseReason      sql.NullString
		agentConfig      sql.NullString
		clientMetadata   sql.NullString
		metrics          sql.NullString
		latestTask       sql.NullString
		prURLs           sql.NullString
		outcome          sql.NullString
	)
	err := row.Scan(
		&s.ID, &s.OrganizationID, &createdBy, &configurationID, &s.SessionType,
		&clientType, &s.Status, &sandboxID, &s.SandboxProvider, &snapshotID,
		&sandboxExpiresAt, &agentSessionID, &tunnelURL, &previewURL, &pausedAt,
		&pauseReason, &agentConfig, &clientMetadata, &metrics, &latestTask,
		&prURLs, &outcome, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return Session{}, err
	}
	s.CreatedBy = strPtr(createdBy)
	s.ConfigurationID = strPtr(configurationID)
	s.ClientType = strPtr(clientType)
	s.SandboxID = strPtr(sandboxID)
	s.SnapshotID = strPtr(snapshotID)
	s.SandboxExpiresAt = timePtr(sandboxExpiresAt)
	s.AgentSessionID = strPtr(agentSessionID)
	s.TunnelURL = strPtr(tunnelURL)
	s.PreviewURL = strPtr(previewURL)
	s.PausedAt = timePtr(pausedAt)
	s.PauseReason = strPtr(pauseReason)
	s.AgentConfig = strPtr(agentConfig)
	s.ClientMetadata = strPtr(clientMetadata)
	s.Metrics = strPtr(metrics)
	s.LatestTask = strPtr(latestTask)
	s.PRURLs = strPtr(prURLs)
	s.Outcome = strPtr(outcome)
	return s, nil
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullStr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}

// CreateSessionParams mirrors the columns the platform sets when it creates
// a session row. The gateway itself only calls this from tests and dev
// tooling.
type CreateSessionParams struct {
	ID              string
	OrganizationID  string
	CreatedBy       *string
	ConfigurationID *string
	SessionType     string
	ClientType      *string
	Status          string
	SandboxProvider string
	SnapshotID      *string
	AgentSessionID  *string
	ClientMetadata  *string
}

func (q *Queries) CreateSession(ctx context.Context, p CreateSessionParams) error {
	sessionType := p.SessionType
	if sessionType == "" {
		sessionType = "coding"
	}
	status := p.Status
	if status == "" {
		status = StatusCreating
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, organization_id, created_by, configuration_id, session_type,
			client_type, status, sandbox_provider, snapshot_id,
			agent_session_id, client_metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrganizationID, nullStr(p.CreatedBy), nullStr(p.ConfigurationID),
		sessionType, nullStr(p.ClientType), status, p.SandboxProvider,
		nullStr(p.SnapshotID), nullStr(p.AgentSessionID), nullStr(p.ClientMetadata),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (q *Queries) GetSession(ctx context.Context, id string) (Session, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// ListSessionIDsByStatus returns ids of sessions in the given status. The
// sweeper uses it to find rows claiming to be running.
func (q *Queries) ListSessionIDsByStatus(ctx context.Context, status string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE status = ? ORDER BY updated_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateSessionRuntimeParams carries the fields persisted when a runtime
// becomes ready.
type UpdateSessionRuntimeParams struct {
	ID               string
	SandboxID        string
	TunnelURL        string
	PreviewURL       *string
	SandboxExpiresAt *time.Time
}

// UpdateSessionRuntime marks the session running with its live sandbox
// coordinates and clears any pause bookkeeping.
func (q *Queries) UpdateSessionRuntime(ctx context.Context, p UpdateSessionRuntimeParams) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?, sandbox_id = ?, tunnel_url = ?, preview_url = ?,
			sandbox_expires_at = ?, paused_at = NULL, pause_reason = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		StatusRunning, p.SandboxID, p.TunnelURL, nullStr(p.PreviewURL),
		nullTime(p.SandboxExpiresAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("update session runtime: %w", err)
	}
	return nil
}

func (q *Queries) UpdateSessionAgentSession(ctx context.Context, id, agentSessionID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sessions SET agent_session_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, agentSessionID, id)
	if err != nil {
		return fmt.Errorf("update agent session id: %w", err)
	}
	return nil
}

func (q *Queries) UpdateSessionSnapshot(ctx context.Context, id, snapshotID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sessions SET snapshot_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, snapshotID, id)
	if err != nil {
		return fmt.Errorf("update session snapshot: %w", err)
	}
	return nil
}

// ClearSessionSnapshot drops the persisted snapshot id so the next
// runtime-ready attempt cold-starts. Used when a memory-snapshot restore
// fails.
func (q *Queries) ClearSessionSnapshot(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sessions SET snapshot_id = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clear session snapshot: %w", err)
	}
	return nil
}

// PauseSessionCASParams describes a pause transition guarded by the
// sandbox id the caller last observed.
type PauseSessionCASParams struct {
	ID                string
	ExpectedSandboxID string
	SnapshotID        *string
	SandboxID         *string // nil when the sandbox was terminated
	PauseReason       string
	PausedAt          time.Time
}

// PauseSessionCAS moves a session to paused iff its sandbox_id still equals
// ExpectedSandboxID. Returns the number of rows changed; zero means another
// actor advanced the session first and the caller must not mutate further.
func (q *Queries) PauseSessionCAS(ctx context.Context, p PauseSessionCASParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?, snapshot_id = ?, sandbox_id = ?, paused_at = ?,
			pause_reason = ?, latest_task = NULL, tunnel_url = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND sandbox_id = ?`,
		StatusPaused, nullStr(p.SnapshotID), nullStr(p.SandboxID), p.PausedAt,
		p.PauseReason, p.ID, p.ExpectedSandboxID,
	)
	if err != nil {
		return 0, fmt.Errorf("pause session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pause session rows affected: %w", err)
	}
	return n, nil
}

// PauseSessionIfRunning marks a sandbox-less session paused, guarded on the
// status still being running. Used by the orphan sweeper.
func (q *Queries) PauseSessionIfRunning(ctx context.Context, id, reason string, pausedAt time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?, paused_at = ?, pause_reason = ?, tunnel_url = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`,
		StatusPaused, pausedAt, reason, id, StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("pause running session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pause running session rows affected: %w", err)
	}
	return n, nil
}

// StopSessionForced records the circuit-breaker terminal state.
func (q *Queries) StopSessionForced(ctx context.Context, id, pauseReason, outcome string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?, sandbox_id = NULL, tunnel_url = NULL, paused_at = CURRENT_TIMESTAMP,
			pause_reason = ?, outcome = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		StatusStopped, pauseReason, outcome, id,
	)
	if err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	return nil
}

// UpdateSessionTelemetryParams carries the flushed telemetry blob.
type UpdateSessionTelemetryParams struct {
	ID         string
	Metrics    string // JSON
	LatestTask *string
	PRURLs     string // JSON array
	Outcome    *string
}

func (q *Queries) UpdateSessionTelemetry(ctx context.Context, p UpdateSessionTelemetryParams) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sessions SET
			metrics = ?, latest_task = ?, pr_urls = ?,
			outcome = COALESCE(?, outcome), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		p.Metrics, nullStr(p.LatestTask), p.PRURLs, nullStr(p.Outcome), p.ID,
	)
	if err != nil {
		return fmt.Errorf("update session telemetry: %w", err)
	}
	return nil
}

func (q *Queries) GetConfiguration(ctx context.Context, id string) (Configuration, error) {
	var (
		c               Configuration
		repos           sql.NullString
		envVars         sql.NullString
		systemPrompt    sql.NullString
		agentConfig     sql.NullString
		serviceCommands sql.NullString
		baseSnapshotKey sql.NullString
		appName         sql.NullString
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, repos, env_vars, system_prompt,
			agent_config, service_commands, deps_installed, base_snapshot_key,
			app_name, created_at, updated_at
		FROM configurations WHERE id = ?`, id).Scan(
		&c.ID, &c.OrganizationID, &c.Name, &repos, &envVars, &systemPrompt,
		&agentConfig, &serviceCommands, &c.DepsInstalled, &baseSnapshotKey,
		&appName, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Configuration{}, fmt.Errorf("get configuration %s: %w", id, err)
	}
	c.Repos = strPtr(repos)
	c.EnvVars = strPtr(envVars)
	c.SystemPrompt = strPtr(systemPrompt)
	c.AgentConfig = strPtr(agentConfig)
	c.ServiceCommands = strPtr(serviceCommands)
	c.BaseSnapshotKey = strPtr(baseSnapshotKey)
	c.AppName = strPtr(appName)
	return c, nil
}

// CreateConfigurationParams is used by tests and dev tooling; production
// configurations are written by the platform.
type CreateConfigurationParams struct {
	ID              string
	OrganizationID  string
	Name            string
	Repos           *string
	EnvVars         *string
	SystemPrompt    *string
	AgentConfig     *string
	ServiceCommands *string
	DepsInstalled   bool
	BaseSnapshotKey *string
	AppName         *string
}

func (q *Queries) CreateConfiguration(ctx context.Context, p CreateConfigurationParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO configurations (
			id, organization_id, name, repos, env_vars, system_prompt,
			agent_config, service_commands, deps_installed, base_snapshot_key, app_name
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrganizationID, p.Name, nullStr(p.Repos), nullStr(p.EnvVars),
		nullStr(p.SystemPrompt), nullStr(p.AgentConfig), nullStr(p.ServiceCommands),
		p.DepsInstalled, nullStr(p.BaseSnapshotKey), nullStr(p.AppName),
	)
	if err != nil {
		return fmt.Errorf("create configuration: %w", err)
	}
	return nil
}

// GetBaseSnapshot resolves the immutable base-snapshot mapping for a
// provider. sql.ErrNoRows passes through so callers can treat absence as
// "cold-start without a base image".
func (q *Queries) GetBaseSnapshot(ctx context.Context, versionKey, provider, appName string) (BaseSnapshot, error) {
	var b BaseSnapshot
	err := q.db.QueryRowContext(ctx, `
		SELECT version_key, provider, app_name, snapshot_id, created_at
		FROM base_snapshots
		WHERE version_key = ? AND provider = ? AND app_name = ?`,
		versionKey, provider, appName).Scan(
		&b.VersionKey, &b.Provider, &b.AppName, &b.SnapshotID, &b.CreatedAt,
	)
	if err != nil {
		return BaseSnapshot{}, err
	}
	return b, nil
}
