package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/boxgate/boxgate/internal/gateway/config"
	"github.com/boxgate/boxgate/internal/gateway/sandbox"
	"github.com/boxgate/boxgate/internal/gateway/store"
)

// SessionContext is the boot material for one ready-path run: the session
// row plus, for configuration-backed sessions, the resolved configuration.
// It is rebuilt from the store on every run so that rows mutated by another
// instance (pause, snapshot, expiry) are observed before any sandbox work.
type SessionContext struct {
	Session       store.Session
	Configuration *store.Configuration

	Repos           []sandbox.RepoSpec
	Env             map[string]string
	ServiceCommands []string
	DepsInstalled   bool

	BaseSnapshotKey string
	AppName         string
}

// BuildSessionContext loads the session and its configuration (when the
// session references one) and parses the configuration's JSON columns.
func BuildSessionContext(ctx context.Context, q *store.Queries, agentDefaults config.AgentConfig, sessionID string) (*SessionContext, error) {
	sess, err := q.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	sc := &SessionContext{
		Session:         sess,
		Env:             map[string]string{},
		BaseSnapshotKey: agentDefaults.BaseSnapshotKey,
		AppName:         agentDefaults.AppName,
	}
	if sess.ConfigurationID == nil {
		return sc, nil
	}

	cfg, err := q.GetConfiguration(ctx, *sess.ConfigurationID)
	if err != nil {
		return nil, fmt.Errorf("load configuration %s: %w", *sess.ConfigurationID, err)
	}
	sc.Configuration = &cfg
	sc.DepsInstalled = cfg.DepsInstalled
	if cfg.BaseSnapshotKey != nil && *cfg.BaseSnapshotKey != "" {
		sc.BaseSnapshotKey = *cfg.BaseSnapshotKey
	}
	if cfg.AppName != nil && *cfg.AppName != "" {
		sc.AppName = *cfg.AppName
	}

	if cfg.Repos != nil && *cfg.Repos != "" {
		if err := json.Unmarshal([]byte(*cfg.Repos), &sc.Repos); err != nil {
			return nil, fmt.Errorf("parse configuration repos: %w", err)
		}
	}
	if cfg.EnvVars != nil && *cfg.EnvVars != "" {
		if err := json.Unmarshal([]byte(*cfg.EnvVars), &sc.Env); err != nil {
			return nil, fmt.Errorf("parse configuration env vars: %w", err)
		}
	}
	if cfg.ServiceCommands != nil && *cfg.ServiceCommands != "" {
		if err := json.Unmarshal([]byte(*cfg.ServiceCommands), &sc.ServiceCommands); err != nil {
			return nil, fmt.Errorf("parse configuration service commands: %w", err)
		}
	}
	return sc, nil
}
