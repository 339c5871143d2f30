// Package config collects the environment knobs for the server process.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fyreflow/fyreflow/internal/provider"
	"github.com/fyreflow/fyreflow/internal/realtime"
)

// Config is resolved once at startup; zero values fall back to defaults in
// the components that consume them.
type Config struct {
	Port    int
	DataDir string

	// AuthToken guards the HTTP API and the WebSocket upgrade. Empty means
	// no auth (local development).
	AuthToken string

	// SecretsKey decrypts enc:-prefixed credentials at rest. When absent,
	// encrypted credentials fail fast at invocation time.
	SecretsKey string

	// AllowedOrigins is the CORS and WebSocket origin allow-list. Empty
	// permits same-host origins only.
	AllowedOrigins []string

	StorageRoot     string
	DisableCacheAll bool

	CLI provider.CLIConfig

	PollInterval        time.Duration
	HeartbeatInterval   time.Duration
	ControlPollInterval time.Duration
}

// FromEnv reads every knob from the process environment.
func FromEnv() Config {
	cfg := Config{
		Port:       parseInt(os.Getenv("PORT"), 8787),
		DataDir:    envOr("FYREFLOW_DATA_DIR", "data"),
		AuthToken:  strings.TrimSpace(os.Getenv("API_AUTH_TOKEN")),
		SecretsKey: strings.TrimSpace(os.Getenv("DASHBOARD_SECRETS_KEY")),

		StorageRoot:     envOr("FYREFLOW_STORAGE_ROOT", "storage"),
		DisableCacheAll: parseBool(os.Getenv("FYREFLOW_DISABLE_CACHE"), false),

		CLI: provider.CLIConfig{
			CodexPath:                  strings.TrimSpace(os.Getenv("CODEX_CLI_PATH")),
			ClaudePath:                 strings.TrimSpace(os.Getenv("CLAUDE_CLI_PATH")),
			ClaudeSkipPermissions:      parseBool(os.Getenv("CLAUDE_CLI_SKIP_PERMISSIONS"), true),
			ClaudeStrictMCP:            parseBool(os.Getenv("CLAUDE_CLI_STRICT_MCP"), true),
			ClaudeDisableSlashCommands: parseBool(os.Getenv("CLAUDE_CLI_DISABLE_SLASH_COMMANDS"), true),
			ClaudeSettingSources:       strings.TrimSpace(os.Getenv("CLAUDE_CLI_SETTING_SOURCES")),
			ClaudePermissionMode:       strings.TrimSpace(os.Getenv("CLAUDE_CLI_PERMISSION_MODE")),
		},

		PollInterval:        parseMillis(os.Getenv("FYREFLOW_WS_POLL_MS"), realtime.DefaultPollInterval),
		HeartbeatInterval:   parseMillis(os.Getenv("FYREFLOW_WS_HEARTBEAT_MS"), realtime.DefaultHeartbeatInterval),
		ControlPollInterval: parseMillis(os.Getenv("FYREFLOW_CONTROL_POLL_MS"), 500*time.Millisecond),
	}

	if raw := strings.TrimSpace(os.Getenv("FYREFLOW_ALLOWED_ORIGINS")); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}
	return cfg
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return def
	}
	return n
}

func parseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y":
		return true
	case "false", "0", "no", "n":
		return false
	default:
		return def
	}
}

func parseMillis(s string, def time.Duration) time.Duration {
	ms := parseInt(s, 0)
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
