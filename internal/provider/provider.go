// Package provider invokes LLM backends over HTTP or a local CLI, with
// transport selection driven by the provider's credential state.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fyreflow/fyreflow/internal/flow"
)

type Kind string

const (
	KindOpenAI Kind = "openai"
	KindClaude Kind = "claude"
)

type AuthMode string

const (
	AuthAPIKey AuthMode = "api_key"
	AuthOAuth  AuthMode = "oauth"
)

// Provider is a configured backend a step may target.
type Provider struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Kind       Kind     `json:"kind"`
	AuthMode   AuthMode `json:"auth_mode"`
	APIKey     string   `json:"api_key,omitempty"`
	OAuthToken string   `json:"oauth_token,omitempty"`
	BaseURL    string   `json:"base_url,omitempty"`
}

// IsEncryptedAtRest reports whether a stored secret still carries the at-rest
// encryption envelope, meaning decryption failed upstream.
func IsEncryptedAtRest(secret string) bool {
	return strings.HasPrefix(strings.TrimSpace(secret), "enc:v")
}

// IsClaudeSetupToken checks the shape of a Claude OAuth credential. Only
// setup tokens are usable for direct API calls.
func IsClaudeSetupToken(token string) bool {
	return strings.HasPrefix(strings.TrimSpace(token), "sk-ant-oat01-")
}

// APIError is a classified HTTP failure from a provider endpoint.
type APIError struct {
	ProviderID string
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.ProviderID, e.Status, msg)
}

// Retryable reports whether the status warrants another attempt.
func (e *APIError) Retryable() bool {
	switch e.Status {
	case 408, 409, 425, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// CredentialError is a fail-fast credential problem; never retried.
type CredentialError struct {
	ProviderID string
	Reason     string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("provider %s credential unusable: %s", e.ProviderID, e.Reason)
}

// CLIError is a subprocess failure with captured stderr.
type CLIError struct {
	Binary   string
	ExitCode int
	Stderr   string
}

func (e *CLIError) Error() string {
	s := strings.TrimSpace(e.Stderr)
	if len(s) > 400 {
		s = s[:400] + "..."
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Binary, e.ExitCode, s)
}

type Transport string

const (
	TransportHTTP Transport = "http"
	TransportCLI  Transport = "cli"
)

// Invoker executes one provider call for one step attempt.
type Invoker interface {
	Invoke(ctx context.Context, p Provider, step flow.Step, prompt, contextText string, timeout time.Duration, logf func(string)) (string, error)
}

// CLIConfig carries binary locations and claude safety-flag toggles.
type CLIConfig struct {
	CodexPath  string
	ClaudePath string

	ClaudeSkipPermissions       bool
	ClaudeStrictMCP             bool
	ClaudeDisableSlashCommands  bool
	ClaudeSettingSources        string
	ClaudePermissionMode        string
}

// DefaultInvoker selects a transport per call: HTTP when a usable API key or
// OAuth token is present, else the CLI subprocess path.
type DefaultInvoker struct {
	HTTP *HTTPTransport
	CLI  *CLITransport
}

func NewDefaultInvoker(cli CLIConfig) *DefaultInvoker {
	return &DefaultInvoker{
		HTTP: NewHTTPTransport(),
		CLI:  NewCLITransport(cli),
	}
}

// SelectTransport decides how to reach the provider, or fails fast on broken
// credentials.
func SelectTransport(p Provider) (Transport, error) {
	if p.AuthMode == AuthAPIKey && strings.TrimSpace(p.APIKey) != "" {
		if IsEncryptedAtRest(p.APIKey) {
			return "", &CredentialError{ProviderID: p.ID, Reason: "credential cannot be decrypted"}
		}
		return TransportHTTP, nil
	}
	if strings.TrimSpace(p.OAuthToken) != "" {
		if IsEncryptedAtRest(p.OAuthToken) {
			return "", &CredentialError{ProviderID: p.ID, Reason: "credential cannot be decrypted"}
		}
		if p.Kind == KindClaude && !IsClaudeSetupToken(p.OAuthToken) {
			return "", &CredentialError{ProviderID: p.ID, Reason: "oauth token is not a setup token"}
		}
		return TransportHTTP, nil
	}
	return TransportCLI, nil
}

// EffectiveFastMode only honors fast_mode on API-key providers holding a key.
func EffectiveFastMode(p Provider, step flow.Step, logf func(string)) bool {
	if !step.FastMode {
		return false
	}
	if p.AuthMode == AuthAPIKey && strings.TrimSpace(p.APIKey) != "" && !IsEncryptedAtRest(p.APIKey) {
		return true
	}
	if logf != nil {
		logf(fmt.Sprintf("fast_mode disabled for step %s: provider %s has no usable API key", step.ID, p.ID))
	}
	return false
}

func (d *DefaultInvoker) Invoke(ctx context.Context, p Provider, step flow.Step, prompt, contextText string, timeout time.Duration, logf func(string)) (string, error) {
	transport, err := SelectTransport(p)
	if err != nil {
		return "", err
	}
	if transport == TransportHTTP {
		return d.HTTP.Invoke(ctx, p, step, prompt, contextText, timeout, logf)
	}
	seed := BackoffSeed(ctx, p, step)
	return withRetry(ctx, seed, logf, func() (string, error) {
		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		out, err := d.CLI.Invoke(callCtx, p, step, prompt, contextText, logf)
		return out, stageTimeoutError(ctx, p, timeout, err)
	})
}

type backoffSeedKey struct{}

// WithBackoffSeed pins the deterministic retry-jitter seed for one step
// attempt, normally runID:stepID:attempt.
func WithBackoffSeed(ctx context.Context, seed string) context.Context {
	return context.WithValue(ctx, backoffSeedKey{}, seed)
}

// BackoffSeed reads the attempt seed back, falling back to providerID:stepID
// for callers that did not pin one.
func BackoffSeed(ctx context.Context, p Provider, step flow.Step) string {
	if s, ok := ctx.Value(backoffSeedKey{}).(string); ok && s != "" {
		return s
	}
	return p.ID + ":" + step.ID
}

// stageTimeoutError converts a per-attempt stage deadline into a retryable
// API error. Run-level cancellation passes through untouched.
func stageTimeoutError(parent context.Context, p Provider, timeout time.Duration, err error) error {
	if err == nil || parent.Err() != nil || !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &APIError{
		ProviderID: p.ID,
		Status:     http.StatusRequestTimeout,
		Message:    fmt.Sprintf("no response within the %s stage budget", timeout),
	}
}
