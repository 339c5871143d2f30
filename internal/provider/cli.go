package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fyreflow/fyreflow/internal/flow"
)

// gateContractSchema is attached inline via --json-schema for review and
// tester steps running in JSON mode.
const gateContractSchema = `{
  "type": "object",
  "properties": {
    "workflow_status": {"type": "string", "enum": ["PASS", "FAIL", "NEUTRAL", "COMPLETE", "NEEDS_INPUT"]},
    "next_action": {"type": "string", "enum": ["continue", "retry_step", "retry_stage", "escalate", "stop"]},
    "reasons": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "code": {"type": "string"},
          "message": {"type": "string"},
          "severity": {"type": "string"}
        },
        "required": ["code", "message"]
      }
    },
    "summary": {"type": "string"}
  },
  "required": ["workflow_status"]
}`

// Compiled at init so a malformed schema is caught immediately.
var gateSchema = jsonschema.MustCompileString("gate-contract.json", gateContractSchema)

// ValidateContractPayload checks a decoded contract candidate against the
// gate schema.
func ValidateContractPayload(v any) error {
	return gateSchema.Validate(v)
}

// CLITransport shells out to a provider CLI and supervises the process.
type CLITransport struct {
	cfg CLIConfig

	// progressInterval controls the supervision sampling rate.
	progressInterval time.Duration
}

func NewCLITransport(cfg CLIConfig) *CLITransport {
	return &CLITransport{cfg: cfg, progressInterval: time.Second}
}

// BinaryFor locates the CLI binary for a provider: configured path, then
// ~/.local/bin, then PATH.
func (t *CLITransport) BinaryFor(p Provider) (string, error) {
	name := "codex"
	configured := t.cfg.CodexPath
	if p.Kind == KindClaude {
		name = "claude"
		configured = t.cfg.ClaudePath
	}
	if configured != "" {
		return configured, nil
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".local", "bin", name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("no %s binary found (set the CLI path explicitly)", name)
}

// BuildCLIArgs composes the argv for one step. Flag choices follow the step
// role and output mode.
func (t *CLITransport) BuildCLIArgs(p Provider, step flow.Step) []string {
	var args []string

	if step.Model != "" {
		args = append(args, "--model", step.Model)
	}
	if step.ReasoningEffort != "" {
		args = append(args, "--effort", step.ReasoningEffort)
	}

	jsonMode := step.OutputFormat == flow.OutputJSON
	switch {
	case step.Role == flow.RoleOrchestrator:
		// Orchestrators delegate tool use to other steps via the prompt.
		args = append(args, "--tools", "")
		args = append(args, "--output-format", "text")
	case jsonMode && (step.Role == flow.RoleReview || step.Role == flow.RoleTester):
		args = append(args, "--json-schema", gateContractSchema)
		args = append(args, "--output-format", "json")
	default:
		// Artifact-writing steps keep tools enabled and stream so tool
		// calls surface as incremental events.
		args = append(args, "--output-format", "stream-json")
	}

	if p.Kind == KindClaude {
		args = append(args, "--no-session-persistence")
		sources := t.cfg.ClaudeSettingSources
		if sources == "" {
			sources = "user"
		}
		args = append(args, "--setting-sources", sources)
		if t.cfg.ClaudeStrictMCP {
			args = append(args, "--strict-mcp-config")
		}
		if t.cfg.ClaudeDisableSlashCommands {
			args = append(args, "--disable-slash-commands")
		}
		if t.cfg.ClaudePermissionMode != "" {
			args = append(args, "--permission-mode", t.cfg.ClaudePermissionMode)
		} else if t.cfg.ClaudeSkipPermissions {
			args = append(args, "--dangerously-skip-permissions")
		}
	}
	return args
}

const runtimeSafetyHeader = `RUNTIME SAFETY RULES (these override any conflicting task wording):
- Never write artifacts via shell redirection; use your file tools.
- Never create ad-hoc helper scripts (.py/.sh/.js/.ts) unless the task declares them as deliverables.
- Never repeat a write or copy action that already succeeded.
- Provide all summaries and status lines in English.`

const deckSynthesisContract = `DECK SYNTHESIS CONTRACT:
- Reuse the files referenced by assets-manifest.json; do not regenerate frames that already exist.
- Reference frames as assets/frame-* file paths; never inline base64 image data.`

// ComposeCLIPrompt prepends the safety header and, for deck-synthesis
// contexts, the assets contract.
func ComposeCLIPrompt(prompt, contextText string) string {
	var b strings.Builder
	b.WriteString(runtimeSafetyHeader)
	b.WriteString("\n\n")
	if strings.Contains(contextText, "frame-map.json") && strings.Contains(contextText, "assets-manifest.json") {
		b.WriteString(deckSynthesisContract)
		b.WriteString("\n\n")
	}
	b.WriteString(prompt)
	if strings.TrimSpace(contextText) != "" {
		b.WriteString("\n\n")
		b.WriteString(contextText)
	}
	return b.String()
}

var cliCompatRe = regexp.MustCompile(`(?i)unknown (option|argument)|unrecognized option`)

func (t *CLITransport) Invoke(ctx context.Context, p Provider, step flow.Step, prompt, contextText string, logf func(string)) (string, error) {
	binary, err := t.BinaryFor(p)
	if err != nil {
		return "", err
	}
	args := t.BuildCLIArgs(p, step)
	composed := ComposeCLIPrompt(prompt, contextText)

	out, runErr := t.runOnce(ctx, binary, args, composed, logf)
	if runErr == nil {
		return out, nil
	}

	var cliErr *CLIError
	if asCLIError(runErr, &cliErr) {
		// Older CLI builds reject --effort; drop it and retry once.
		if hasFlag(args, "--effort") && cliCompatRe.MatchString(cliErr.Stderr) {
			if logf != nil {
				logf("installed CLI rejects --effort, retrying without it")
			}
			return t.runOnce(ctx, binary, stripFlag(args, "--effort"), composed, logf)
		}
		return "", surfaceAuthHint(cliErr, logf)
	}
	return "", runErr
}

// surfaceAuthHint attaches the login URL to a CLI failure whose stderr asked
// the user to authenticate.
func surfaceAuthHint(cliErr *CLIError, logf func(string)) error {
	url := ExtractFirstAuthURL(cliErr.Stderr)
	if url == "" {
		return cliErr
	}
	if logf != nil {
		logf("provider login required, visit " + url)
	}
	return fmt.Errorf("%w (log in at %s)", cliErr, url)
}

func asCLIError(err error, target **CLIError) bool {
	if e, ok := err.(*CLIError); ok {
		*target = e
		return true
	}
	return false
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func stripFlag(args []string, flag string) []string {
	var out []string
	skip := false
	for _, a := range args {
		if skip {
			skip = false
			continue
		}
		if a == flag {
			skip = true
			continue
		}
		out = append(out, a)
	}
	return out
}

func (t *CLITransport) runOnce(ctx context.Context, binary string, args []string, composedPrompt string, logf func(string)) (string, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = strings.NewReader(composedPrompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	var stderr strings.Builder
	cmd.Stderr = &limitedWriter{b: &stderr, max: 64 << 10}

	start := time.Now()
	var stdoutBytes, stderrBytes atomic.Int64
	var lastStdout atomic.Int64
	lastStdout.Store(start.UnixMilli())

	if err := cmd.Start(); err != nil {
		return "", err
	}

	stopProgress := make(chan struct{})
	var progressWG sync.WaitGroup
	if logf != nil {
		progressWG.Add(1)
		go func() {
			defer progressWG.Done()
			interval := t.progressInterval
			if interval <= 0 {
				interval = time.Second
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-stopProgress:
					return
				case <-ticker.C:
					now := time.Now()
					logf(fmt.Sprintf("cli[%s pid=%d] elapsed=%dms idle=%dms stdout=%dB stderr=%dB",
						filepath.Base(binary), cmd.Process.Pid,
						now.Sub(start).Milliseconds(),
						now.UnixMilli()-lastStdout.Load(),
						stdoutBytes.Load(), stderrBytes.Load()))
				}
			}
		}()
	}

	var out strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), 8<<20)
	for scanner.Scan() {
		line := scanner.Text()
		stdoutBytes.Add(int64(len(line)) + 1)
		lastStdout.Store(time.Now().UnixMilli())

		text, calls := parseStreamLine(line)
		if text != "" {
			out.WriteString(text)
		}
		for _, c := range calls {
			if logf != nil {
				logf("tool: " + c.Summary())
			}
		}
	}
	scanErr := scanner.Err()

	close(stopProgress)
	progressWG.Wait()

	waitErr := cmd.Wait()
	stderrBytes.Store(int64(stderr.Len()))

	if ctx.Err() != nil {
		return "", context.Cause(ctx)
	}
	if scanErr != nil {
		return "", fmt.Errorf("read %s stdout: %w", filepath.Base(binary), scanErr)
	}
	if waitErr != nil {
		code := -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		return "", &CLIError{Binary: filepath.Base(binary), ExitCode: code, Stderr: stderr.String()}
	}
	return out.String(), nil
}

type limitedWriter struct {
	b   *strings.Builder
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if w.b.Len() < w.max {
		room := w.max - w.b.Len()
		if len(p) > room {
			w.b.Write(p[:room])
		} else {
			w.b.Write(p)
		}
	}
	return len(p), nil
}

// ToolCall is one tool invocation surfaced from a stream-json line.
type ToolCall struct {
	Name  string
	Input string
}

func (c ToolCall) Summary() string {
	in := c.Input
	if len(in) > 160 {
		in = in[:160] + "..."
	}
	if in == "" {
		return c.Name
	}
	return c.Name + " " + in
}

var toolCallTagRe = regexp.MustCompile(`(?s)<tool_call>\s*(.*?)\s*</tool_call>`)

// parseStreamLine decodes one stream-json stdout line, returning any textual
// content and the tool calls it carried. Non-JSON lines pass through as text.
func parseStreamLine(line string) (string, []ToolCall) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", nil
	}
	if !strings.HasPrefix(trimmed, "{") {
		return line + "\n", nil
	}
	var event map[string]any
	if err := json.Unmarshal([]byte(trimmed), &event); err != nil {
		return line + "\n", nil
	}

	var text strings.Builder
	var calls []ToolCall
	collectNode(event, &text, &calls)
	return text.String(), calls
}

// collectNode walks a decoded stream event, gathering text content and
// tool_use entries wherever they appear.
func collectNode(node any, text *strings.Builder, calls *[]ToolCall) {
	switch v := node.(type) {
	case map[string]any:
		if typ, _ := v["type"].(string); typ == "tool_use" {
			name, _ := v["name"].(string)
			*calls = append(*calls, ToolCall{Name: name, Input: ExtractToolInput(v["input"])})
			return
		}
		if s, ok := v["text"].(string); ok {
			text.WriteString(s)
			for _, m := range toolCallTagRe.FindAllStringSubmatch(s, -1) {
				*calls = append(*calls, toolCallFromTag(m[1]))
			}
		}
		if s, ok := v["result"].(string); ok {
			text.WriteString(s)
		}
		for _, key := range []string{"message", "content", "delta"} {
			if child, ok := v[key]; ok {
				collectNode(child, text, calls)
			}
		}
	case []any:
		for _, item := range v {
			collectNode(item, text, calls)
		}
	}
}

// ExtractToolInput renders tool_use input as a compact string; stringified
// JSON payloads are kept verbatim.
func ExtractToolInput(input any) string {
	switch v := input.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func toolCallFromTag(body string) ToolCall {
	var payload struct {
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err == nil && payload.Name != "" {
		return ToolCall{Name: payload.Name, Input: strings.TrimSpace(string(payload.Input))}
	}
	return ToolCall{Name: "tool_call", Input: strings.TrimSpace(body)}
}

var authURLRe = regexp.MustCompile(`https://\S+`)

// ExtractFirstAuthURL finds the first URL near an authentication hint in CLI
// output, for surfacing login flows to the user.
func ExtractFirstAuthURL(text string) string {
	for _, line := range strings.Split(text, "\n") {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "auth") && !strings.Contains(lower, "log in") && !strings.Contains(lower, "login") && !strings.Contains(lower, "sign in") {
			continue
		}
		if m := authURLRe.FindString(line); m != "" {
			return strings.TrimRight(m, ".,)\"'")
		}
	}
	return ""
}
