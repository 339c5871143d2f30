package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fyreflow/fyreflow/internal/flow"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com"
	defaultClaudeBaseURL = "https://api.anthropic.com"

	anthropicVersion  = "2023-06-01"
	effortBeta        = "effort-2025-11-24"
	context1MBeta     = "context-1m-2025-08-07"

	claudeMaxTokensMin = 1200
	claudeMaxTokensMax = 6400
)

// ClipMaxTokens sizes the Claude response budget at 2% of the context
// window, clipped into [1200, 6400].
func ClipMaxTokens(contextWindowTokens int) int {
	n := int(float64(contextWindowTokens) * 0.02)
	if n < claudeMaxTokensMin {
		return claudeMaxTokensMin
	}
	if n > claudeMaxTokensMax {
		return claudeMaxTokensMax
	}
	return n
}

// HTTPTransport talks to provider APIs with SSE streaming.
type HTTPTransport struct {
	Client *http.Client

	// DisableEffortBeta drops the effort beta header for accounts that
	// reject it.
	DisableEffortBeta bool
}

func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{Timeout: 0}}
}

// Invoke runs the request under the retry policy. The stage timeout applies
// per attempt so a timed-out call can still be retried.
func (t *HTTPTransport) Invoke(ctx context.Context, p Provider, step flow.Step, prompt, contextText string, timeout time.Duration, logf func(string)) (string, error) {
	seed := BackoffSeed(ctx, p, step)
	return withRetry(ctx, seed, logf, func() (string, error) {
		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		var out string
		var err error
		switch p.Kind {
		case KindClaude:
			out, err = t.invokeClaude(callCtx, p, step, prompt, contextText, logf)
		default:
			out, err = t.invokeOpenAI(callCtx, p, step, prompt, contextText, logf)
		}
		return out, stageTimeoutError(ctx, p, timeout, err)
	})
}

func (t *HTTPTransport) invokeOpenAI(ctx context.Context, p Provider, step flow.Step, prompt, contextText string, logf func(string)) (string, error) {
	base := strings.TrimRight(p.BaseURL, "/")
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	body := map[string]any{
		"model": step.Model,
		"input": []map[string]any{
			{"role": "system", "content": prompt},
			{"role": "user", "content": contextText},
		},
		"stream": true,
	}
	if step.ReasoningEffort != "" {
		body["reasoning"] = map[string]any{"effort": step.ReasoningEffort}
	}
	if step.FastMode {
		body["service_tier"] = "priority"
	}

	req, err := t.newRequest(ctx, base+"/v1/responses", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+credentialFor(p))

	return t.stream(p, req, logf, openAIDelta)
}

func (t *HTTPTransport) invokeClaude(ctx context.Context, p Provider, step flow.Step, prompt, contextText string, logf func(string)) (string, error) {
	base := strings.TrimRight(p.BaseURL, "/")
	if base == "" {
		base = defaultClaudeBaseURL
	}
	body := map[string]any{
		"model":      step.Model,
		"max_tokens": ClipMaxTokens(step.ContextWindowTokens),
		"system":     prompt,
		"messages": []map[string]any{
			{"role": "user", "content": contextText},
		},
		"stream": true,
	}

	build := func(useBearer bool) (*http.Request, error) {
		req, err := t.newRequest(ctx, base+"/v1/messages", body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("anthropic-version", anthropicVersion)
		var betas []string
		if !t.DisableEffortBeta {
			betas = append(betas, effortBeta)
		}
		if step.Use1MContext {
			betas = append(betas, context1MBeta)
		}
		if len(betas) > 0 {
			req.Header.Set("anthropic-beta", strings.Join(betas, ","))
		}
		cred := credentialFor(p)
		if useBearer {
			req.Header.Set("Authorization", "Bearer "+cred)
		} else {
			req.Header.Set("x-api-key", cred)
		}
		return req, nil
	}

	useBearer := p.AuthMode == AuthOAuth || (strings.TrimSpace(p.APIKey) == "" && p.OAuthToken != "")
	req, err := build(useBearer)
	if err != nil {
		return "", err
	}
	out, err := t.stream(p, req, logf, claudeDelta)
	if err == nil {
		return out, nil
	}

	// OAuth setup tokens sometimes require the api-key header instead of a
	// bearer credential. Retry once on a bearer-shaped 401.
	var apiErr *APIError
	if useBearer && errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized &&
		strings.Contains(strings.ToLower(apiErr.Message), "bearer") && IsClaudeSetupToken(p.OAuthToken) {
		if logf != nil {
			logf("claude rejected bearer auth, retrying with x-api-key")
		}
		req, buildErr := build(false)
		if buildErr != nil {
			return "", buildErr
		}
		return t.stream(p, req, logf, claudeDelta)
	}
	return "", err
}

func (t *HTTPTransport) newRequest(ctx context.Context, url string, body any) (*http.Request, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	return req, nil
}

// deltaFn extracts accumulated text from one SSE data payload; the bool
// reports whether the event carried text.
type deltaFn func(event map[string]any) (string, bool)

func openAIDelta(event map[string]any) (string, bool) {
	if typ, _ := event["type"].(string); typ == "response.output_text.delta" {
		if s, ok := event["delta"].(string); ok {
			return s, true
		}
	}
	return "", false
}

func claudeDelta(event map[string]any) (string, bool) {
	if typ, _ := event["type"].(string); typ == "content_block_delta" {
		if delta, ok := event["delta"].(map[string]any); ok {
			if s, ok := delta["text"].(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func (t *HTTPTransport) stream(p Provider, req *http.Request, logf func(string), delta deltaFn) (string, error) {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return "", context.Cause(req.Context())
		}
		return "", &APIError{ProviderID: p.ID, Status: 0, Message: err.Error()}
	}
	defer resp.Body.Close()

	if reqID := firstHeader(resp.Header, "x-request-id", "request-id"); reqID != "" && logf != nil {
		logf("provider request id: " + reqID)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return "", &APIError{
			ProviderID: p.ID,
			Status:     resp.StatusCode,
			Message:    apiErrorMessage(raw),
			RetryAfter: parseRetryAfter(resp.Header),
		}
	}

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/event-stream") {
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", &APIError{ProviderID: p.ID, Status: resp.StatusCode, Message: err.Error()}
		}
		return extractNonStreamText(raw), nil
	}

	var out strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		if typ, _ := event["type"].(string); typ == "ping" {
			if logf != nil {
				logf("provider heartbeat ping")
			}
			continue
		}
		if s, ok := delta(event); ok {
			out.WriteString(s)
		}
	}
	if err := scanner.Err(); err != nil {
		if cause := context.Cause(req.Context()); cause != nil {
			return "", cause
		}
		return "", &APIError{ProviderID: p.ID, Status: 0, Message: "stream read: " + err.Error()}
	}
	return out.String(), nil
}

func credentialFor(p Provider) string {
	if p.AuthMode == AuthAPIKey && strings.TrimSpace(p.APIKey) != "" {
		return strings.TrimSpace(p.APIKey)
	}
	if strings.TrimSpace(p.OAuthToken) != "" {
		return strings.TrimSpace(p.OAuthToken)
	}
	return strings.TrimSpace(p.APIKey)
}

func firstHeader(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return ""
}

func apiErrorMessage(raw []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error.Message != "" {
			return body.Error.Message
		}
		if body.Message != "" {
			return body.Message
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}

// extractNonStreamText handles providers that ignore the stream flag and
// return a complete JSON body.
func extractNonStreamText(raw []byte) string {
	var claude struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &claude); err == nil && len(claude.Content) > 0 {
		var out strings.Builder
		for _, c := range claude.Content {
			if c.Type == "text" {
				out.WriteString(c.Text)
			}
		}
		if out.Len() > 0 {
			return out.String()
		}
	}
	var openai struct {
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	}
	if err := json.Unmarshal(raw, &openai); err == nil {
		if openai.OutputText != "" {
			return openai.OutputText
		}
		var out strings.Builder
		for _, o := range openai.Output {
			for _, c := range o.Content {
				if c.Type == "output_text" || c.Type == "text" {
					out.WriteString(c.Text)
				}
			}
		}
		if out.Len() > 0 {
			return out.String()
		}
	}
	return strings.TrimSpace(string(raw))
}
