package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyreflow/fyreflow/internal/flow"
)

func sseWrite(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, e := range events {
		fmt.Fprintf(w, "data: %s\n\n", e)
	}
}

func TestOpenAIStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/responses" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth = %q", got)
		}
		sseWrite(w,
			`{"type":"response.created","id":"r1"}`,
			`{"type":"response.output_text.delta","delta":"WORKFLOW_"}`,
			`{"type":"response.output_text.delta","delta":"STATUS: PASS"}`,
			`[DONE]`)
	}))
	defer srv.Close()

	p := Provider{ID: "op", Kind: KindOpenAI, AuthMode: AuthAPIKey, APIKey: "sk-test", BaseURL: srv.URL}
	step := flow.Step{ID: "s", Model: "gpt-5", ReasoningEffort: "medium"}
	out, err := NewHTTPTransport().Invoke(context.Background(), p, step, "sys", "user", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "WORKFLOW_STATUS: PASS" {
		t.Errorf("out = %q", out)
	}
}

func TestClaudeHeadersAndStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "sk-key" {
			t.Errorf("x-api-key = %q", got)
		}
		beta := r.Header.Get("anthropic-beta")
		if !strings.Contains(beta, "effort-2025-11-24") || !strings.Contains(beta, "context-1m-2025-08-07") {
			t.Errorf("beta = %q", beta)
		}
		sseWrite(w,
			`{"type":"ping"}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"done"}}`)
	}))
	defer srv.Close()

	p := Provider{ID: "cl", Kind: KindClaude, AuthMode: AuthAPIKey, APIKey: "sk-key", BaseURL: srv.URL}
	step := flow.Step{ID: "s", Model: "claude-x", Use1MContext: true, ContextWindowTokens: 1_000_000}
	out, err := NewHTTPTransport().Invoke(context.Background(), p, step, "sys", "user", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "done" {
		t.Errorf("out = %q", out)
	}
}

func TestClaudeOAuthBearerFallback(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
				t.Errorf("first call should use bearer, got %q", r.Header.Get("Authorization"))
			}
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"invalid bearer token"}}`)
			return
		}
		if got := r.Header.Get("x-api-key"); got != "sk-ant-oat01-tok" {
			t.Errorf("retry should use x-api-key, got %q", got)
		}
		sseWrite(w, `{"type":"content_block_delta","delta":{"text":"ok"}}`)
	}))
	defer srv.Close()

	p := Provider{ID: "cl", Kind: KindClaude, AuthMode: AuthOAuth, OAuthToken: "sk-ant-oat01-tok", BaseURL: srv.URL}
	out, err := NewHTTPTransport().Invoke(context.Background(), p, flow.Step{ID: "s", Model: "m"}, "sys", "user", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "ok" || calls.Load() != 2 {
		t.Errorf("out=%q calls=%d", out, calls.Load())
	}
}

func TestRetryableStatusThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		sseWrite(w, `{"type":"response.output_text.delta","delta":"recovered"}`)
	}))
	defer srv.Close()

	p := Provider{ID: "op", Kind: KindOpenAI, AuthMode: AuthAPIKey, APIKey: "k", BaseURL: srv.URL}
	out, err := NewHTTPTransport().Invoke(context.Background(), p, flow.Step{ID: "s", Model: "m"}, "sys", "user", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "recovered" || calls.Load() != 2 {
		t.Errorf("out=%q calls=%d", out, calls.Load())
	}
}

func TestFatalStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad model"}}`)
	}))
	defer srv.Close()

	p := Provider{ID: "op", Kind: KindOpenAI, AuthMode: AuthAPIKey, APIKey: "k", BaseURL: srv.URL}
	_, err := NewHTTPTransport().Invoke(context.Background(), p, flow.Step{ID: "s", Model: "m"}, "sys", "user", 0, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 400 {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("400 was retried: %d calls", calls.Load())
	}
}

func TestCancelDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel(errors.New("Stopped by user"))
	}()

	p := Provider{ID: "op", Kind: KindOpenAI, AuthMode: AuthAPIKey, APIKey: "k", BaseURL: srv.URL}
	start := time.Now()
	_, err := NewHTTPTransport().Invoke(ctx, p, flow.Step{ID: "s", Model: "m"}, "sys", "user", 0, nil)
	if err == nil || !strings.Contains(err.Error(), "Stopped by user") {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("backoff did not honor cancellation")
	}
}

func TestFastModeRequestsPriorityTier(t *testing.T) {
	var tier atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		v, _ := body["service_tier"].(string)
		tier.Store(v)
		sseWrite(w, `{"type":"response.output_text.delta","delta":"ok"}`)
	}))
	defer srv.Close()

	p := Provider{ID: "op", Kind: KindOpenAI, AuthMode: AuthAPIKey, APIKey: "k", BaseURL: srv.URL}
	if _, err := NewHTTPTransport().Invoke(context.Background(), p, flow.Step{ID: "s", Model: "m", FastMode: true}, "sys", "user", 0, nil); err != nil {
		t.Fatal(err)
	}
	if got, _ := tier.Load().(string); got != "priority" {
		t.Errorf("service_tier = %q", got)
	}

	if _, err := NewHTTPTransport().Invoke(context.Background(), p, flow.Step{ID: "s", Model: "m"}, "sys", "user", 0, nil); err != nil {
		t.Fatal(err)
	}
	if got, _ := tier.Load().(string); got != "" {
		t.Errorf("service_tier sent without fast mode: %q", got)
	}
}

func TestStageTimeoutRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Stall until the per-attempt deadline kills the request. The
			// body must be drained first so the server notices the client
			// disconnect and cancels the request context.
			io.Copy(io.Discard, r.Body)
			<-r.Context().Done()
			return
		}
		sseWrite(w, `{"type":"response.output_text.delta","delta":"recovered"}`)
	}))
	defer srv.Close()

	p := Provider{ID: "op", Kind: KindOpenAI, AuthMode: AuthAPIKey, APIKey: "k", BaseURL: srv.URL}
	out, err := NewHTTPTransport().Invoke(context.Background(), p, flow.Step{ID: "s", Model: "m"}, "sys", "user", 150*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "recovered" || calls.Load() != 2 {
		t.Errorf("out=%q calls=%d", out, calls.Load())
	}
}

func TestStageTimeoutExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	p := Provider{ID: "op", Kind: KindOpenAI, AuthMode: AuthAPIKey, APIKey: "k", BaseURL: srv.URL}
	_, err := NewHTTPTransport().Invoke(context.Background(), p, flow.Step{ID: "s", Model: "m"}, "sys", "user", 50*time.Millisecond, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusRequestTimeout {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("timeout retried %d times, want 3 attempts", calls.Load())
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	if got := parseRetryAfter(h); got != 7*time.Second {
		t.Errorf("got %v", got)
	}
	h.Set("Retry-After", "garbage")
	if got := parseRetryAfter(h); got != 0 {
		t.Errorf("got %v", got)
	}
}
