// Package contract extracts the structured gate-result contract that steps
// are asked to emit, falling back to legacy status markers when the model
// produced free text instead of JSON.
package contract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

type Status string

const (
	StatusPass       Status = "PASS"
	StatusFail       Status = "FAIL"
	StatusNeutral    Status = "NEUTRAL"
	StatusComplete   Status = "COMPLETE"
	StatusNeedsInput Status = "NEEDS_INPUT"
)

// ParseStatus is tolerant; unknown values round-trip to NEUTRAL.
func ParseStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PASS", "PASSED", "OK", "SUCCESS":
		return StatusPass
	case "FAIL", "FAILED", "ERROR":
		return StatusFail
	case "COMPLETE", "COMPLETED", "DONE":
		return StatusComplete
	case "NEEDS_INPUT", "NEEDS-INPUT", "INPUT_REQUIRED":
		return StatusNeedsInput
	default:
		return StatusNeutral
	}
}

type NextAction string

const (
	ActionContinue   NextAction = "continue"
	ActionRetryStep  NextAction = "retry_step"
	ActionRetryStage NextAction = "retry_stage"
	ActionEscalate   NextAction = "escalate"
	ActionStop       NextAction = "stop"
)

func ParseNextAction(s string) NextAction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "retry_step", "retry-step", "retry":
		return ActionRetryStep
	case "retry_stage", "retry-stage":
		return ActionRetryStage
	case "escalate":
		return ActionEscalate
	case "stop", "halt":
		return ActionStop
	default:
		return ActionContinue
	}
}

type Source string

const (
	SourceJSON       Source = "json"
	SourceLegacyText Source = "legacy_text"
)

type Reason struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

// Contract is the parsed gate-result contract of one step output.
type Contract struct {
	WorkflowStatus Status     `json:"workflow_status"`
	NextAction     NextAction `json:"next_action"`
	Reasons        []Reason   `json:"reasons,omitempty"`
	Summary        string     `json:"summary,omitempty"`
	Stage          string     `json:"stage,omitempty"`
	StepRole       string     `json:"step_role,omitempty"`
	GateTarget     string     `json:"gate_target,omitempty"`
	Source         Source     `json:"source"`

	// Fields is the raw decoded JSON object when Source is json, used for
	// dotted-path gate lookups.
	Fields map[string]any `json:"-"`
}

var (
	fencedJSONRe   = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")
	statusMarkerRe = regexp.MustCompile(`(?i)WORKFLOW_STATUS:\s*([A-Z_]+)`)
	emphasisRe     = regexp.MustCompile(`[*_]{1,3}(WORKFLOW_STATUS:\s*[A-Z]+(?:_[A-Z]+)*)[*_]{1,3}`)
)

// NormalizeStatusMarkers strips markdown emphasis wrapping status markers so
// the legacy regex path sees bare WORKFLOW_STATUS lines. Parsing is stable
// under normalization.
func NormalizeStatusMarkers(text string) string {
	return emphasisRe.ReplaceAllString(text, "$1")
}

// Parse resolves a contract from model output. Resolution order: the whole
// trimmed text as a JSON object, then each fenced json block, then the first
// balanced object. A candidate must carry a recognizable status field. When
// no JSON qualifies, legacy WORKFLOW_STATUS markers are used.
func Parse(text string) *Contract {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	for _, candidate := range jsonCandidates(trimmed) {
		if c := contractFromJSON(candidate); c != nil {
			return c
		}
	}

	norm := NormalizeStatusMarkers(trimmed)
	m := statusMarkerRe.FindStringSubmatch(norm)
	if m == nil {
		return nil
	}
	status := ParseStatus(m[1])
	action := ActionContinue
	if status == StatusFail {
		action = ActionRetryStep
	}
	return &Contract{WorkflowStatus: status, NextAction: action, Source: SourceLegacyText}
}

func jsonCandidates(text string) []string {
	var out []string
	if strings.HasPrefix(text, "{") {
		out = append(out, text)
	}
	for _, m := range fencedJSONRe.FindAllStringSubmatch(text, -1) {
		out = append(out, strings.TrimSpace(m[1]))
	}
	if b := firstBalancedObject(text); b != "" {
		out = append(out, b)
	}
	return out
}

// firstBalancedObject scans for the first {...} span with balanced braces,
// ignoring braces inside JSON strings.
func firstBalancedObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func contractFromJSON(candidate string) *Contract {
	var fields map[string]any
	if err := json.Unmarshal([]byte(candidate), &fields); err != nil {
		return nil
	}
	statusRaw, ok := statusField(fields)
	if !ok {
		return nil
	}
	c := &Contract{
		WorkflowStatus: ParseStatus(statusRaw),
		NextAction:     ParseNextAction(stringField(fields, "next_action", "nextAction")),
		Summary:        stringField(fields, "summary"),
		Stage:          stringField(fields, "stage"),
		StepRole:       stringField(fields, "step_role", "stepRole"),
		GateTarget:     stringField(fields, "gate_target", "gateTarget"),
		Source:         SourceJSON,
		Fields:         fields,
	}
	if c.NextAction == ActionContinue && c.WorkflowStatus == StatusFail {
		if _, explicit := fields["next_action"]; !explicit {
			if _, explicit := fields["nextAction"]; !explicit {
				c.NextAction = ActionRetryStep
			}
		}
	}
	if raw, ok := fields["reasons"].([]any); ok {
		for _, r := range raw {
			switch v := r.(type) {
			case string:
				c.Reasons = append(c.Reasons, Reason{Code: "reason", Message: v})
			case map[string]any:
				c.Reasons = append(c.Reasons, Reason{
					Code:     stringField(v, "code"),
					Message:  stringField(v, "message"),
					Severity: stringField(v, "severity"),
				})
			}
		}
	}
	return c
}

// statusField looks for workflow_status / workflowStatus / status, matching
// keys case-insensitively.
func statusField(fields map[string]any) (string, bool) {
	for _, key := range []string{"workflow_status", "workflowStatus", "status"} {
		for k, v := range fields {
			if !strings.EqualFold(k, key) {
				continue
			}
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s, true
			}
		}
	}
	return "", false
}

func stringField(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := fields[key]; ok {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// LookupPath resolves a dotted path against a decoded JSON object. Array
// indices appear as numeric segments.
func LookupPath(fields map[string]any, path string) (any, bool) {
	var cur any = fields
	for _, seg := range strings.Split(path, ".") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil, false
		}
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx := -1
			if _, err := fmt.Sscanf(seg, "%d", &idx); err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
