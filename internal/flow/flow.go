// Package flow defines the declarative pipeline document: steps, links,
// runtime limits, and quality gates. Flows are immutable per run; the
// engine operates on a snapshot taken at run creation.
package flow

import (
	"encoding/json"
	"fmt"
	"strings"
)

type StepRole string

const (
	RoleAnalysis     StepRole = "analysis"
	RolePlanner      StepRole = "planner"
	RoleOrchestrator StepRole = "orchestrator"
	RoleExecutor     StepRole = "executor"
	RoleTester       StepRole = "tester"
	RoleReview       StepRole = "review"
)

// ParseStepRole is tolerant: unknown roles normalize to executor rather than
// erroring, so older flow files keep loading.
func ParseStepRole(s string) StepRole {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "analysis", "extractor":
		return RoleAnalysis
	case "planner":
		return RolePlanner
	case "orchestrator":
		return RoleOrchestrator
	case "tester":
		return RoleTester
	case "review", "reviewer":
		return RoleReview
	default:
		return RoleExecutor
	}
}

type OutputFormat string

const (
	OutputMarkdown OutputFormat = "markdown"
	OutputJSON     OutputFormat = "json"
)

type LinkCondition string

const (
	CondAlways LinkCondition = "always"
	CondOnPass LinkCondition = "on_pass"
	CondOnFail LinkCondition = "on_fail"
)

func ParseLinkCondition(s string) LinkCondition {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on_pass", "pass":
		return CondOnPass
	case "on_fail", "fail":
		return CondOnFail
	default:
		// Empty strings coerce to defaults.
		return CondAlways
	}
}

type GateKind string

const (
	GateRegexMustMatch    GateKind = "regex_must_match"
	GateRegexMustNotMatch GateKind = "regex_must_not_match"
	GateJSONFieldExists   GateKind = "json_field_exists"
	GateArtifactExists    GateKind = "artifact_exists"
	GateManualApproval    GateKind = "manual_approval"
)

func (k GateKind) Valid() bool {
	switch k {
	case GateRegexMustMatch, GateRegexMustNotMatch, GateJSONFieldExists, GateArtifactExists, GateManualApproval:
		return true
	default:
		return false
	}
}

// AnyStepTarget is the sentinel target that applies a gate to every step.
const AnyStepTarget = "any_step"

type Step struct {
	ID              string       `json:"id" yaml:"id"`
	Name            string       `json:"name" yaml:"name"`
	Role            StepRole     `json:"role" yaml:"role"`
	Prompt          string       `json:"prompt" yaml:"prompt"`
	ProviderID      string       `json:"provider_id" yaml:"provider_id"`
	Model           string       `json:"model,omitempty" yaml:"model,omitempty"`
	ReasoningEffort string       `json:"reasoning_effort,omitempty" yaml:"reasoning_effort,omitempty"`
	ContextTemplate string       `json:"context_template,omitempty" yaml:"context_template,omitempty"`
	OutputFormat    OutputFormat `json:"output_format,omitempty" yaml:"output_format,omitempty"`

	RequiredOutputFields []string `json:"required_output_fields,omitempty" yaml:"required_output_fields,omitempty"`
	RequiredOutputFiles  []string `json:"required_output_files,omitempty" yaml:"required_output_files,omitempty"`
	SkipIfArtifacts      []string `json:"skip_if_artifacts,omitempty" yaml:"skip_if_artifacts,omitempty"`
	Scenarios            []string `json:"scenarios,omitempty" yaml:"scenarios,omitempty"`
	PolicyProfileIDs     []string `json:"policy_profile_ids,omitempty" yaml:"policy_profile_ids,omitempty"`

	CacheBypassInputKeys                  []string `json:"cache_bypass_input_keys,omitempty" yaml:"cache_bypass_input_keys,omitempty"`
	CacheBypassOrchestratorPromptPatterns []string `json:"cache_bypass_orchestrator_prompt_patterns,omitempty" yaml:"cache_bypass_orchestrator_prompt_patterns,omitempty"`

	FastMode              bool     `json:"fast_mode,omitempty" yaml:"fast_mode,omitempty"`
	Use1MContext          bool     `json:"use_1m_context,omitempty" yaml:"use_1m_context,omitempty"`
	ContextWindowTokens   int      `json:"context_window_tokens,omitempty" yaml:"context_window_tokens,omitempty"`
	EnableIsolatedStorage bool     `json:"enable_isolated_storage,omitempty" yaml:"enable_isolated_storage,omitempty"`
	EnableSharedStorage   bool     `json:"enable_shared_storage,omitempty" yaml:"enable_shared_storage,omitempty"`
	EnabledMCPServerIDs   []string `json:"enabled_mcp_server_ids,omitempty" yaml:"enabled_mcp_server_ids,omitempty"`
	EnableDelegation      bool     `json:"enable_delegation,omitempty" yaml:"enable_delegation,omitempty"`
	DelegationCount       int      `json:"delegation_count,omitempty" yaml:"delegation_count,omitempty"`
}

type Link struct {
	SourceStepID string        `json:"source_step_id" yaml:"source_step_id"`
	TargetStepID string        `json:"target_step_id" yaml:"target_step_id"`
	Condition    LinkCondition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Runtime bounds for a run. The normalizer clamps these into the documented
// ranges: max_loops in [0,12], max_step_executions in [4,120],
// stage_timeout_ms in [10s, 5h].
type Runtime struct {
	MaxLoops          int `json:"max_loops" yaml:"max_loops"`
	MaxStepExecutions int `json:"max_step_executions" yaml:"max_step_executions"`
	StageTimeoutMS    int `json:"stage_timeout_ms" yaml:"stage_timeout_ms"`
}

const (
	MinMaxLoops          = 0
	MaxMaxLoops          = 12
	MinMaxStepExecutions = 4
	MaxMaxStepExecutions = 120
	MinStageTimeoutMS    = 10_000
	MaxStageTimeoutMS    = 18_000_000
)

type QualityGate struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	TargetStepID string   `json:"target_step_id,omitempty" yaml:"target_step_id,omitempty"`
	Kind         GateKind `json:"kind" yaml:"kind"`
	Blocking     bool     `json:"blocking" yaml:"blocking"`
	Pattern      string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Flags        string   `json:"flags,omitempty" yaml:"flags,omitempty"`
	JSONPath     string   `json:"json_path,omitempty" yaml:"json_path,omitempty"`
	ArtifactPath string   `json:"artifact_path,omitempty" yaml:"artifact_path,omitempty"`
	Message      string   `json:"message,omitempty" yaml:"message,omitempty"`
}

// Flow is the persistent shape of a pipeline. Unknown fields on the outer
// object are preserved across load/store round-trips; unknown fields on
// steps, links, and gates are dropped.
type Flow struct {
	ID           string        `json:"id" yaml:"id"`
	Name         string        `json:"name" yaml:"name"`
	Steps        []Step        `json:"steps" yaml:"steps"`
	Links        []Link        `json:"links,omitempty" yaml:"links,omitempty"`
	Runtime      Runtime       `json:"runtime" yaml:"runtime"`
	QualityGates []QualityGate `json:"quality_gates,omitempty" yaml:"quality_gates,omitempty"`

	// Extra holds unknown top-level fields, round-tripped verbatim.
	Extra map[string]json.RawMessage `json:"-" yaml:"-"`
}

var knownFlowKeys = map[string]bool{
	"id": true, "name": true, "steps": true, "links": true,
	"runtime": true, "quality_gates": true,
}

func (f *Flow) UnmarshalJSON(b []byte) error {
	type alias Flow
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownFlowKeys[k] {
			delete(raw, k)
		}
	}
	*f = Flow(a)
	if len(raw) > 0 {
		f.Extra = raw
	}
	return nil
}

func (f Flow) MarshalJSON() ([]byte, error) {
	type alias Flow
	b, err := json.Marshal(alias(f))
	if err != nil {
		return nil, err
	}
	if len(f.Extra) == 0 {
		return b, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range f.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Step returns the step with the given id, or nil.
func (f *Flow) Step(id string) *Step {
	for i := range f.Steps {
		if f.Steps[i].ID == id {
			return &f.Steps[i]
		}
	}
	return nil
}

// Outgoing returns links leaving the given step, in declaration order.
func (f *Flow) Outgoing(stepID string) []Link {
	var out []Link
	for _, l := range f.Links {
		if l.SourceStepID == stepID {
			out = append(out, l)
		}
	}
	return out
}

// Incoming returns links arriving at the given step, in declaration order.
func (f *Flow) Incoming(stepID string) []Link {
	var in []Link
	for _, l := range f.Links {
		if l.TargetStepID == stepID {
			in = append(in, l)
		}
	}
	return in
}

// EntryStep picks the first step with no incoming edges, in declaration
// order. If the flow is fully cyclic (no zero-in-degree step), it returns the
// first step and cycleBootstrap=true.
func (f *Flow) EntryStep() (stepID string, cycleBootstrap bool) {
	if len(f.Steps) == 0 {
		return "", false
	}
	for _, s := range f.Steps {
		if len(f.Incoming(s.ID)) == 0 {
			return s.ID, false
		}
	}
	return f.Steps[0].ID, true
}

func (f *Flow) Clone() *Flow {
	b, err := json.Marshal(f)
	if err != nil {
		return nil
	}
	var out Flow
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return &out
}

func (f *Flow) String() string {
	return fmt.Sprintf("flow %s (%d steps, %d links)", f.ID, len(f.Steps), len(f.Links))
}
