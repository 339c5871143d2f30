// Package policy hosts named artifact-policy profiles and the core guards
// that apply to every step regardless of profile.
package policy

import (
	"strings"

	"github.com/fyreflow/fyreflow/internal/artifact"
	"github.com/fyreflow/fyreflow/internal/flow"
	"github.com/fyreflow/fyreflow/internal/runtime"
)

// SkipValidation is the verdict on honoring skip_if_artifacts.
type SkipValidation struct {
	OK     bool
	Reason string
}

// Profile is one named artifact policy. Hooks may be no-ops.
type Profile interface {
	ID() string

	// InferFromStep attaches the profile heuristically when the step
	// declares no policy_profile_ids.
	InferFromStep(step flow.Step) bool

	// CacheBypassInputKeys and CacheBypassPromptPatterns are merged with
	// the step's own lists.
	CacheBypassInputKeys() []string
	CacheBypassPromptPatterns() []string

	// ValidateSkipIfArtifacts decides whether cached artifacts are sound
	// enough to skip the step.
	ValidateSkipIfArtifacts(step flow.Step, snapshots map[string]artifact.Snapshot) SkipValidation

	// EvaluateArtifactContracts runs after the provider call. It may
	// repair artifacts in place; results reflect the repaired state.
	EvaluateArtifactContracts(step flow.Step, after map[string]artifact.Snapshot) []runtime.GateResult
}

// Registry maps profile ids to implementations.
type Registry struct {
	profiles map[string]Profile
	order    []string
}

func NewRegistry(profiles ...Profile) *Registry {
	r := &Registry{profiles: map[string]Profile{}}
	for _, p := range profiles {
		r.Register(p)
	}
	return r
}

// DefaultRegistry returns the built-in profile set.
func DefaultRegistry() *Registry {
	return NewRegistry(NewDesignDeckAssetsProfile())
}

func (r *Registry) Register(p Profile) {
	if _, ok := r.profiles[p.ID()]; !ok {
		r.order = append(r.order, p.ID())
	}
	r.profiles[p.ID()] = p
}

func (r *Registry) Get(id string) (Profile, bool) {
	p, ok := r.profiles[strings.TrimSpace(id)]
	return p, ok
}

// ForStep returns the profiles attached to a step: the declared ids when
// present, otherwise every profile whose InferFromStep matches.
func (r *Registry) ForStep(step flow.Step) []Profile {
	var out []Profile
	if len(step.PolicyProfileIDs) > 0 {
		for _, id := range step.PolicyProfileIDs {
			if p, ok := r.Get(id); ok {
				out = append(out, p)
			}
		}
		return out
	}
	for _, id := range r.order {
		if p := r.profiles[id]; p.InferFromStep(step) {
			out = append(out, p)
		}
	}
	return out
}

// MergedCacheBypassKeys combines the step's bypass keys with every attached
// profile's defaults, trimmed, lowercased, deduped.
func (r *Registry) MergedCacheBypassKeys(step flow.Step) []string {
	keys := append([]string{}, step.CacheBypassInputKeys...)
	for _, p := range r.ForStep(step) {
		keys = append(keys, p.CacheBypassInputKeys()...)
	}
	return dedupeLower(keys)
}

// MergedCacheBypassPatterns combines the step's orchestrator-prompt bypass
// patterns with every attached profile's defaults.
func (r *Registry) MergedCacheBypassPatterns(step flow.Step) []string {
	patterns := append([]string{}, step.CacheBypassOrchestratorPromptPatterns...)
	for _, p := range r.ForStep(step) {
		patterns = append(patterns, p.CacheBypassPromptPatterns()...)
	}
	return dedupe(patterns)
}

// ValidateSkip asks every attached profile; the first rejection wins.
func (r *Registry) ValidateSkip(step flow.Step, snapshots map[string]artifact.Snapshot) SkipValidation {
	for _, p := range r.ForStep(step) {
		if v := p.ValidateSkipIfArtifacts(step, snapshots); !v.OK {
			return v
		}
	}
	return SkipValidation{OK: true}
}

// EvaluateContracts collects post-execution contract results from every
// attached profile.
func (r *Registry) EvaluateContracts(step flow.Step, after map[string]artifact.Snapshot) []runtime.GateResult {
	var out []runtime.GateResult
	for _, p := range r.ForStep(step) {
		out = append(out, p.EvaluateArtifactContracts(step, after)...)
	}
	return out
}

func dedupe(parts []string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func dedupeLower(parts []string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, p := range parts {
		s := strings.ToLower(strings.TrimSpace(p))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
