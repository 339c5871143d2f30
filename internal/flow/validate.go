package flow

import (
	"fmt"
	"strings"
)

// FieldError is a single validation failure, addressable by a dotted path
// into the offending document.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate checks referential integrity and uniqueness on a normalized flow.
// It returns all failures rather than stopping at the first.
func Validate(f *Flow) []FieldError {
	var errs []FieldError
	add := func(path, format string, args ...any) {
		errs = append(errs, FieldError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if f == nil {
		return []FieldError{{Path: "", Message: "flow is required"}}
	}
	if strings.TrimSpace(f.ID) == "" {
		add("id", "id is required")
	}
	if len(f.Steps) == 0 {
		add("steps", "at least one step is required")
	}

	ids := map[string]bool{}
	for i, s := range f.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if s.ID == "" {
			add(path+".id", "step id is required")
			continue
		}
		if ids[s.ID] {
			add(path+".id", "duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
		if strings.TrimSpace(s.Prompt) == "" {
			add(path+".prompt", "prompt is required")
		}
		if s.ProviderID == "" {
			add(path+".provider_id", "provider_id is required")
		}
	}

	for i, l := range f.Links {
		path := fmt.Sprintf("links[%d]", i)
		if !ids[l.SourceStepID] {
			add(path+".source_step_id", "unknown step %q", l.SourceStepID)
		}
		if !ids[l.TargetStepID] {
			add(path+".target_step_id", "unknown step %q", l.TargetStepID)
		}
	}

	// At most one always edge used in routing per (source, outcome) pair.
	// Extra always edges are legal fan-out; flag only exact duplicates.
	type edgeKey struct {
		src, dst string
		cond     LinkCondition
	}
	seenEdges := map[edgeKey]bool{}
	for i, l := range f.Links {
		k := edgeKey{l.SourceStepID, l.TargetStepID, l.Condition}
		if seenEdges[k] {
			add(fmt.Sprintf("links[%d]", i), "duplicate link %s -> %s (%s)", l.SourceStepID, l.TargetStepID, l.Condition)
		}
		seenEdges[k] = true
	}

	gateIDs := map[string]bool{}
	for i, g := range f.QualityGates {
		path := fmt.Sprintf("quality_gates[%d]", i)
		if g.ID == "" {
			add(path+".id", "gate id is required")
		} else if gateIDs[g.ID] {
			add(path+".id", "duplicate gate id %q", g.ID)
		}
		gateIDs[g.ID] = true
		if !g.Kind.Valid() {
			add(path+".kind", "unknown gate kind %q", g.Kind)
		}
		if g.TargetStepID != AnyStepTarget && !ids[g.TargetStepID] {
			add(path+".target_step_id", "unknown step %q", g.TargetStepID)
		}
		switch g.Kind {
		case GateRegexMustMatch, GateRegexMustNotMatch:
			if strings.TrimSpace(g.Pattern) == "" {
				add(path+".pattern", "pattern is required for %s", g.Kind)
			}
		case GateJSONFieldExists:
			if strings.TrimSpace(g.JSONPath) == "" {
				add(path+".json_path", "json_path is required for %s", g.Kind)
			}
		case GateArtifactExists:
			if strings.TrimSpace(g.ArtifactPath) == "" {
				add(path+".artifact_path", "artifact_path is required for %s", g.Kind)
			}
		}
	}

	return errs
}
