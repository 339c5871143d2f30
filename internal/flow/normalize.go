package flow

import "strings"

// Normalize coerces a flow into canonical form in place and returns it.
// Normalization is idempotent: Normalize(Normalize(f)) == Normalize(f).
func Normalize(f *Flow) *Flow {
	if f == nil {
		return nil
	}
	f.ID = strings.TrimSpace(f.ID)
	f.Name = strings.TrimSpace(f.Name)

	for i := range f.Steps {
		s := &f.Steps[i]
		s.ID = strings.TrimSpace(s.ID)
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			s.Name = s.ID
		}
		s.Role = ParseStepRole(string(s.Role))
		s.ProviderID = strings.TrimSpace(s.ProviderID)
		if s.OutputFormat != OutputJSON {
			s.OutputFormat = OutputMarkdown
		}
		s.RequiredOutputFields = trimNonEmpty(s.RequiredOutputFields)
		s.RequiredOutputFiles = trimNonEmpty(s.RequiredOutputFiles)
		s.SkipIfArtifacts = trimNonEmpty(s.SkipIfArtifacts)
		s.Scenarios = trimNonEmpty(s.Scenarios)
		s.PolicyProfileIDs = trimNonEmpty(s.PolicyProfileIDs)
		s.CacheBypassInputKeys = lowerTrimDedupe(s.CacheBypassInputKeys)
		s.CacheBypassOrchestratorPromptPatterns = trimNonEmpty(s.CacheBypassOrchestratorPromptPatterns)
		s.EnabledMCPServerIDs = trimNonEmpty(s.EnabledMCPServerIDs)
		if s.DelegationCount < 0 {
			s.DelegationCount = 0
		}
	}

	for i := range f.Links {
		l := &f.Links[i]
		l.SourceStepID = strings.TrimSpace(l.SourceStepID)
		l.TargetStepID = strings.TrimSpace(l.TargetStepID)
		l.Condition = ParseLinkCondition(string(l.Condition))
	}

	for i := range f.QualityGates {
		g := &f.QualityGates[i]
		g.ID = strings.TrimSpace(g.ID)
		g.Name = strings.TrimSpace(g.Name)
		if g.Name == "" {
			g.Name = g.ID
		}
		g.TargetStepID = strings.TrimSpace(g.TargetStepID)
		if g.TargetStepID == "" {
			g.TargetStepID = AnyStepTarget
		}
	}

	f.Runtime = clampRuntime(f.Runtime)
	return f
}

func clampRuntime(r Runtime) Runtime {
	if r.MaxLoops < MinMaxLoops {
		r.MaxLoops = MinMaxLoops
	}
	if r.MaxLoops > MaxMaxLoops {
		r.MaxLoops = MaxMaxLoops
	}
	if r.MaxStepExecutions < MinMaxStepExecutions {
		r.MaxStepExecutions = MinMaxStepExecutions
	}
	if r.MaxStepExecutions > MaxMaxStepExecutions {
		r.MaxStepExecutions = MaxMaxStepExecutions
	}
	// Each step must be allowed to exhaust its own loop budget.
	if r.MaxStepExecutions < r.MaxLoops+1 {
		r.MaxStepExecutions = r.MaxLoops + 1
	}
	if r.StageTimeoutMS < MinStageTimeoutMS {
		r.StageTimeoutMS = MinStageTimeoutMS
	}
	if r.StageTimeoutMS > MaxStageTimeoutMS {
		r.StageTimeoutMS = MaxStageTimeoutMS
	}
	return r
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func lowerTrimDedupe(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
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
	if len(out) == 0 {
		return nil
	}
	return out
}
