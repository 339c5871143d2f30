package flow

import "strings"

// ResolveDeliveryStep returns the id of the step eligible to emit COMPLETE:
// the last terminal executor in flow order; else the last terminal step; else
// the last executor; else the final step. Empty flows resolve to "".
//
// A terminal step is one with no outgoing links.
func ResolveDeliveryStep(f *Flow) string {
	if f == nil || len(f.Steps) == 0 {
		return ""
	}

	lastTerminalExecutor := ""
	lastTerminal := ""
	lastExecutor := ""
	for _, s := range f.Steps {
		terminal := len(f.Outgoing(s.ID)) == 0
		if terminal {
			lastTerminal = s.ID
			if s.Role == RoleExecutor {
				lastTerminalExecutor = s.ID
			}
		}
		if s.Role == RoleExecutor {
			lastExecutor = s.ID
		}
	}
	if lastTerminalExecutor != "" {
		return lastTerminalExecutor
	}
	if lastTerminal != "" {
		return lastTerminal
	}
	if lastExecutor != "" {
		return lastExecutor
	}
	return f.Steps[len(f.Steps)-1].ID
}

// RetargetCompletionGates rewrites delivery-completion gates onto the
// resolved delivery step. A completion gate is a regex_must_match gate whose
// pattern mentions both "workflow_status" and "complete" (case-insensitive).
// Gates targeting any_step or a non-terminal step are retargeted; the pass is
// idempotent.
func RetargetCompletionGates(f *Flow) {
	if f == nil {
		return
	}
	delivery := ResolveDeliveryStep(f)
	if delivery == "" {
		return
	}
	for i := range f.QualityGates {
		g := &f.QualityGates[i]
		if g.Kind != GateRegexMustMatch || !isCompletionPattern(g.Pattern) {
			continue
		}
		if g.TargetStepID == delivery {
			continue
		}
		if g.TargetStepID == AnyStepTarget || !isTerminalStep(f, g.TargetStepID) {
			g.TargetStepID = delivery
		}
	}
}

func isCompletionPattern(pattern string) bool {
	p := strings.ToLower(pattern)
	return strings.Contains(p, "workflow_status") && strings.Contains(p, "complete")
}

func isTerminalStep(f *Flow, stepID string) bool {
	if f.Step(stepID) == nil {
		return false
	}
	return len(f.Outgoing(stepID)) == 0
}
