package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fyreflow/fyreflow/internal/artifact"
	"github.com/fyreflow/fyreflow/internal/flow"
	"github.com/fyreflow/fyreflow/internal/runtime"
)

var helperScriptPatterns = []string{"**/*.py", "**/*.sh", "**/*.js", "**/*.ts"}

// HelperScriptInventory lists the script files currently present under the
// step's storage roots. Taken before the provider call so the guard can tell
// new scripts from ones earlier steps legitimately left behind.
func HelperScriptInventory(paths artifact.StoragePaths) map[string]bool {
	out := map[string]bool{}
	for _, root := range []string{paths.Shared, paths.Isolated} {
		if root == "" || root == artifact.DisabledPath {
			continue
		}
		fsys := os.DirFS(root)
		for _, pattern := range helperScriptPatterns {
			matches, err := doublestar.Glob(fsys, pattern)
			if err != nil {
				continue
			}
			for _, m := range matches {
				out[filepath.Clean(filepath.Join(root, m))] = true
			}
		}
	}
	return out
}

// UnexpectedHelperScripts blocks a step that dropped undeclared scripts into
// shared or isolated storage during this attempt. Scripts named in
// required_output_files and scripts present before the call are legitimate.
func UnexpectedHelperScripts(step flow.Step, paths artifact.StoragePaths, inputs map[string]string, preexisting map[string]bool) []runtime.GateResult {
	declared := map[string]bool{}
	for _, tmpl := range step.RequiredOutputFiles {
		r := artifact.Resolve(tmpl, paths, inputs)
		for _, c := range r.CandidatePaths {
			declared[filepath.Clean(c)] = true
		}
	}

	var offenders []string
	for full := range HelperScriptInventory(paths) {
		if !declared[full] && !preexisting[full] {
			offenders = append(offenders, full)
		}
	}
	sort.Strings(offenders)
	if len(offenders) == 0 {
		return nil
	}
	return []runtime.GateResult{{
		GateID:   "guard:" + step.ID + ":helper_scripts",
		GateName: "Unexpected helper scripts",
		Kind:     "core_guard",
		Status:   runtime.GateFail,
		Blocking: true,
		Message:  fmt.Sprintf("%d undeclared script(s) appeared in storage", len(offenders)),
		Details:  strings.Join(offenders, ", "),
	}}
}

// MonitoredTemplates returns the templates owned by upstream analysis steps
// that a downstream step must not mutate.
func MonitoredTemplates(f *flow.Flow, step flow.Step) []string {
	var out []string
	seen := map[string]bool{}
	for _, other := range f.Steps {
		if other.ID == step.ID || other.Role != flow.RoleAnalysis {
			continue
		}
		for _, tmpl := range other.RequiredOutputFiles {
			if !seen[tmpl] {
				seen[tmpl] = true
				out = append(out, tmpl)
			}
		}
	}
	return out
}

// ImmutableArtifactViolations blocks a non-owner step that changed an
// upstream-owned template between snapshots.
func ImmutableArtifactViolations(step flow.Step, monitored []string, before, after map[string]artifact.Snapshot) []runtime.GateResult {
	owned := map[string]bool{}
	for _, tmpl := range step.RequiredOutputFiles {
		owned[tmpl] = true
	}

	var results []runtime.GateResult
	for _, tmpl := range monitored {
		if owned[tmpl] {
			continue
		}
		b, okB := before[tmpl]
		a, okA := after[tmpl]
		if !okB || !okA || !b.Exists {
			continue
		}
		if artifact.Changed(b, a) {
			results = append(results, runtime.GateResult{
				GateID:   "guard:" + step.ID + ":immutable:" + tmpl,
				GateName: "Immutable artifact",
				Kind:     "core_guard",
				Status:   runtime.GateFail,
				Blocking: true,
				Message:  fmt.Sprintf("step mutated %q, which is owned by an upstream analysis step", tmpl),
			})
		}
	}
	return results
}

// RequiredArtifactFreshness compares before/after snapshots of the step's
// required_output_files. Absent after the call blocks; present but unchanged
// passes only when it already existed (already up-to-date).
func RequiredArtifactFreshness(step flow.Step, before, after map[string]artifact.Snapshot) []runtime.GateResult {
	var results []runtime.GateResult
	for _, tmpl := range step.RequiredOutputFiles {
		b := before[tmpl]
		a := after[tmpl]
		res := runtime.GateResult{
			GateID:   "guard:" + step.ID + ":freshness:" + tmpl,
			GateName: "Required artifact freshness",
			Kind:     "core_guard",
			Blocking: true,
		}
		switch {
		case !a.Exists:
			res.Status = runtime.GateFail
			res.Message = fmt.Sprintf("required artifact %q absent after execution", tmpl)
			if a.Disabled {
				res.Details = "storage root for this template is disabled on the step"
			}
		case artifact.Changed(b, a):
			res.Status = runtime.GatePass
			res.Message = fmt.Sprintf("artifact %q was written this attempt", tmpl)
		case b.Exists:
			res.Status = runtime.GatePass
			res.Message = fmt.Sprintf("artifact %q already up-to-date", tmpl)
		default:
			res.Status = runtime.GateFail
			res.Message = fmt.Sprintf("artifact %q unchanged and was not present before", tmpl)
		}
		results = append(results, res)
	}
	return results
}
