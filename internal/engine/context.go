package engine

import (
	"regexp"
	"strings"

	"github.com/fyreflow/fyreflow/internal/artifact"
	"github.com/fyreflow/fyreflow/internal/flow"
)

const redactedValue = "[redacted]"

// secureKeyRe matches input keys whose values must never reach a prompt.
var secureKeyRe = regexp.MustCompile(`(?i)(token|secret|password|api[_-]?key|oauth)`)

// SecretSentinel is an input value whose secret resolution failed upstream;
// it is redacted rather than forwarded literally.
const SecretSentinel = "[secure]"

// ComposeContext renders the step's context template. Sensitive input values
// are redacted by key pattern or sentinel value.
func ComposeContext(step flow.Step, task, previousOutput string, inputs map[string]string, paths artifact.StoragePaths) string {
	tmpl := step.ContextTemplate
	if strings.TrimSpace(tmpl) == "" {
		tmpl = "Task: {{task}}\n\nPrevious step output:\n{{previous_output}}"
	}

	out := tmpl
	out = strings.ReplaceAll(out, "{{task}}", task)
	out = strings.ReplaceAll(out, "{{previous_output}}", previousOutput)
	out = strings.ReplaceAll(out, "{{shared_storage_path}}", paths.Shared)
	out = strings.ReplaceAll(out, "{{isolated_storage_path}}", paths.Isolated)
	out = strings.ReplaceAll(out, "{{run_storage_path}}", paths.Run)
	for k, v := range inputs {
		out = strings.ReplaceAll(out, "{{input."+k+"}}", redactIfSensitive(k, v))
	}
	return out
}

func redactIfSensitive(key, value string) string {
	if secureKeyRe.MatchString(key) || value == SecretSentinel {
		return redactedValue
	}
	return value
}
