package engine

import (
	"fmt"

	"github.com/zeebo/blake3"
)

// ProgressFunc receives structured scheduler events for machine consumers.
// Run logs stay human-readable; these carry the same milestones as data.
type ProgressFunc func(event string, fields map[string]any)

func (s *Scheduler) progress(event string, fields map[string]any) {
	if s.Progress == nil {
		return
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["event"] = event
	s.Progress(event, fields)
}

// failureSignature condenses a step's blocking failure so an unchanged
// failure can be spotted across attempts.
func failureSignature(stepID, summary string) string {
	h := blake3.New()
	fmt.Fprintf(h, "%s|%s", stepID, summary)
	return fmt.Sprintf("%x", h.Sum(nil)[:8])
}
