package policy

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fyreflow/fyreflow/internal/artifact"
	"github.com/fyreflow/fyreflow/internal/flow"
	"github.com/fyreflow/fyreflow/internal/runtime"
)

const (
	frameMapName      = "frame-map.json"
	assetsManifestName = "assets-manifest.json"

	minFrameMapBytes    = 256
	maxManifestBytes    = 8 << 20
)

var inlineImageRe = regexp.MustCompile(`data:image/(png|jpe?g|gif|webp|svg\+xml);base64,([A-Za-z0-9+/=]+)`)

// DesignDeckAssetsProfile enforces the deck-synthesis artifact contract:
// a substantive frame map and a file-backed assets manifest.
type DesignDeckAssetsProfile struct{}

func NewDesignDeckAssetsProfile() *DesignDeckAssetsProfile { return &DesignDeckAssetsProfile{} }

func (p *DesignDeckAssetsProfile) ID() string { return "design_deck_assets" }

// InferFromStep attaches when the step works with deck artifacts.
func (p *DesignDeckAssetsProfile) InferFromStep(step flow.Step) bool {
	for _, t := range step.RequiredOutputFiles {
		if strings.Contains(t, frameMapName) || strings.Contains(t, assetsManifestName) {
			return true
		}
	}
	for _, t := range step.SkipIfArtifacts {
		if strings.Contains(t, frameMapName) || strings.Contains(t, assetsManifestName) {
			return true
		}
	}
	return false
}

func (p *DesignDeckAssetsProfile) CacheBypassInputKeys() []string {
	return []string{"deck_template", "frame_source"}
}

func (p *DesignDeckAssetsProfile) CacheBypassPromptPatterns() []string {
	return []string{`(?i)rebuild\s+(the\s+)?deck`, `(?i)regenerate\s+(all\s+)?frames`}
}

// ValidateSkipIfArtifacts refuses to skip on a degenerate frame map or a
// manifest that smuggles inline image payloads.
func (p *DesignDeckAssetsProfile) ValidateSkipIfArtifacts(step flow.Step, snapshots map[string]artifact.Snapshot) SkipValidation {
	for tmpl, snap := range snapshots {
		if !snap.Exists {
			continue
		}
		switch {
		case strings.Contains(tmpl, frameMapName):
			if snap.SizeBytes < minFrameMapBytes {
				return SkipValidation{Reason: fmt.Sprintf("%s is %d bytes, below the %d byte minimum", frameMapName, snap.SizeBytes, minFrameMapBytes)}
			}
			if n, err := frameCount(snap.Path); err != nil {
				return SkipValidation{Reason: frameMapName + " is not parseable: " + err.Error()}
			} else if n == 0 {
				return SkipValidation{Reason: frameMapName + " declares zero frames"}
			}
		case strings.Contains(tmpl, assetsManifestName):
			if snap.SizeBytes > maxManifestBytes {
				return SkipValidation{Reason: fmt.Sprintf("%s is %d bytes, above the %d byte cap", assetsManifestName, snap.SizeBytes, maxManifestBytes)}
			}
			b, err := os.ReadFile(snap.Path)
			if err != nil {
				return SkipValidation{Reason: assetsManifestName + " unreadable: " + err.Error()}
			}
			if inlineImageRe.Match(b) {
				return SkipValidation{Reason: assetsManifestName + " carries inline data:image payloads"}
			}
			if !strings.Contains(string(b), "assets/frame-") {
				return SkipValidation{Reason: assetsManifestName + " references no reusable assets/frame-* files"}
			}
		}
	}
	return SkipValidation{OK: true}
}

// EvaluateArtifactContracts checks the post-execution manifest. Inline
// base64 images are repaired into file-backed assets before judging, so a
// fixable manifest still passes.
func (p *DesignDeckAssetsProfile) EvaluateArtifactContracts(step flow.Step, after map[string]artifact.Snapshot) []runtime.GateResult {
	var results []runtime.GateResult
	for tmpl, snap := range after {
		if !snap.Exists || !strings.Contains(tmpl, assetsManifestName) {
			continue
		}

		repaired, err := repairInlineAssets(snap.Path)
		if err != nil {
			results = append(results, runtime.GateResult{
				GateID:   "policy:" + p.ID() + ":inline_assets",
				GateName: "Assets manifest inline payloads",
				Kind:     "artifact_contract",
				Status:   runtime.GateFail,
				Blocking: true,
				Message:  "manifest carries inline data:image payloads that could not be repaired",
				Details:  err.Error(),
			})
			continue
		}

		info, statErr := os.Stat(snap.Path)
		if statErr != nil {
			results = append(results, runtime.GateResult{
				GateID:   "policy:" + p.ID() + ":manifest",
				GateName: "Assets manifest",
				Kind:     "artifact_contract",
				Status:   runtime.GateFail,
				Blocking: true,
				Message:  "manifest disappeared after execution",
				Details:  statErr.Error(),
			})
			continue
		}
		if info.Size() > maxManifestBytes {
			results = append(results, runtime.GateResult{
				GateID:   "policy:" + p.ID() + ":manifest_size",
				GateName: "Assets manifest size",
				Kind:     "artifact_contract",
				Status:   runtime.GateFail,
				Blocking: true,
				Message:  fmt.Sprintf("manifest is %d bytes, above the %d byte cap", info.Size(), maxManifestBytes),
			})
			continue
		}

		msg := "manifest is file-backed and within limits"
		if repaired > 0 {
			msg = fmt.Sprintf("rewrote %d inline payloads into file-backed assets", repaired)
		}
		results = append(results, runtime.GateResult{
			GateID:   "policy:" + p.ID() + ":manifest",
			GateName: "Assets manifest",
			Kind:     "artifact_contract",
			Status:   runtime.GatePass,
			Blocking: true,
			Message:  msg,
		})
	}
	return results
}

func frameCount(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return 0, err
	}
	if frames, ok := doc["frames"].([]any); ok {
		return len(frames), nil
	}
	if n, ok := doc["frame_count"].(float64); ok {
		return int(n), nil
	}
	return 0, fmt.Errorf("no frames array or frame_count field")
}

// repairInlineAssets rewrites data:image payloads in the manifest into files
// under an assets/ directory next to the manifest, returning how many were
// extracted.
func repairInlineAssets(manifestPath string) (int, error) {
	b, err := os.ReadFile(manifestPath)
	if err != nil {
		return 0, err
	}
	matches := inlineImageRe.FindAllSubmatchIndex(b, -1)
	if len(matches) == 0 {
		return 0, nil
	}

	assetsDir := filepath.Join(filepath.Dir(manifestPath), "assets")
	if err := os.MkdirAll(assetsDir, 0o755); err != nil {
		return 0, err
	}

	out := b
	count := 0
	// Replace back-to-front so earlier indices stay valid.
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		mime := string(b[m[2]:m[3]])
		payload := string(b[m[4]:m[5]])
		raw, decErr := base64.StdEncoding.DecodeString(payload)
		if decErr != nil {
			return 0, fmt.Errorf("payload %d: %w", i, decErr)
		}
		ext := mime
		switch mime {
		case "svg+xml":
			ext = "svg"
		case "jpeg":
			ext = "jpg"
		}
		name := fmt.Sprintf("frame-inline-%03d.%s", i, ext)
		if err := os.WriteFile(filepath.Join(assetsDir, name), raw, 0o644); err != nil {
			return 0, err
		}
		out = append(out[:m[0]], append([]byte("assets/"+name), out[m[1]:]...)...)
		count++
	}
	if err := os.WriteFile(manifestPath, out, 0o644); err != nil {
		return 0, err
	}
	return count, nil
}
