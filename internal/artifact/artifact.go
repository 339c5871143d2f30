// Package artifact resolves storage templates to on-disk paths and captures
// size/mtime snapshots for freshness and immutability checks.
package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DisabledPath marks a storage root whose mode is switched off for the step.
const DisabledPath = "DISABLED"

// StoragePaths are the three roots a step may reference. A root set to
// DisabledPath is never probed.
type StoragePaths struct {
	Shared   string `json:"shared"`
	Isolated string `json:"isolated"`
	Run      string `json:"run"`
}

// Resolution is the outcome of resolving one template.
type Resolution struct {
	Template        string    `json:"template"`
	CandidatePaths  []string  `json:"candidate_paths"`
	FoundPath       string    `json:"found_path,omitempty"`
	Exists          bool      `json:"exists"`
	SizeBytes       int64     `json:"size_bytes,omitempty"`
	ModTime         time.Time `json:"mtime,omitempty"`
	DisabledStorage bool      `json:"disabled_storage"`
}

// Resolve expands a template against the storage roots and inputs, probes
// candidates shared-first, and reports the first existing path. Templates
// that reference a disabled root resolve with DisabledStorage set and no
// filesystem probe.
func Resolve(template string, paths StoragePaths, inputs map[string]string) Resolution {
	res := Resolution{Template: template}
	t := strings.TrimSpace(template)
	if t == "" {
		return res
	}

	t = substituteInputs(t, inputs)

	switch {
	case strings.Contains(t, "{{shared_storage_path}}"):
		if paths.Shared == DisabledPath || paths.Shared == "" {
			res.DisabledStorage = true
			return res
		}
		res.CandidatePaths = []string{expand(t, "{{shared_storage_path}}", paths.Shared)}
	case strings.Contains(t, "{{isolated_storage_path}}"):
		if paths.Isolated == DisabledPath || paths.Isolated == "" {
			res.DisabledStorage = true
			return res
		}
		res.CandidatePaths = []string{expand(t, "{{isolated_storage_path}}", paths.Isolated)}
	case strings.Contains(t, "{{run_storage_path}}"):
		if paths.Run == DisabledPath || paths.Run == "" {
			res.DisabledStorage = true
			return res
		}
		res.CandidatePaths = []string{expand(t, "{{run_storage_path}}", paths.Run)}
	case filepath.IsAbs(t):
		res.CandidatePaths = []string{filepath.Clean(t)}
	default:
		// Bare relative templates probe every enabled root, shared first.
		for _, root := range []string{paths.Shared, paths.Isolated, paths.Run} {
			if root == "" || root == DisabledPath {
				continue
			}
			res.CandidatePaths = append(res.CandidatePaths, filepath.Join(root, t))
		}
		if len(res.CandidatePaths) == 0 {
			res.DisabledStorage = true
			return res
		}
	}

	for _, p := range res.CandidatePaths {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		res.FoundPath = p
		res.Exists = true
		res.SizeBytes = info.Size()
		res.ModTime = info.ModTime()
		break
	}
	return res
}

func expand(t, placeholder, root string) string {
	return filepath.Clean(strings.ReplaceAll(t, placeholder, root))
}

func substituteInputs(t string, inputs map[string]string) string {
	if !strings.Contains(t, "{{input.") {
		return t
	}
	for k, v := range inputs {
		t = strings.ReplaceAll(t, "{{input."+k+"}}", v)
	}
	return t
}

// Snapshot is the observed state of one template at a point in time.
type Snapshot struct {
	Template  string    `json:"template"`
	Path      string    `json:"path,omitempty"`
	Exists    bool      `json:"exists"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	ModTime   time.Time `json:"mtime,omitempty"`
	Disabled  bool      `json:"disabled,omitempty"`
}

// TakeSnapshots resolves each template once and records what was found.
func TakeSnapshots(templates []string, paths StoragePaths, inputs map[string]string) map[string]Snapshot {
	out := make(map[string]Snapshot, len(templates))
	for _, t := range templates {
		if _, ok := out[t]; ok {
			continue
		}
		r := Resolve(t, paths, inputs)
		out[t] = Snapshot{
			Template:  t,
			Path:      r.FoundPath,
			Exists:    r.Exists,
			SizeBytes: r.SizeBytes,
			ModTime:   r.ModTime,
			Disabled:  r.DisabledStorage,
		}
	}
	return out
}

// Changed reports whether an artifact differs between two snapshots, by
// existence, size, or mtime.
func Changed(before, after Snapshot) bool {
	if before.Exists != after.Exists {
		return true
	}
	if !after.Exists {
		return false
	}
	return before.SizeBytes != after.SizeBytes || !before.ModTime.Equal(after.ModTime)
}
