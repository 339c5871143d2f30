package policy

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fyreflow/fyreflow/internal/artifact"
	"github.com/fyreflow/fyreflow/internal/flow"
	"github.com/fyreflow/fyreflow/internal/runtime"
)

func deckStep() flow.Step {
	return flow.Step{
		ID:   "extract",
		Role: flow.RoleAnalysis,
		RequiredOutputFiles: []string{
			"{{shared_storage_path}}/frame-map.json",
			"{{shared_storage_path}}/assets-manifest.json",
		},
	}
}

func TestRegistryInference(t *testing.T) {
	r := DefaultRegistry()

	if got := r.ForStep(deckStep()); len(got) != 1 || got[0].ID() != "design_deck_assets" {
		t.Fatalf("inference failed: %v", got)
	}
	if got := r.ForStep(flow.Step{ID: "plain"}); len(got) != 0 {
		t.Errorf("profile attached to unrelated step: %v", got)
	}

	explicit := flow.Step{ID: "s", PolicyProfileIDs: []string{"design_deck_assets"}}
	if got := r.ForStep(explicit); len(got) != 1 {
		t.Errorf("explicit attachment failed: %v", got)
	}
}

func TestMergedCacheBypassKeys(t *testing.T) {
	r := DefaultRegistry()
	step := deckStep()
	step.CacheBypassInputKeys = []string{"Deck_Template", "custom_key"}
	keys := r.MergedCacheBypassKeys(step)

	want := map[string]bool{"deck_template": true, "custom_key": true, "frame_source": true}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v", keys)
	}
	for _, k := range keys {
		if !want[k] {
			t.Errorf("unexpected key %q", k)
		}
	}
}

func TestValidateSkipFrameMap(t *testing.T) {
	dir := t.TempDir()
	framePath := filepath.Join(dir, "frame-map.json")

	pad := strings.Repeat(" ", 300)
	if err := os.WriteFile(framePath, []byte(`{"frames":[{"id":"f1"},{"id":"f2"}]`+pad+`}`), 0o644); err != nil {
		t.Fatal(err)
	}
	snaps := map[string]artifact.Snapshot{
		"{{shared_storage_path}}/frame-map.json": {Template: "{{shared_storage_path}}/frame-map.json", Path: framePath, Exists: true, SizeBytes: 340},
	}

	p := NewDesignDeckAssetsProfile()
	if v := p.ValidateSkipIfArtifacts(deckStep(), snaps); !v.OK {
		t.Errorf("valid frame map rejected: %s", v.Reason)
	}

	// Too small.
	snaps["{{shared_storage_path}}/frame-map.json"] = artifact.Snapshot{Path: framePath, Exists: true, SizeBytes: 10}
	if v := p.ValidateSkipIfArtifacts(deckStep(), snaps); v.OK {
		t.Error("undersized frame map accepted")
	}

	// Unparseable.
	if err := os.WriteFile(framePath, []byte("{broken"+pad), 0o644); err != nil {
		t.Fatal(err)
	}
	snaps["{{shared_storage_path}}/frame-map.json"] = artifact.Snapshot{Path: framePath, Exists: true, SizeBytes: 307}
	if v := p.ValidateSkipIfArtifacts(deckStep(), snaps); v.OK {
		t.Error("unparseable frame map accepted")
	}
}

func TestValidateSkipManifestInlinePayloads(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "assets-manifest.json")
	payload := base64.StdEncoding.EncodeToString([]byte("fakeimage"))
	if err := os.WriteFile(manifestPath, []byte(`{"frames":["data:image/png;base64,`+payload+`"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	snaps := map[string]artifact.Snapshot{
		"{{shared_storage_path}}/assets-manifest.json": {Path: manifestPath, Exists: true, SizeBytes: 64},
	}
	p := NewDesignDeckAssetsProfile()
	if v := p.ValidateSkipIfArtifacts(deckStep(), snaps); v.OK {
		t.Error("inline payload manifest accepted for skip")
	}
}

func TestEvaluateContractsRepairsInlineAssets(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "assets-manifest.json")
	payload := base64.StdEncoding.EncodeToString([]byte("fakeimagebytes"))
	if err := os.WriteFile(manifestPath, []byte(`{"frames":["data:image/png;base64,`+payload+`"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	after := map[string]artifact.Snapshot{
		"{{shared_storage_path}}/assets-manifest.json": {Path: manifestPath, Exists: true},
	}

	p := NewDesignDeckAssetsProfile()
	results := p.EvaluateArtifactContracts(deckStep(), after)
	if runtime.HasBlockingFailure(results) {
		t.Fatalf("repairable manifest failed: %+v", results)
	}

	b, err := os.ReadFile(manifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "data:image/") {
		t.Error("inline payload still present after repair")
	}
	if !strings.Contains(string(b), "assets/frame-inline-") {
		t.Errorf("manifest not rewritten to file reference: %s", b)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "assets"))
	if err != nil || len(entries) != 1 {
		t.Errorf("extracted asset missing: %v %v", entries, err)
	}
}

func TestUnexpectedHelperScripts(t *testing.T) {
	dir := t.TempDir()
	paths := artifact.StoragePaths{Shared: dir, Isolated: artifact.DisabledPath, Run: artifact.DisabledPath}

	if err := os.WriteFile(filepath.Join(dir, "sneaky.py"), []byte("print()"), 0o644); err != nil {
		t.Fatal(err)
	}

	step := flow.Step{ID: "build"}
	results := UnexpectedHelperScripts(step, paths, nil, nil)
	if !runtime.HasBlockingFailure(results) {
		t.Fatal("undeclared script not blocked")
	}

	// Declaring the script legitimizes it.
	step.RequiredOutputFiles = []string{"{{shared_storage_path}}/sneaky.py"}
	results = UnexpectedHelperScripts(step, paths, nil, nil)
	if len(results) != 0 {
		t.Errorf("declared script still blocked: %+v", results)
	}
}

func TestPreexistingScriptNotBlocked(t *testing.T) {
	dir := t.TempDir()
	paths := artifact.StoragePaths{Shared: dir, Isolated: artifact.DisabledPath, Run: artifact.DisabledPath}

	// A deliverable an earlier step legitimately left behind.
	if err := os.WriteFile(filepath.Join(dir, "export.py"), []byte("print()"), 0o644); err != nil {
		t.Fatal(err)
	}
	before := HelperScriptInventory(paths)

	step := flow.Step{ID: "b"}
	if got := UnexpectedHelperScripts(step, paths, nil, before); len(got) != 0 {
		t.Errorf("pre-existing script blocked a later step: %+v", got)
	}

	// A script appearing during the attempt is still blocked.
	if err := os.WriteFile(filepath.Join(dir, "hack.sh"), []byte("#!/bin/sh"), 0o644); err != nil {
		t.Fatal(err)
	}
	results := UnexpectedHelperScripts(step, paths, nil, before)
	if !runtime.HasBlockingFailure(results) {
		t.Fatal("newly appeared script not blocked")
	}
	if results[0].GateID != "guard:b:helper_scripts" {
		t.Errorf("gate id = %s", results[0].GateID)
	}
	if !strings.Contains(results[0].Details, "hack.sh") || strings.Contains(results[0].Details, "export.py") {
		t.Errorf("details = %q", results[0].Details)
	}
}

func TestImmutableArtifactViolations(t *testing.T) {
	now := time.Now()
	monitored := []string{"{{shared_storage_path}}/frame-map.json"}
	before := map[string]artifact.Snapshot{
		monitored[0]: {Exists: true, SizeBytes: 500, ModTime: now},
	}
	after := map[string]artifact.Snapshot{
		monitored[0]: {Exists: true, SizeBytes: 900, ModTime: now.Add(time.Second)},
	}

	step := flow.Step{ID: "build", Role: flow.RoleExecutor}
	results := ImmutableArtifactViolations(step, monitored, before, after)
	if !runtime.HasBlockingFailure(results) {
		t.Fatal("mutation by non-owner not blocked")
	}

	// The owning step may rewrite its own template.
	step.RequiredOutputFiles = monitored
	if got := ImmutableArtifactViolations(step, monitored, before, after); len(got) != 0 {
		t.Errorf("owner blocked: %+v", got)
	}
}

func TestRequiredArtifactFreshness(t *testing.T) {
	now := time.Now()
	tmpl := "{{shared_storage_path}}/out.md"
	step := flow.Step{ID: "s", RequiredOutputFiles: []string{tmpl}}

	// Written this attempt.
	results := RequiredArtifactFreshness(step,
		map[string]artifact.Snapshot{tmpl: {Exists: false}},
		map[string]artifact.Snapshot{tmpl: {Exists: true, SizeBytes: 10, ModTime: now}})
	if runtime.HasBlockingFailure(results) {
		t.Errorf("fresh write failed: %+v", results)
	}

	// Already up-to-date.
	snap := artifact.Snapshot{Exists: true, SizeBytes: 10, ModTime: now}
	results = RequiredArtifactFreshness(step,
		map[string]artifact.Snapshot{tmpl: snap},
		map[string]artifact.Snapshot{tmpl: snap})
	if runtime.HasBlockingFailure(results) {
		t.Errorf("up-to-date artifact failed: %+v", results)
	}

	// Absent after.
	results = RequiredArtifactFreshness(step,
		map[string]artifact.Snapshot{tmpl: {Exists: true}},
		map[string]artifact.Snapshot{tmpl: {Exists: false}})
	if !runtime.HasBlockingFailure(results) {
		t.Error("missing artifact passed")
	}
}
