package artifact

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testPaths(t *testing.T) StoragePaths {
	t.Helper()
	root := t.TempDir()
	paths := StoragePaths{
		Shared:   filepath.Join(root, "shared"),
		Isolated: filepath.Join(root, "isolated"),
		Run:      filepath.Join(root, "run"),
	}
	for _, p := range []string{paths.Shared, paths.Isolated, paths.Run} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return paths
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolveExplicitRoot(t *testing.T) {
	paths := testPaths(t)
	write(t, filepath.Join(paths.Shared, "frame-map.json"), `{"frames":3}`)

	r := Resolve("{{shared_storage_path}}/frame-map.json", paths, nil)
	if !r.Exists {
		t.Fatalf("not found: %+v", r)
	}
	if r.FoundPath != filepath.Join(paths.Shared, "frame-map.json") {
		t.Errorf("found = %q", r.FoundPath)
	}
	if r.SizeBytes != int64(len(`{"frames":3}`)) {
		t.Errorf("size = %d", r.SizeBytes)
	}
}

func TestResolveBareTemplateSharedFirst(t *testing.T) {
	paths := testPaths(t)
	write(t, filepath.Join(paths.Shared, "out.md"), "shared")
	write(t, filepath.Join(paths.Isolated, "out.md"), "isolated")

	r := Resolve("out.md", paths, nil)
	if len(r.CandidatePaths) != 3 {
		t.Fatalf("candidates = %v", r.CandidatePaths)
	}
	if r.FoundPath != filepath.Join(paths.Shared, "out.md") {
		t.Errorf("shared should win, found %q", r.FoundPath)
	}
}

func TestResolveDisabledStorage(t *testing.T) {
	paths := testPaths(t)
	paths.Shared = DisabledPath

	r := Resolve("{{shared_storage_path}}/frame-map.json", paths, nil)
	if !r.DisabledStorage {
		t.Fatalf("expected disabled_storage: %+v", r)
	}
	if r.Exists || len(r.CandidatePaths) != 0 {
		t.Errorf("disabled resolution probed the filesystem: %+v", r)
	}
}

func TestResolveInputSubstitution(t *testing.T) {
	paths := testPaths(t)
	write(t, filepath.Join(paths.Run, "decks", "q3", "outline.md"), "x")

	r := Resolve("{{run_storage_path}}/decks/{{input.quarter}}/outline.md", paths, map[string]string{"quarter": "q3"})
	if !r.Exists {
		t.Fatalf("not found: %+v", r)
	}
}

func TestResolveMissing(t *testing.T) {
	paths := testPaths(t)
	r := Resolve("{{shared_storage_path}}/nope.json", paths, nil)
	if r.Exists || r.FoundPath != "" {
		t.Errorf("got %+v", r)
	}
	if len(r.CandidatePaths) != 1 {
		t.Errorf("candidates = %v", r.CandidatePaths)
	}
}

func TestSnapshotsAndChanged(t *testing.T) {
	paths := testPaths(t)
	target := filepath.Join(paths.Shared, "manifest.json")
	write(t, target, "v1")

	before := TakeSnapshots([]string{"{{shared_storage_path}}/manifest.json"}, paths, nil)
	b := before["{{shared_storage_path}}/manifest.json"]
	if !b.Exists {
		t.Fatal("snapshot missed existing file")
	}

	// mtime granularity can be coarse; force a distinct timestamp.
	future := time.Now().Add(2 * time.Second)
	write(t, target, "v2-longer")
	if err := os.Chtimes(target, future, future); err != nil {
		t.Fatal(err)
	}

	after := TakeSnapshots([]string{"{{shared_storage_path}}/manifest.json"}, paths, nil)
	a := after["{{shared_storage_path}}/manifest.json"]
	if !Changed(b, a) {
		t.Errorf("change not detected: before=%+v after=%+v", b, a)
	}
	if Changed(a, a) {
		t.Error("identical snapshots reported as changed")
	}
}
