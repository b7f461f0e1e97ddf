// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iaget

import (
	"os"
	"path/filepath"
	"testing"
)

func samplePlan(root string) *Plan {
	return &Plan{
		Identifier:    "nasa-images-1969",
		Dir:           "/19/items/nasa-images-1969",
		PrimaryServer: "ia800101.us.archive.org",
		OutputRoot:    root,
		Files: []FileRecord{
			{Name: "moon.jpg", Format: "JPEG"},
			{Name: "moon.mp4", Format: "h.264"},
		},
		EngineOptions: DefaultEngineOptions(),
	}
}

func TestOpenOrCreateSeedsPendingStatus(t *testing.T) {
	root := t.TempDir()
	sess, err := OpenOrCreate("nasa-images-1969", root, &ItemDescriptor{Identifier: "nasa-images-1969"}, samplePlan(root))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	all := sess.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 seeded file entries, got %d", len(all))
	}
	for _, name := range []string{"moon.jpg", "moon.mp4"} {
		if all[name].State != StatePending {
			t.Errorf("expected %s to start Pending, got %s", name, all[name].State)
		}
	}
}

func TestOpenOrCreateReopensExisting(t *testing.T) {
	root := t.TempDir()
	plan := samplePlan(root)

	sess, err := OpenOrCreate("nasa-images-1969", root, &ItemDescriptor{Identifier: "nasa-images-1969"}, plan)
	if err != nil {
		t.Fatal(err)
	}
	sess.Update("moon.jpg", FileStatus{State: StateCompleted, BytesOnDisk: 100})
	if err := sess.Persist(); err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenOrCreate("nasa-images-1969", root, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got := reopened.Status("moon.jpg")
	if got.State != StateCompleted || got.BytesOnDisk != 100 {
		t.Fatalf("expected reopened session to retain completed status, got %+v", got)
	}
}

func TestOpenOrCreateReconcilesDroppedFiles(t *testing.T) {
	root := t.TempDir()
	plan := samplePlan(root)

	sess, err := OpenOrCreate("nasa-images-1969", root, &ItemDescriptor{Identifier: "nasa-images-1969"}, plan)
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(); err != nil {
		t.Fatal(err)
	}

	narrowed := samplePlan(root)
	narrowed.Files = narrowed.Files[:1]

	reopened, err := OpenOrCreate("nasa-images-1969", root, nil, narrowed)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	all := reopened.All()
	if _, ok := all["moon.mp4"]; ok {
		t.Fatal("expected moon.mp4 to be dropped after replanning without it")
	}
	if _, ok := all["moon.jpg"]; !ok {
		t.Fatal("expected moon.jpg to survive reconciliation")
	}
}

func TestWriteSessionDocIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	doc := sessionDoc{Version: sessionSchemaVersion, Identifier: "x", FileStatus: map[string]FileStatus{}}

	if err := writeSessionDoc(path, &doc); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("temp file %s leaked after atomic write", e.Name())
		}
	}

	loaded, err := loadSessionDoc(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Identifier != "x" {
		t.Fatalf("got %q", loaded.Identifier)
	}
}

func TestLoadSessionDocRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	future := sessionDoc{Version: sessionSchemaVersion + 1, Identifier: "x", FileStatus: map[string]FileStatus{}}
	if err := writeSessionDoc(path, &future); err != nil {
		t.Fatal(err)
	}

	_, err := loadSessionDoc(path)
	var sc *SessionCorruptError
	if !okAsSessionCorrupt(err, &sc) {
		t.Fatalf("expected SessionCorruptError for a future version, got %v", err)
	}
}

func okAsSessionCorrupt(err error, target **SessionCorruptError) bool {
	sc, ok := err.(*SessionCorruptError)
	if !ok {
		return false
	}
	*target = sc
	return true
}

func TestSortedSessionFilesDeterministic(t *testing.T) {
	m := map[string]FileStatus{"b": {}, "a": {}, "c": {}}
	got := sortedSessionFiles(m)
	want := []string{"a", "b", "c"}
	for i, name := range want {
		if got[i] != name {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
