package jobs

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yourusername/better-images/internal/imaging"
)

func TestBatchesCreateValidatesMembers(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	b := NewBatches(r)

	if _, err := b.Create(nil); err == nil {
		t.Fatal("empty batch should be rejected")
	}
	if _, err := b.Create([]string{"ghost"}); err == nil {
		t.Fatal("unknown member should be rejected")
	}

	j1 := seedRegistryJob(r, "a.png")
	j2 := seedRegistryJob(r, "b.png")
	id, err := b.Create([]string{j1.ID, j2.ID, j1.ID})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ids, err := b.JobIDs(id)
	if err != nil {
		t.Fatalf("JobIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("duplicates should be collapsed, got %v", ids)
	}
}

func TestBatchesStatusAggregation(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	b := NewBatches(r)
	j1 := seedRegistryJob(r, "a.png")
	j2 := seedRegistryJob(r, "b.png")
	id, err := b.Create([]string{j1.ID, j2.ID})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	status, err := b.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.AllDone || status.AnyError {
		t.Fatalf("fresh batch: allDone=%v anyError=%v", status.AllDone, status.AnyError)
	}

	if err := r.MarkDone(j1.ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	status, _ = b.Status(id)
	if status.AllDone {
		t.Fatal("allDone must stay false while a member is pending")
	}

	if err := r.MarkFailed(j2.ID, "upscale", "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	status, _ = b.Status(id)
	if !status.AllDone {
		t.Fatal("allDone should be true once every member is terminal")
	}
	if !status.AnyError {
		t.Fatal("anyError should be true when a member failed")
	}
}

func TestBatchesStatusMissingMember(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	b := NewBatches(r)
	j1 := seedRegistryJob(r, "a.png")
	j2 := seedRegistryJob(r, "b.png")
	id, _ := b.Create([]string{j1.ID, j2.ID})

	if err := r.MarkDone(j1.ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if err := r.Remove(j2.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	status, err := b.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.AllDone || !status.AnyError {
		t.Fatalf("missing member should count as failed: allDone=%v anyError=%v",
			status.AllDone, status.AnyError)
	}
}

func TestBatchesRemoveCascade(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	b := NewBatches(r)
	j1 := seedRegistryJob(r, "a.png")
	j2 := seedRegistryJob(r, "b.png")
	id, _ := b.Create([]string{j1.ID, j2.ID})

	// 事前に片方を破棄していてもカスケードは成功する
	if err := r.Remove(j1.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := b.Remove(id, true); err != nil {
		t.Fatalf("cascade Remove: %v", err)
	}

	if _, err := r.Get(j2.ID); err == nil {
		t.Fatal("cascade should remove member jobs")
	}
	if _, err := b.Status(id); err == nil {
		t.Fatal("batch should be gone")
	}
}

func TestBatchesRemoveKeepsJobsWithoutCascade(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	b := NewBatches(r)
	j1 := seedRegistryJob(r, "a.png")
	id, _ := b.Create([]string{j1.ID})

	if err := b.Remove(id, false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := r.Get(j1.ID); err != nil {
		t.Fatalf("member must survive non-cascade removal: %v", err)
	}
}

func TestWriteArchiveNotReady(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	b := NewBatches(r)
	j1 := seedRegistryJob(r, "a.png")
	id, _ := b.Create([]string{j1.ID})

	err := b.WriteArchive(io.Discard, id)
	if code := errorCode(t, err); code != imaging.CodeResultNotReady {
		t.Fatalf("code = %s, want %s", code, imaging.CodeResultNotReady)
	}
}

func TestWriteArchive(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	b := NewBatches(r)
	dir := t.TempDir()

	finalPath := filepath.Join(dir, "final.png")
	if err := os.WriteFile(finalPath, []byte("png-bytes"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// 同名の元ファイルを2つ用意して名前衝突の解消も確認する
	ok1 := seedRegistryJob(r, "cat.png")
	ok2 := seedRegistryJob(r, "cat.png")
	failed := seedRegistryJob(r, "dog.png")
	for _, id := range []string{ok1.ID, ok2.ID} {
		if err := r.SetArtifact(id, imaging.ArtifactFinal, finalPath, 100, 100); err != nil {
			t.Fatalf("SetArtifact: %v", err)
		}
		if err := r.MarkDone(id); err != nil {
			t.Fatalf("MarkDone: %v", err)
		}
	}
	if err := r.MarkFailed(failed.ID, "upscale", "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	id, _ := b.Create([]string{ok1.ID, ok2.ID, failed.ID})

	var buf bytes.Buffer
	if err := b.WriteArchive(&buf, id); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}

	names := make(map[string]bool)
	var manifest archiveManifest
	for _, f := range zr.File {
		names[f.Name] = true
		if f.Name == "manifest.json" {
			rc, err := f.Open()
			if err != nil {
				t.Fatalf("open manifest: %v", err)
			}
			if err := json.NewDecoder(rc).Decode(&manifest); err != nil {
				t.Fatalf("decode manifest: %v", err)
			}
			rc.Close()
		}
	}

	if !names["cat_processed.png"] || !names["cat_processed_2.png"] {
		t.Fatalf("expected deduplicated entry names, got %v", names)
	}
	if !names["manifest.json"] {
		t.Fatal("manifest.json missing")
	}
	if len(manifest.Jobs) != 3 {
		t.Fatalf("manifest jobs = %d, want 3", len(manifest.Jobs))
	}

	var failedEntry *ArchiveEntry
	for i := range manifest.Jobs {
		if manifest.Jobs[i].JobID == failed.ID {
			failedEntry = &manifest.Jobs[i]
		}
	}
	if failedEntry == nil {
		t.Fatal("failed member missing from manifest")
	}
	if failedEntry.File != "" {
		t.Fatal("failed member must not reference a file")
	}
	if failedEntry.Note == "" {
		t.Fatal("failed member should carry an explanatory note")
	}
}

func TestDownloadName(t *testing.T) {
	view := &JobView{
		OriginalName: "my photo.jpeg",
		Artifacts: map[imaging.ArtifactKind]string{
			imaging.ArtifactFinal:    "/data/out/final.png",
			imaging.ArtifactUpscaled: "/data/out/upscaled.png",
			imaging.ArtifactSVG:      "/data/out/final.svg",
		},
	}

	cases := []struct {
		kind imaging.ArtifactKind
		want string
	}{
		{imaging.ArtifactFinal, "my photo_processed.png"},
		{imaging.ArtifactUpscaled, "my photo_upscaled.png"},
		{imaging.ArtifactSVG, "my photo.svg"},
	}
	for _, tc := range cases {
		if got := DownloadName(view, tc.kind); got != tc.want {
			t.Fatalf("DownloadName(%s) = %s, want %s", tc.kind, got, tc.want)
		}
	}
}
