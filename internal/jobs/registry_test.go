package jobs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/yourusername/better-images/internal/imaging"
)

var jobSeq int

func seedRegistryJob(r *Registry, name string) *JobView {
	jobSeq++
	return r.Create(&imaging.StoredImage{
		JobID:        fmt.Sprintf("job-%d", jobSeq),
		Path:         "/data/" + name,
		OriginalName: name,
		Size:         1024,
		Width:        800,
		Height:       600,
	})
}

func errorCode(t *testing.T, err error) string {
	t.Helper()
	var apiErr *imaging.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *imaging.Error, got %v", err)
	}
	return apiErr.Code
}

func TestRegistryCreateAndGet(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	created := seedRegistryJob(r, "photo.png")

	view, err := r.Get(created.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if view.Status != StatusUploaded {
		t.Fatalf("status = %s, want uploaded", view.Status)
	}
	if view.OriginalName != "photo.png" {
		t.Fatalf("originalName = %s", view.OriginalName)
	}
	if path, ok := view.Artifact(imaging.ArtifactOriginal); !ok || path == "" {
		t.Fatal("original artifact should always be present")
	}
	if view.WorkingSource() != "/data/photo.png" {
		t.Fatalf("workingSource = %s", view.WorkingSource())
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	_, err := r.Get("no-such-job")
	if code := errorCode(t, err); code != imaging.CodeJobNotFound {
		t.Fatalf("code = %s, want %s", code, imaging.CodeJobNotFound)
	}
}

func TestRegistryTerminalStateIsSticky(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	view := seedRegistryJob(r, "a.png")

	if err := r.MarkDone(view.ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	// 終了後の状態・進捗更新は無視される
	if err := r.SetState(view.ID, StatusProcessing, "処理中..."); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	r.SetProgress(view.ID, "should not appear")
	if err := r.MarkFailed(view.ID, "upscale", "too late"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	got, err := r.Get(view.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusDone {
		t.Fatalf("status = %s, want done", got.Status)
	}
	if got.Progress != "完了しました！" {
		t.Fatalf("progress = %s", got.Progress)
	}
	if got.ErrorMessage != "" {
		t.Fatalf("errorMessage should stay empty, got %s", got.ErrorMessage)
	}
}

func TestRegistryTerminalJobIgnoresArtifacts(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	view := seedRegistryJob(r, "a.png")

	if err := r.MarkFailed(view.ID, "upscale", "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	// 終了後の成果物書き込みも無視される
	if err := r.SetArtifact(view.ID, imaging.ArtifactUpscaled, "/data/late.png", 999, 888); err != nil {
		t.Fatalf("SetArtifact: %v", err)
	}

	got, err := r.Get(view.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := got.Artifact(imaging.ArtifactUpscaled); ok {
		t.Fatal("terminal job should not gain artifacts")
	}
	if got.Width != 800 || got.Height != 600 {
		t.Fatalf("working dims = %dx%d, want 800x600", got.Width, got.Height)
	}
}

func TestRegistryResetAllowsReprocessing(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	view := seedRegistryJob(r, "a.png")

	if err := r.MarkFailed(view.ID, "upscale", "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := r.Reset(view.ID); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	got, _ := r.Get(view.ID)
	if got.Status != StatusUploaded {
		t.Fatalf("status = %s, want uploaded", got.Status)
	}
	if got.ErrorMessage != "" || got.FailedStage != "" {
		t.Fatal("error details should be cleared by Reset")
	}
}

func TestRegistryMarkFailedRecordsStage(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	view := seedRegistryJob(r, "a.png")

	if err := r.MarkFailed(view.ID, "remove_background", "model crashed"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	got, _ := r.Get(view.ID)
	if got.Status != StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.FailedStage != "remove_background" {
		t.Fatalf("failedStage = %s", got.FailedStage)
	}
	if got.ErrorMessage != "model crashed" {
		t.Fatalf("errorMessage = %s", got.ErrorMessage)
	}
}

func TestRegistrySetArtifactUpdatesWorkingDims(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	view := seedRegistryJob(r, "a.png")

	if err := r.SetArtifact(view.ID, imaging.ArtifactResized, "/data/resized.png", 400, 300); err != nil {
		t.Fatalf("SetArtifact: %v", err)
	}

	got, _ := r.Get(view.ID)
	if got.Width != 400 || got.Height != 300 {
		t.Fatalf("dims = %dx%d, want 400x300", got.Width, got.Height)
	}
	if got.OrigWidth != 800 || got.OrigHeight != 600 {
		t.Fatal("original dims must not change")
	}
	if got.WorkingSource() != "/data/resized.png" {
		t.Fatalf("workingSource = %s", got.WorkingSource())
	}
}

func TestRegistryRemove(t *testing.T) {
	disposed := make([]string, 0, 1)
	r := NewRegistry(time.Hour, func(jobID string) {
		disposed = append(disposed, jobID)
	}, nil)
	view := seedRegistryJob(r, "a.png")

	if err := r.Remove(view.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(disposed) != 1 || disposed[0] != view.ID {
		t.Fatalf("onDispose calls = %v", disposed)
	}
	if _, err := r.Get(view.ID); err == nil {
		t.Fatal("removed job should not be found")
	}
	if code := errorCode(t, r.Remove(view.ID)); code != imaging.CodeJobNotFound {
		t.Fatalf("second remove code = %s", code)
	}
}

func TestRegistryRemoveBusyJob(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	view := seedRegistryJob(r, "a.png")

	if err := r.SetState(view.ID, StatusProcessing, "処理中..."); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if code := errorCode(t, r.Remove(view.ID)); code != imaging.CodeJobBusy {
		t.Fatalf("code = %s, want %s", code, imaging.CodeJobBusy)
	}
}

func TestRegistrySweepRemovesExpiredTerminalJobs(t *testing.T) {
	r := NewRegistry(time.Millisecond, nil, nil)
	done := seedRegistryJob(r, "done.png")
	active := seedRegistryJob(r, "active.png")

	if err := r.MarkDone(done.ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	r.sweep()

	if _, err := r.Get(done.ID); err == nil {
		t.Fatal("expired terminal job should be swept")
	}
	if _, err := r.Get(active.ID); err != nil {
		t.Fatalf("non-terminal job must survive sweep: %v", err)
	}
}
