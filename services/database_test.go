package services

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"mediaconverter/models"
)

func newTestStore(t *testing.T) *JobStore {
	t.Helper()

	store, err := NewJobStore("sqlite3", filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Logf("Failed to close store: %v", err)
		}
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return store
}

func createTestJob(t *testing.T, store *JobStore, key string, mediaType models.MediaType) *models.ConversionJob {
	t.Helper()

	job := &models.ConversionJob{
		OriginalKey:      key,
		OwnerRef:         "submission-7",
		MediaType:        mediaType,
		MimeType:         "image/png",
		FileSize:         2048,
		OriginalFilename: filepath.Base(key),
		Presets:          models.Presets{{Name: "thumbnail", Type: mediaType, Format: "webp", Suffix: "_thumb"}},
	}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	return job
}

func intp(v int) *int { return &v }

func TestJobStoreCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := createTestJob(t, store, "uploads/7/piece.png", models.MediaImage)
	if job.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != models.StatusPending || got.OriginalKey != job.OriginalKey || got.ExternalJobID != "" {
		t.Fatalf("unexpected job: %+v", got)
	}
	if len(got.Presets) != 1 || got.Presets[0].Name != "thumbnail" {
		t.Fatalf("preset snapshot lost: %+v", got.Presets)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Fatalf("timestamps should be unset: %+v", got)
	}

	if _, err := store.GetJob(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobStoreProcessingAndProgress(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := createTestJob(t, store, "uploads/7/clip.mp4", models.MediaVideo)

	if err := store.UpdateProgress(ctx, job.ID, 10); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("progress on pending job should be rejected, got %v", err)
	}
	if err := store.MarkProcessing(ctx, job.ID, "ext-1"); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	if err := store.MarkProcessing(ctx, job.ID, "ext-2"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second MarkProcessing should be rejected, got %v", err)
	}
	if err := store.UpdateProgress(ctx, job.ID, 40); err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}

	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != models.StatusProcessing || got.ExternalJobID != "ext-1" || got.Progress != 40 || got.StartedAt == nil {
		t.Fatalf("unexpected job: %+v", got)
	}

	inflight, err := store.ListJobs(ctx, JobFilter{Status: models.StatusProcessing, MediaType: models.MediaVideo, ExternalOnly: true, Limit: 10})
	if err != nil || len(inflight) != 1 {
		t.Fatalf("expected one in-flight job, got %d (%v)", len(inflight), err)
	}
}

func TestJobStoreCompleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := createTestJob(t, store, "uploads/7/piece.png", models.MediaImage)
	if err := store.MarkProcessing(ctx, job.ID, ""); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	files := []models.ConvertedFile{
		{OriginalKey: job.OriginalKey, ConvertedKey: "uploads/7/piece_thumb.webp", Format: "webp", Preset: "thumbnail", Width: intp(300)},
		{OriginalKey: job.OriginalKey, ConvertedKey: "uploads/7/piece_medium.webp", Format: "webp", Preset: "medium", Width: intp(800)},
	}
	if err := store.CompleteJob(ctx, job.ID, files); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	if err := store.CompleteJob(ctx, job.ID, files); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second completion should be rejected, got %v", err)
	}

	stored, err := store.ConvertedFiles(ctx, job.ID)
	if err != nil {
		t.Fatalf("ConvertedFiles failed: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 converted files, got %d", len(stored))
	}
	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != models.StatusCompleted || got.Progress != 100 || len(got.ConvertedFiles) != 2 || got.CompletedAt == nil {
		t.Fatalf("unexpected completed job: %+v", got)
	}
}

func TestJobStoreTerminalStatesAreImmutable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := createTestJob(t, store, "uploads/7/piece.png", models.MediaImage)

	status, err := store.RecordFailure(ctx, job.ID, "bad config", 0)
	if err != nil || status != models.StatusFailed {
		t.Fatalf("expected immediate failure, got %s (%v)", status, err)
	}

	if err := store.MarkProcessing(ctx, job.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("MarkProcessing on failed job: %v", err)
	}
	if err := store.CompleteJob(ctx, job.ID, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("CompleteJob on failed job: %v", err)
	}
	if _, err := store.RecordFailure(ctx, job.ID, "again", 3); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("RecordFailure on failed job: %v", err)
	}

	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != models.StatusFailed || got.Attempts != 1 || got.ErrorMessage != "bad config" {
		t.Fatalf("terminal job was mutated: %+v", got)
	}
}

func TestJobStoreListJobsByPathAndRecency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	clock := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	older := createTestJob(t, store, "uploads/7/a.mp4", models.MediaVideo)
	newer := createTestJob(t, store, "uploads/7/b.mp4", models.MediaVideo)
	image := createTestJob(t, store, "uploads/7/c.png", models.MediaImage)
	for id, ext := range map[string]string{older.ID: "ext-a", newer.ID: "ext-b", image.ID: ""} {
		if err := store.MarkProcessing(ctx, id, ext); err != nil {
			t.Fatalf("MarkProcessing failed: %v", err)
		}
	}
	// Touching the older job moves it behind the newer one.
	if err := store.UpdateProgress(ctx, older.ID, 30); err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}

	head, err := store.ListJobs(ctx, JobFilter{Status: models.StatusProcessing, ExternalOnly: true, Limit: 1})
	if err != nil || len(head) != 1 || head[0].ID != newer.ID {
		t.Fatalf("expected least recently touched job first, got %+v (%v)", head, err)
	}

	internal, err := store.ListJobs(ctx, JobFilter{Status: models.StatusProcessing, InternalOnly: true})
	if err != nil || len(internal) != 1 || internal[0].ID != image.ID {
		t.Fatalf("expected only the job without an external id, got %+v (%v)", internal, err)
	}

	stale, err := store.ListJobs(ctx, JobFilter{Status: models.StatusProcessing, InternalOnly: true, UpdatedBefore: clock})
	if err != nil || len(stale) != 1 {
		t.Fatalf("expected the image job to be older than the clock, got %d (%v)", len(stale), err)
	}
	fresh, err := store.ListJobs(ctx, JobFilter{Status: models.StatusProcessing, InternalOnly: true, UpdatedBefore: clock.Add(-time.Hour)})
	if err != nil || len(fresh) != 0 {
		t.Fatalf("expected no job touched an hour before the clock, got %d (%v)", len(fresh), err)
	}
}

func TestJobStoreAttemptCeiling(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := createTestJob(t, store, "uploads/7/clip.mp4", models.MediaVideo)

	want := []models.JobStatus{models.StatusPending, models.StatusPending, models.StatusFailed}
	for i, expected := range want {
		if err := store.MarkProcessing(ctx, job.ID, "ext"); err != nil {
			t.Fatalf("attempt %d: MarkProcessing failed: %v", i+1, err)
		}
		status, err := store.RecordFailure(ctx, job.ID, "upstream error", 3)
		if err != nil {
			t.Fatalf("attempt %d: RecordFailure failed: %v", i+1, err)
		}
		if status != expected {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, expected, status)
		}
		if expected == models.StatusPending {
			got, _ := store.GetJob(ctx, job.ID)
			if got.ExternalJobID != "" {
				t.Fatalf("requeued job kept external id: %+v", got)
			}
		}
	}

	got, _ := store.GetJob(ctx, job.ID)
	if got.Attempts != 3 || got.Status != models.StatusFailed {
		t.Fatalf("unexpected final job: %+v", got)
	}
	pending, _ := store.ListJobs(ctx, JobFilter{Status: models.StatusPending})
	if len(pending) != 0 {
		t.Fatalf("failed job must not be swept again, got %d pending", len(pending))
	}
}

func TestJobStoreRenditionLookups(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	image := createTestJob(t, store, "uploads/7/piece.png", models.MediaImage)
	_ = store.CompleteJob(ctx, image.ID, []models.ConvertedFile{
		{OriginalKey: image.OriginalKey, ConvertedKey: "uploads/7/piece_thumb.png", Format: "png", Preset: "thumbnail"},
		{OriginalKey: image.OriginalKey, ConvertedKey: "uploads/7/piece_thumb.webp", Format: "webp", Preset: "thumbnail"},
		{OriginalKey: image.OriginalKey, ConvertedKey: "uploads/7/piece_medium.jpeg", Format: "jpeg", Preset: "medium"},
	})

	failed := createTestJob(t, store, "uploads/7/piece.png", models.MediaImage)
	_, _ = store.RecordFailure(ctx, failed.ID, "boom", 0)

	best, err := store.BestRendition(ctx, "uploads/7/piece.png", "thumbnail")
	if err != nil || best.Format != "webp" {
		t.Fatalf("expected webp thumbnail, got %+v (%v)", best, err)
	}
	if _, err := store.BestRendition(ctx, "uploads/7/piece.png", "huge"); !errors.Is(err, ErrRenditionNotFound) {
		t.Fatalf("expected ErrRenditionNotFound, got %v", err)
	}

	versions, _ := store.ConvertedVersions(ctx, "uploads/7/piece.png", "jpeg", "")
	if len(versions) != 1 || versions[0].Preset != "medium" {
		t.Fatalf("unexpected filtered versions: %+v", versions)
	}

	thumb, err := store.Thumbnail(ctx, "uploads/7/piece.png")
	if err != nil || thumb.ConvertedKey != "uploads/7/piece_thumb.webp" {
		t.Fatalf("unexpected thumbnail: %+v (%v)", thumb, err)
	}
}

func TestJobStoreVideoPosterFallback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	poster := "uploads/7/converted/clip_thumb.jpg"
	video := createTestJob(t, store, "uploads/7/clip.mp4", models.MediaVideo)
	_ = store.CompleteJob(ctx, video.ID, []models.ConvertedFile{
		{OriginalKey: video.OriginalKey, ConvertedKey: "uploads/7/converted/clip_web.mp4", Format: "mp4", Preset: "web", ThumbnailKey: poster},
		{OriginalKey: video.OriginalKey, ConvertedKey: poster, Format: "jpg", Preset: "thumbnail", ThumbnailKey: poster},
	})

	got, err := store.Thumbnail(ctx, video.OriginalKey)
	if err != nil || got.ConvertedKey != poster {
		t.Fatalf("expected jpg fallback, got %+v (%v)", got, err)
	}

	derived := createTestJob(t, store, poster, models.MediaImage)
	_ = store.CompleteJob(ctx, derived.ID, []models.ConvertedFile{
		{OriginalKey: poster, ConvertedKey: "uploads/7/converted/clip_thumb_thumb.webp", Format: "webp", Preset: "thumbnail"},
	})

	got, err = store.Thumbnail(ctx, video.OriginalKey)
	if err != nil || got.Format != "webp" {
		t.Fatalf("expected webp poster, got %+v (%v)", got, err)
	}
}

func TestJobStoreAdminOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	done := createTestJob(t, store, "a.png", models.MediaImage)
	_ = store.CompleteJob(ctx, done.ID, []models.ConvertedFile{{OriginalKey: "a.png", ConvertedKey: "a_thumb.webp", Format: "webp", Preset: "thumbnail"}})
	createTestJob(t, store, "b.png", models.MediaImage)
	failed := createTestJob(t, store, "c.png", models.MediaImage)
	_, _ = store.RecordFailure(ctx, failed.ID, "boom", 0)

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 3 || stats.Completed != 1 || stats.Pending != 1 || stats.Failed != 1 || stats.ConversionRate != 33.33 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	has, _ := store.HasJob(ctx, "a.png", models.StatusCompleted)
	if !has {
		t.Fatal("expected completed job for a.png")
	}

	cleared, err := store.ClearPendingAndFailed(ctx)
	if err != nil || cleared != 2 {
		t.Fatalf("expected 2 cleared, got %d (%v)", cleared, err)
	}

	deleted, err := store.DeleteJobsForKey(ctx, "a.png")
	if err != nil || deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d (%v)", deleted, err)
	}
	files, _ := store.ConvertedFiles(ctx, done.ID)
	if len(files) != 0 {
		t.Fatalf("converted files should cascade, got %d", len(files))
	}
}

func TestRebindForPostgres(t *testing.T) {
	s := &JobStore{postgres: true}
	got := s.rebind(`UPDATE t SET a = ? WHERE id = ? AND s IN (?, ?)`)
	want := `UPDATE t SET a = $1 WHERE id = $2 AND s IN ($3, $4)`
	if got != want {
		t.Fatalf("rebind mismatch:\n got %s\nwant %s", got, want)
	}
}
