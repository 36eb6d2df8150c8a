package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"mediaconverter/config"
	"mediaconverter/models"
	"mediaconverter/services"

	"github.com/rs/zerolog"
)

var testCreds = services.Credentials{AccessKey: "AKIDEXAMPLE", SecretKey: "test-secret"}

func testConfig() *config.Config {
	return &config.Config{
		ConversionEnabled:   true,
		AWSRegion:           "us-east-1",
		S3Bucket:            "gallery",
		MediaConvertRoleARN: "arn:aws:iam::123456789012:role/MediaConvert",
		ThumbnailOffset:     2,
		ReconcileBatch:      10,
		PendingBatch:        5,
		MaxAttempts:         3,
		HTTPTimeout:         5 * time.Second,
		ProcessingTimeout:   5 * time.Minute,
		Presets:             config.DefaultPresets(),
	}
}

func newTestStore(t *testing.T) *services.JobStore {
	t.Helper()

	store, err := services.NewJobStore("sqlite3", filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return store
}

// fakeLambda answers invocations by writing one rendition per preset next to
// the source, unless failStatus is set.
type fakeLambda struct {
	mu         sync.Mutex
	requests   []services.ImageRequest
	failStatus int
}

func (f *fakeLambda) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req services.ImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	failStatus := f.failStatus
	f.mu.Unlock()

	if failStatus != 0 {
		w.WriteHeader(failStatus)
		_, _ = w.Write([]byte(`{"message":"transform function unavailable"}`))
		return
	}

	names := make([]string, 0, len(req.Presets))
	for name := range req.Presets {
		names = append(names, name)
	}
	sort.Strings(names)

	base := path.Base(req.S3Key)
	stem := strings.TrimSuffix(base, path.Ext(base))
	result := services.ImageResult{Status: "completed"}
	for _, name := range names {
		p := req.Presets[name]
		width, height, quality := p.Width, p.Height, p.Quality
		size := int64(1024)
		result.ConvertedFiles = append(result.ConvertedFiles, services.ImageOutput{
			Preset:   name,
			Format:   p.Format,
			S3Key:    services.ConvertedPrefix(req.S3Key) + stem + p.Suffix + "." + p.Format,
			Width:    &width,
			Height:   &height,
			FileSize: &size,
			Quality:  &quality,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (f *fakeLambda) failWith(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStatus = status
}

func (f *fakeLambda) calls() []services.ImageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]services.ImageRequest(nil), f.requests...)
}

// fakeMediaConvert accepts every job and replays statuses for GETs, repeating
// the last one. A non-zero getStatus answers every GET with that code.
type fakeMediaConvert struct {
	mu        sync.Mutex
	created   []services.JobSpecification
	statuses  []string
	gets      int
	getStatus int
	getBody   string
}

func (f *fakeMediaConvert) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodPost:
		var spec services.JobSpecification
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.created = append(f.created, spec)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"job":{"id":"1700000000000-abc123","status":"SUBMITTED"}}`))
	case http.MethodGet:
		if f.getStatus != 0 {
			w.WriteHeader(f.getStatus)
			_, _ = w.Write([]byte(f.getBody))
			return
		}
		if len(f.statuses) == 0 {
			_, _ = w.Write([]byte(`{"job":{"id":"1700000000000-abc123","status":"SUBMITTED"}}`))
			return
		}
		i := f.gets
		if i >= len(f.statuses) {
			i = len(f.statuses) - 1
		}
		f.gets++
		_, _ = w.Write([]byte(f.statuses[i]))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeMediaConvert) reply(statuses ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = statuses
	f.gets = 0
}

func (f *fakeMediaConvert) failGets(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getStatus, f.getBody = status, body
}

func (f *fakeMediaConvert) submitted() []services.JobSpecification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]services.JobSpecification(nil), f.created...)
}

// imageFunc adapts a function to ImageConverter.
type imageFunc func(ctx context.Context, req services.ImageRequest) (*services.ImageResult, error)

func (f imageFunc) Invoke(ctx context.Context, req services.ImageRequest) (*services.ImageResult, error) {
	return f(ctx, req)
}

// recordingPublisher keeps the last status seen per job.
type recordingPublisher struct {
	mu   sync.Mutex
	last map[string]models.JobStatus
}

func (p *recordingPublisher) Publish(_ context.Context, jobID string, status models.JobStatus, _ int, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		p.last = make(map[string]models.JobStatus)
	}
	p.last[jobID] = status
	return nil
}

func (p *recordingPublisher) status(jobID string) models.JobStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last[jobID]
}

type harness struct {
	cfg        *config.Config
	store      *services.JobStore
	lambda     *fakeLambda
	mc         *fakeMediaConvert
	status     *recordingPublisher
	dispatcher *Dispatcher
	poller     *Poller
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()

	h := &harness{
		cfg:    cfg,
		store:  newTestStore(t),
		lambda: &fakeLambda{},
		mc:     &fakeMediaConvert{},
		status: &recordingPublisher{},
	}
	lambdaSrv := httptest.NewServer(h.lambda)
	t.Cleanup(lambdaSrv.Close)
	mcSrv := httptest.NewServer(h.mc)
	t.Cleanup(mcSrv.Close)

	images := services.NewLambdaService(lambdaSrv.URL, "media-converter", cfg.AWSRegion, testCreds, cfg.HTTPTimeout)
	videos := services.NewMediaConvertService(mcSrv.URL, cfg.AWSRegion, testCreds, cfg.HTTPTimeout)

	logger := zerolog.Nop()
	h.dispatcher = NewDispatcher(cfg, h.store, images, videos, h.status, logger)
	h.poller = NewPoller(cfg, h.store, videos, services.NamingConventionResolver{}, h.dispatcher, logger)
	return h
}

func (h *harness) job(t *testing.T, id string) *models.ConversionJob {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to load job %s: %v", id, err)
	}
	return job
}

func pngUpload() models.FileMetadata {
	return models.FileMetadata{
		MimeType:         "image/png",
		FileSize:         482133,
		OriginalFilename: "photo.png",
		OwnerRef:         "submission-7",
		Width:            2000,
		Height:           1500,
	}
}

func mp4Upload() models.FileMetadata {
	return models.FileMetadata{
		MimeType:         "video/mp4",
		FileSize:         73400320,
		OriginalFilename: "clip.mp4",
		OwnerRef:         "submission-7",
	}
}
