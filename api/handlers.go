package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"mediaconverter/models"
	"mediaconverter/services"
	"mediaconverter/worker"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxUploadMemory = 32 << 20

type uploadRequest struct {
	Key string `json:"key"`
	models.FileMetadata
}

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	if err := a.Renditions.Ping(r.Context()); err != nil {
		a.Logger.Warn().Err(err).Msg("health check failed")
		a.error(w, http.StatusServiceUnavailable, "unavailable", "database unreachable")
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Upload takes an upload event as JSON metadata for an object already in the
// bucket, or as a multipart file that is stored first.
func (a *App) Upload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		var ok bool
		if req, ok = a.storeUpload(w, r); !ok {
			return
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	if req.Key == "" || req.MimeType == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "key and mime_type required")
		return
	}
	if req.OriginalFilename == "" {
		req.OriginalFilename = path.Base(req.Key)
	}

	res, err := a.Uploads.OnFileUploaded(r.Context(), req.Key, req.FileMetadata)
	if err != nil {
		a.internal(w, r, err, "failed to record upload")
		return
	}
	code := http.StatusOK
	if res.Outcome == worker.OutcomeDispatched {
		code = http.StatusAccepted
	}
	a.json(w, code, res)
}

func (a *App) storeUpload(w http.ResponseWriter, r *http.Request) (uploadRequest, bool) {
	var req uploadRequest
	if a.Objects == nil {
		a.error(w, http.StatusNotImplemented, "not_configured", "no bucket configured for file uploads")
		return req, false
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid multipart form")
		return req, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "file required")
		return req, false
	}
	defer file.Close()

	req.Key = r.FormValue("key")
	if req.Key == "" {
		req.Key = "uploads/" + uuid.NewString() + "/" + path.Base(header.Filename)
	}
	req.MimeType = header.Header.Get("Content-Type")
	if req.MimeType == "" || req.MimeType == "application/octet-stream" {
		req.MimeType = services.ContentTypeFor(header.Filename)
	}
	req.FileSize = header.Size
	req.OriginalFilename = header.Filename
	req.OwnerRef = r.FormValue("owner_ref")

	if err := a.Objects.Upload(r.Context(), req.Key, file, req.MimeType); err != nil {
		a.internal(w, r, err, "failed to store upload")
		return req, false
	}
	return req, true
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := a.Renditions.GetJob(r.Context(), id)
	if errors.Is(err, services.ErrJobNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if err != nil {
		a.internal(w, r, err, "failed to load job")
		return
	}
	files, err := a.Renditions.ConvertedFiles(r.Context(), id)
	if err != nil {
		a.internal(w, r, err, "failed to load renditions")
		return
	}

	views := make([]renditionView, 0, len(files))
	for _, f := range files {
		views = append(views, a.view(f))
	}
	a.json(w, http.StatusOK, map[string]any{
		"job":        job,
		"renditions": views,
	})
}

func (a *App) ListRenditions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("key")
	if key == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "key required")
		return
	}
	files, err := a.Renditions.ConvertedVersions(r.Context(), key, q.Get("format"), q.Get("preset"))
	if err != nil {
		a.internal(w, r, err, "failed to list renditions")
		return
	}
	views := make([]renditionView, 0, len(files))
	for _, f := range files {
		views = append(views, a.view(f))
	}
	a.json(w, http.StatusOK, map[string]any{"items": views})
}

func (a *App) BestRendition(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, preset := q.Get("key"), q.Get("preset")
	if key == "" || preset == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "key and preset required")
		return
	}
	f, err := a.Renditions.BestRendition(r.Context(), key, preset)
	a.rendition(w, r, f, err)
}

func (a *App) Thumbnail(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "key required")
		return
	}
	f, err := a.Renditions.Thumbnail(r.Context(), key)
	a.rendition(w, r, f, err)
}

func (a *App) rendition(w http.ResponseWriter, r *http.Request, f *models.ConvertedFile, err error) {
	if errors.Is(err, services.ErrRenditionNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "no rendition available")
		return
	}
	if err != nil {
		a.internal(w, r, err, "failed to look up rendition")
		return
	}
	a.json(w, http.StatusOK, a.view(*f))
}

func (a *App) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Ops.Stats(r.Context())
	if err != nil {
		a.internal(w, r, err, "failed to aggregate jobs")
		return
	}
	a.json(w, http.StatusOK, stats)
}

type reprocessRequest struct {
	Prefix string `json:"prefix"`
	Limit  int    `json:"limit"`
}

func (a *App) Reprocess(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	report, err := a.Ops.ReprocessLegacy(r.Context(), req.Prefix, req.Limit)
	if errors.Is(err, worker.ErrNoObjectStore) {
		a.error(w, http.StatusNotImplemented, "not_configured", err.Error())
		return
	}
	if err != nil {
		a.internal(w, r, err, "failed to reprocess files")
		return
	}
	a.json(w, http.StatusOK, report)
}

func (a *App) Reset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "key required")
		return
	}
	n, err := a.Ops.ResetFile(r.Context(), req.Key)
	if err != nil {
		a.internal(w, r, err, "failed to reset file")
		return
	}
	a.json(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (a *App) Clear(w http.ResponseWriter, r *http.Request) {
	n, err := a.Ops.ClearPendingAndFailed(r.Context())
	if err != nil {
		a.internal(w, r, err, "failed to clear jobs")
		return
	}
	a.json(w, http.StatusOK, map[string]int64{"deleted": n})
}
