package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"mediaconverter/models"
	"mediaconverter/services"
	"mediaconverter/worker"

	"github.com/rs/zerolog"
)

const presignTTL = time.Hour

// Uploads receives upload events.
type Uploads interface {
	OnFileUploaded(ctx context.Context, key string, meta models.FileMetadata) (worker.DispatchResult, error)
}

// Renditions answers lookups against recorded jobs.
type Renditions interface {
	GetJob(ctx context.Context, id string) (*models.ConversionJob, error)
	ConvertedFiles(ctx context.Context, jobID string) ([]models.ConvertedFile, error)
	ConvertedVersions(ctx context.Context, originalKey, format, preset string) ([]models.ConvertedFile, error)
	BestRendition(ctx context.Context, originalKey, preset string) (*models.ConvertedFile, error)
	Thumbnail(ctx context.Context, originalKey string) (*models.ConvertedFile, error)
	Ping(ctx context.Context) error
}

// Operations are the operator actions.
type Operations interface {
	ReprocessLegacy(ctx context.Context, prefix string, limit int) (worker.ReprocessReport, error)
	ResetFile(ctx context.Context, key string) (int64, error)
	ClearPendingAndFailed(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (models.Stats, error)
}

// Objects is the bucket, when one is configured.
type Objects interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) error
	PresignDownload(key string, ttl time.Duration) (string, error)
}

type App struct {
	Uploads    Uploads
	Renditions Renditions
	Ops        Operations
	Objects    Objects
	Logger     zerolog.Logger
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// renditionView is a rendition with a download link when the bucket can
// presign one.
type renditionView struct {
	models.ConvertedFile
	URL string `json:"url,omitempty"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, kind, message string) {
	a.json(w, code, errorResponse{Code: kind, Message: message})
}

func (a *App) internal(w http.ResponseWriter, r *http.Request, err error, message string) {
	a.Logger.Error().Err(err).Str("path", r.URL.Path).Msg(message)
	a.error(w, http.StatusInternalServerError, "internal", message)
}

func (a *App) view(f models.ConvertedFile) renditionView {
	v := renditionView{ConvertedFile: f}
	if a.Objects == nil {
		return v
	}
	url, err := a.Objects.PresignDownload(f.ConvertedKey, presignTTL)
	if err != nil {
		a.Logger.Warn().Err(err).Str("key", f.ConvertedKey).Msg("failed to presign rendition")
		return v
	}
	v.URL = url
	return v
}

var (
	_ Renditions = (*services.JobStore)(nil)
	_ Operations = (*worker.Admin)(nil)
	_ Objects    = (*services.S3Service)(nil)
)
