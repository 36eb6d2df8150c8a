package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mediaconverter/config"
	"mediaconverter/models"
	"mediaconverter/services"

	"github.com/rs/zerolog"
)

// Store is the job persistence the worker drives.
type Store interface {
	CreateJob(ctx context.Context, job *models.ConversionJob) error
	GetJob(ctx context.Context, id string) (*models.ConversionJob, error)
	ListJobs(ctx context.Context, f services.JobFilter) ([]*models.ConversionJob, error)
	MarkProcessing(ctx context.Context, id, externalJobID string) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	CompleteJob(ctx context.Context, id string, files []models.ConvertedFile) error
	RecordFailure(ctx context.Context, id, message string, retryLimit int) (models.JobStatus, error)
	HasJob(ctx context.Context, originalKey string, statuses ...models.JobStatus) (bool, error)
	DeleteJobsForKey(ctx context.Context, originalKey string) (int64, error)
	ClearPendingAndFailed(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (models.Stats, error)
}

// ImageConverter runs a synchronous image conversion.
type ImageConverter interface {
	Invoke(ctx context.Context, req services.ImageRequest) (*services.ImageResult, error)
}

// VideoTranscoder submits and inspects asynchronous transcoding jobs.
type VideoTranscoder interface {
	CreateJob(ctx context.Context, spec services.JobSpecification) (string, error)
	GetJob(ctx context.Context, externalID string) (*services.JobStatus, error)
}

// StatusPublisher mirrors job state somewhere outside the store.
type StatusPublisher interface {
	Publish(ctx context.Context, jobID string, status models.JobStatus, progress int, errMsg string) error
}

// outcomeWriteTimeout bounds the store writes that record how a dispatch
// ended. They run detached from the caller so a disconnecting client cannot
// strand a job in processing.
const outcomeWriteTimeout = 10 * time.Second

type Outcome string

const (
	OutcomeDispatched Outcome = "dispatched"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeFailed     Outcome = "failed"
)

// DispatchResult tells the upload pipeline what happened to its file.
type DispatchResult struct {
	Outcome Outcome `json:"outcome"`
	JobID   string  `json:"job_id,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// Dispatcher turns upload events into jobs and hands them to the client for
// their media type. It never waits for an asynchronous job to finish.
type Dispatcher struct {
	cfg    *config.Config
	store  Store
	images ImageConverter
	videos VideoTranscoder
	status StatusPublisher
	retry  RetryPolicy
	logger zerolog.Logger
}

// NewDispatcher wires the clients. status may be nil.
func NewDispatcher(cfg *config.Config, store Store, images ImageConverter, videos VideoTranscoder, status StatusPublisher, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		store:  store,
		images: images,
		videos: videos,
		status: status,
		retry:  RetryPolicy{MaxAttempts: cfg.MaxAttempts},
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Eligible reports the media type and preset snapshot for meta, or the
// reason the file is not converted.
func (d *Dispatcher) Eligible(meta models.FileMetadata) (models.MediaType, models.Presets, string) {
	if !d.cfg.ConversionEnabled {
		return "", nil, "conversion disabled"
	}
	mediaType := models.MediaTypeFromMIME(meta.MimeType)
	if models.IsAnimatedImageMIME(meta.MimeType) {
		return mediaType, nil, "animated images are served as uploaded"
	}
	if models.IsVectorImageMIME(meta.MimeType) {
		return mediaType, nil, "vector images are served as uploaded"
	}
	presets := d.cfg.Presets.For(mediaType)
	if len(presets) == 0 {
		return mediaType, nil, fmt.Sprintf("no presets for media type %q", mediaType)
	}
	return mediaType, presets, ""
}

// OnFileUploaded creates a pending job for an eligible upload and dispatches
// it. The error is non-nil only when the job could not be recorded.
func (d *Dispatcher) OnFileUploaded(ctx context.Context, key string, meta models.FileMetadata) (DispatchResult, error) {
	log := d.logger.With().Str("source_key", key).Logger()

	mediaType, presets, reason := d.Eligible(meta)
	if reason != "" {
		log.Debug().Str("reason", reason).Msg("upload skipped")
		return DispatchResult{Outcome: OutcomeSkipped, Reason: reason}, nil
	}

	job := &models.ConversionJob{
		OriginalKey:      key,
		OwnerRef:         meta.OwnerRef,
		MediaType:        mediaType,
		MimeType:         meta.MimeType,
		FileSize:         meta.FileSize,
		OriginalFilename: meta.OriginalFilename,
		Presets:          presets,
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		log.Error().Err(err).Msg("failed to create conversion job")
		return DispatchResult{Outcome: OutcomeFailed, Reason: err.Error()}, err
	}
	d.publish(ctx, job.ID, models.StatusPending, 0, "")
	log.Info().Str("job_id", job.ID).Str("media_type", string(mediaType)).Msg("conversion job created")

	return d.Dispatch(ctx, job), nil
}

// Dispatch routes a pending job to its client. Pending-sweep retries come in
// here too.
func (d *Dispatcher) Dispatch(ctx context.Context, job *models.ConversionJob) DispatchResult {
	switch job.MediaType {
	case models.MediaImage:
		return d.convertImage(ctx, job)
	case models.MediaVideo:
		return d.submitVideo(ctx, job)
	default:
		err := &services.ConfigError{Setting: "media type " + string(job.MediaType), Reason: "has no conversion path"}
		return d.fail(ctx, job, err)
	}
}

func (d *Dispatcher) convertImage(ctx context.Context, job *models.ConversionJob) DispatchResult {
	log := d.logger.With().Str("job_id", job.ID).Str("source_key", job.OriginalKey).Logger()

	if err := d.store.MarkProcessing(ctx, job.ID, ""); err != nil {
		if errors.Is(err, services.ErrInvalidTransition) {
			log.Debug().Err(err).Msg("job already picked up")
			return DispatchResult{Outcome: OutcomeSkipped, JobID: job.ID, Reason: "job already picked up"}
		}
		log.Error().Err(err).Msg("failed to mark job processing")
		return DispatchResult{Outcome: OutcomeFailed, JobID: job.ID, Reason: err.Error()}
	}
	d.publish(ctx, job.ID, models.StatusProcessing, 0, "")

	start := time.Now()
	req := services.NewImageRequest(job.ID, job.OriginalKey, d.cfg.S3Bucket, d.cfg.CallbackURL, job.Presets, job.Metadata())
	result, err := d.images.Invoke(ctx, req)

	ctx, cancel := detached(ctx)
	defer cancel()
	if err != nil {
		return d.fail(ctx, job, err)
	}
	if !result.Completed() {
		msg := result.Error
		if msg == "" {
			msg = fmt.Sprintf("image conversion returned status %q", result.Status)
		}
		return d.fail(ctx, job, errors.New(msg))
	}

	files := make([]models.ConvertedFile, 0, len(result.ConvertedFiles))
	for _, out := range result.ConvertedFiles {
		if out.S3Key == "" {
			continue
		}
		files = append(files, models.ConvertedFile{
			OriginalKey:  job.OriginalKey,
			ConvertedKey: out.S3Key,
			Format:       out.Format,
			Preset:       out.Preset,
			Width:        out.Width,
			Height:       out.Height,
			FileSize:     out.FileSize,
			Quality:      out.Quality,
		})
	}
	if len(files) == 0 {
		return d.fail(ctx, job, errors.New("image conversion reported no converted files"))
	}

	if err := d.store.CompleteJob(ctx, job.ID, files); err != nil {
		if errors.Is(err, services.ErrInvalidTransition) {
			log.Warn().Err(err).Msg("job finished elsewhere, result discarded")
			return DispatchResult{Outcome: OutcomeSkipped, JobID: job.ID, Reason: "job already terminal"}
		}
		log.Error().Err(err).Msg("failed to record image conversion")
		return DispatchResult{Outcome: OutcomeFailed, JobID: job.ID, Reason: err.Error()}
	}
	d.publish(ctx, job.ID, models.StatusCompleted, 100, "")

	log.Info().Int("files", len(files)).Dur("duration", time.Since(start)).Msg("image conversion completed")
	return DispatchResult{Outcome: OutcomeDispatched, JobID: job.ID}
}

func (d *Dispatcher) submitVideo(ctx context.Context, job *models.ConversionJob) DispatchResult {
	log := d.logger.With().Str("job_id", job.ID).Str("source_key", job.OriginalKey).Logger()

	spec := services.BuildJobSpec(d.jobSpecParams(job))
	externalID, err := d.videos.CreateJob(ctx, spec)

	ctx, cancel := detached(ctx)
	defer cancel()
	if err != nil {
		return d.fail(ctx, job, err)
	}

	if err := d.store.MarkProcessing(ctx, job.ID, externalID); err != nil {
		// The upstream job keeps running; nothing cancels it.
		log.Error().Err(err).Str("external_job_id", externalID).Msg("failed to record submitted job")
		return DispatchResult{Outcome: OutcomeFailed, JobID: job.ID, Reason: err.Error()}
	}
	d.publish(ctx, job.ID, models.StatusProcessing, 0, "")

	log.Info().Str("external_job_id", externalID).Msg("video job submitted")
	return DispatchResult{Outcome: OutcomeDispatched, JobID: job.ID}
}

func (d *Dispatcher) jobSpecParams(job *models.ConversionJob) services.JobSpecParams {
	return services.JobSpecParams{
		JobID:           job.ID,
		Bucket:          d.cfg.S3Bucket,
		SourceKey:       job.OriginalKey,
		RoleARN:         d.cfg.MediaConvertRoleARN,
		QueueARN:        d.cfg.MediaConvertQueueARN,
		Presets:         job.Presets,
		ThumbnailOffset: d.cfg.ThumbnailOffset,
	}
}

func (d *Dispatcher) jobSpecSettings(job *models.ConversionJob) services.JobSettings {
	return services.BuildJobSpec(d.jobSpecParams(job)).Settings
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
}

func (d *Dispatcher) fail(ctx context.Context, job *models.ConversionJob, cause error) DispatchResult {
	d.recordFailure(ctx, job, cause)
	return DispatchResult{Outcome: OutcomeFailed, JobID: job.ID, Reason: cause.Error()}
}

// recordFailure counts a failed attempt against the job and returns the
// state it ended in, or "" when the failure could not be stored.
func (d *Dispatcher) recordFailure(ctx context.Context, job *models.ConversionJob, cause error) models.JobStatus {
	log := d.logger.With().Str("job_id", job.ID).Str("source_key", job.OriginalKey).Logger()

	ctx, cancel := detached(ctx)
	defer cancel()

	var upstream *services.UpstreamError
	if errors.As(cause, &upstream) && upstream.Hint != "" {
		log = log.With().Str("hint", upstream.Hint).Logger()
	}

	status, err := d.store.RecordFailure(ctx, job.ID, cause.Error(), d.retry.Limit(cause))
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("failed to record job failure")
		return ""
	}
	d.publish(ctx, job.ID, status, 0, cause.Error())

	if status == models.StatusPending {
		log.Warn().Err(cause).Int("attempt", job.Attempts+1).Msg("conversion attempt failed, job requeued")
	} else {
		log.Error().Err(cause).Msg("conversion failed")
	}
	return status
}

func (d *Dispatcher) publish(ctx context.Context, jobID string, status models.JobStatus, progress int, errMsg string) {
	if d.status == nil {
		return
	}
	if err := d.status.Publish(ctx, jobID, status, progress, errMsg); err != nil {
		d.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to publish job status")
	}
}
