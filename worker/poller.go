package worker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"mediaconverter/config"
	"mediaconverter/models"
	"mediaconverter/services"

	"github.com/rs/zerolog"
)

// TickReport counts what one tick did.
type TickReport struct {
	Reconciled int `json:"reconciled"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Recovered  int `json:"recovered"`
	Dispatched int `json:"dispatched"`
}

// Poller brings asynchronous jobs in line with the upstream service and
// retries jobs left pending.
type Poller struct {
	cfg        *config.Config
	store      Store
	videos     VideoTranscoder
	resolver   services.OutputResolver
	dispatcher *Dispatcher
	logger     zerolog.Logger
	now        func() time.Time
}

func NewPoller(cfg *config.Config, store Store, videos VideoTranscoder, resolver services.OutputResolver, dispatcher *Dispatcher, logger zerolog.Logger) *Poller {
	return &Poller{
		cfg:        cfg,
		store:      store,
		videos:     videos,
		resolver:   resolver,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "poller").Logger(),
		now:        time.Now,
	}
}

// Tick reconciles in-flight video jobs, recovers synchronous jobs stranded in
// processing, then sweeps pending ones.
func (p *Poller) Tick(ctx context.Context) TickReport {
	var report TickReport

	inflight := BatchQueue[*models.ConversionJob]{
		Pull: func(ctx context.Context, limit int) ([]*models.ConversionJob, error) {
			return p.store.ListJobs(ctx, services.JobFilter{
				Status:       models.StatusProcessing,
				MediaType:    models.MediaVideo,
				ExternalOnly: true,
				Limit:        limit,
			})
		},
		Limit: p.cfg.ReconcileBatch,
	}
	n, err := inflight.Drain(ctx, func(ctx context.Context, job *models.ConversionJob) {
		switch p.reconcile(ctx, job) {
		case models.StatusCompleted:
			report.Completed++
		case models.StatusFailed:
			report.Failed++
		}
	})
	report.Reconciled = n
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Error().Err(err).Msg("failed to load in-flight jobs")
	}

	// A synchronous conversion is only in processing for one round trip. One
	// still there after the timeout lost its owner to a crash or a write that
	// never landed.
	stalled := BatchQueue[*models.ConversionJob]{
		Pull: func(ctx context.Context, limit int) ([]*models.ConversionJob, error) {
			return p.store.ListJobs(ctx, services.JobFilter{
				Status:        models.StatusProcessing,
				InternalOnly:  true,
				UpdatedBefore: p.now().Add(-p.cfg.ProcessingTimeout),
				Limit:         limit,
			})
		},
		Limit: p.cfg.ReconcileBatch,
	}
	_, err = stalled.Drain(ctx, func(ctx context.Context, job *models.ConversionJob) {
		cause := fmt.Errorf("conversion stalled in processing for over %s", p.cfg.ProcessingTimeout)
		switch p.dispatcher.recordFailure(ctx, job, cause) {
		case models.StatusPending:
			report.Recovered++
		case models.StatusFailed:
			report.Failed++
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Error().Err(err).Msg("failed to load stalled jobs")
	}

	pending := BatchQueue[*models.ConversionJob]{
		Pull: func(ctx context.Context, limit int) ([]*models.ConversionJob, error) {
			return p.store.ListJobs(ctx, services.JobFilter{
				Status:        models.StatusPending,
				UpdatedBefore: p.now().Add(-p.cfg.PendingGrace),
				Limit:         limit,
			})
		},
		Limit: p.cfg.PendingBatch,
		Pause: p.cfg.BatchPause,
	}
	_, err = pending.Drain(ctx, func(ctx context.Context, job *models.ConversionJob) {
		p.logger.Info().Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("redispatching pending job")
		if res := p.dispatcher.Dispatch(ctx, job); res.Outcome == OutcomeDispatched {
			report.Dispatched++
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Error().Err(err).Msg("failed to load pending jobs")
	}

	return report
}

// reconcile applies the upstream state of one job and returns the local
// state it moved to, or "" when nothing terminal happened.
func (p *Poller) reconcile(ctx context.Context, job *models.ConversionJob) models.JobStatus {
	log := p.logger.With().Str("job_id", job.ID).Str("external_job_id", job.ExternalJobID).Logger()

	upstream, err := p.videos.GetJob(ctx, job.ExternalJobID)
	if err != nil {
		var rejected *services.UpstreamError
		if errors.As(err, &rejected) && rejected.Rejected() {
			// The service will not answer for this job again (purged id,
			// revoked access); count it against the attempt ceiling.
			return terminal(p.dispatcher.recordFailure(ctx, job, err))
		}
		// Transport trouble, throttling or an unreadable payload says
		// nothing about the job itself; look again next tick.
		log.Warn().Err(err).Msg("failed to fetch upstream status")
		return ""
	}

	switch upstream.Status {
	case services.JobComplete:
		return p.complete(ctx, job, upstream)
	case services.JobError, services.JobCanceled:
		msg := upstream.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("transcoding job ended with status %s", upstream.Status)
		} else if upstream.ErrorCode != 0 {
			msg = fmt.Sprintf("%s (code %d)", msg, upstream.ErrorCode)
		}
		return terminal(p.dispatcher.recordFailure(ctx, job, errors.New(msg)))
	case services.JobProgressing, services.JobSubmitted:
		if upstream.JobPercentComplete != nil {
			if err := p.store.UpdateProgress(ctx, job.ID, *upstream.JobPercentComplete); err != nil {
				log.Warn().Err(err).Msg("failed to update progress")
				return ""
			}
			p.dispatcher.publish(ctx, job.ID, models.StatusProcessing, *upstream.JobPercentComplete, "")
		}
		return ""
	default:
		log.Warn().Str("status", upstream.Status).Msg("unknown upstream status")
		return ""
	}
}

func (p *Poller) complete(ctx context.Context, job *models.ConversionJob, upstream *services.JobStatus) models.JobStatus {
	log := p.logger.With().Str("job_id", job.ID).Str("external_job_id", job.ExternalJobID).Logger()

	settings := p.dispatcher.jobSpecSettings(job)
	if upstream.Settings != nil && len(upstream.Settings.OutputGroups) > 0 {
		settings = *upstream.Settings
	}

	outputs, err := p.resolver.ResolveOutputs(settings, job.OriginalKey)
	if err != nil {
		return terminal(p.dispatcher.recordFailure(ctx, job, &services.ConfigError{Setting: "output settings", Reason: err.Error()}))
	}

	files := renditionsFor(job, outputs)
	if len(files) == 0 {
		return terminal(p.dispatcher.recordFailure(ctx, job, &services.ConfigError{Setting: "output settings", Reason: "declare no file outputs"}))
	}

	if err := p.store.CompleteJob(ctx, job.ID, files); err != nil {
		if errors.Is(err, services.ErrInvalidTransition) {
			log.Debug().Err(err).Msg("job already terminal")
			return ""
		}
		log.Error().Err(err).Msg("failed to record transcoding result")
		return ""
	}
	p.dispatcher.publish(ctx, job.ID, models.StatusCompleted, 100, "")
	log.Info().Int("files", len(files)).Msg("video job completed")

	for _, out := range outputs {
		if out.FrameCapture {
			p.convertPoster(ctx, job, out.Key)
		}
	}
	return models.StatusCompleted
}

// renditionsFor maps resolved outputs back to the job's presets. Every row
// carries the poster key so the serving side can find the thumbnail.
func renditionsFor(job *models.ConversionJob, outputs []services.ResolvedOutput) []models.ConvertedFile {
	var posterKey string
	for _, out := range outputs {
		if out.FrameCapture {
			posterKey = out.Key
			break
		}
	}

	files := make([]models.ConvertedFile, 0, len(outputs))
	for _, out := range outputs {
		preset := strings.TrimPrefix(out.NameModifier, "_")
		if p, ok := job.Presets.BySuffix(out.NameModifier); ok {
			preset = p.Name
		}
		files = append(files, models.ConvertedFile{
			OriginalKey:  job.OriginalKey,
			ConvertedKey: out.Key,
			Format:       out.Format,
			Preset:       preset,
			Width:        positive(out.Width),
			Height:       positive(out.Height),
			Bitrate:      positive(out.Bitrate),
			ThumbnailKey: posterKey,
		})
	}
	return files
}

// convertPoster turns a captured frame into web renditions through the image
// path. The captured jpg stays recorded either way.
func (p *Poller) convertPoster(ctx context.Context, video *models.ConversionJob, key string) {
	meta := models.FileMetadata{
		MimeType:         "image/jpeg",
		OriginalFilename: path.Base(key),
		OwnerRef:         video.OwnerRef,
	}
	res, err := p.dispatcher.OnFileUploaded(ctx, key, meta)
	log := p.logger.With().Str("job_id", video.ID).Str("poster_key", key).Logger()
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("poster conversion not started, keeping captured frame")
	case res.Outcome != OutcomeDispatched:
		log.Warn().Str("outcome", string(res.Outcome)).Str("reason", res.Reason).Msg("poster conversion did not complete, keeping captured frame")
	default:
		log.Info().Str("poster_job_id", res.JobID).Msg("poster converted")
	}
}

func terminal(status models.JobStatus) models.JobStatus {
	if status.Terminal() {
		return status
	}
	return ""
}

func positive(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}
