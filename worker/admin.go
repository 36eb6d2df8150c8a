package worker

import (
	"context"
	"errors"
	"path"
	"time"

	"mediaconverter/models"
	"mediaconverter/services"

	"github.com/rs/zerolog"
)

// ErrNoObjectStore is returned when an operation needs to list the bucket
// but none is configured.
var ErrNoObjectStore = errors.New("object store is not configured")

const scanFactor = 5

// ObjectLister enumerates source objects.
type ObjectLister interface {
	List(ctx context.Context, prefix string, limit int) ([]services.ObjectInfo, error)
}

// ReprocessReport summarizes a legacy reprocessing run.
type ReprocessReport struct {
	Scanned    int `json:"scanned"`
	Skipped    int `json:"skipped"`
	Dispatched int `json:"dispatched"`
	Failed     int `json:"failed"`
}

// Admin holds operator actions.
type Admin struct {
	store      Store
	objects    ObjectLister
	dispatcher *Dispatcher
	pause      time.Duration
	logger     zerolog.Logger
}

// NewAdmin builds the operator surface. objects may be nil.
func NewAdmin(store Store, objects ObjectLister, dispatcher *Dispatcher, pause time.Duration, logger zerolog.Logger) *Admin {
	return &Admin{
		store:      store,
		objects:    objects,
		dispatcher: dispatcher,
		pause:      pause,
		logger:     logger.With().Str("component", "admin").Logger(),
	}
}

// ReprocessLegacy dispatches up to limit objects under prefix that have no
// completed or in-flight job yet.
func (a *Admin) ReprocessLegacy(ctx context.Context, prefix string, limit int) (ReprocessReport, error) {
	var report ReprocessReport
	if a.objects == nil {
		return report, ErrNoObjectStore
	}

	// Already converted objects use up part of the listing, so look further
	// than limit, but not without bound.
	objects, err := a.objects.List(ctx, prefix, limit*scanFactor)
	if err != nil {
		return report, err
	}

	var candidates []services.ObjectInfo
	for _, obj := range objects {
		if limit > 0 && len(candidates) >= limit {
			break
		}
		report.Scanned++
		has, err := a.store.HasJob(ctx, obj.Key, models.StatusPending, models.StatusProcessing, models.StatusCompleted)
		if err != nil {
			return report, err
		}
		if has {
			report.Skipped++
			continue
		}
		candidates = append(candidates, obj)
	}

	queue := BatchQueue[services.ObjectInfo]{
		Pull: func(context.Context, int) ([]services.ObjectInfo, error) {
			return candidates, nil
		},
		Pause: a.pause,
	}
	_, err = queue.Drain(ctx, func(ctx context.Context, obj services.ObjectInfo) {
		res, err := a.dispatcher.OnFileUploaded(ctx, obj.Key, models.FileMetadata{
			MimeType:         obj.ContentType,
			FileSize:         obj.Size,
			OriginalFilename: path.Base(obj.Key),
		})
		switch {
		case err != nil, res.Outcome == OutcomeFailed:
			report.Failed++
		case res.Outcome == OutcomeSkipped:
			report.Skipped++
		default:
			report.Dispatched++
		}
	})

	a.logger.Info().
		Str("prefix", prefix).
		Int("scanned", report.Scanned).
		Int("dispatched", report.Dispatched).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("legacy reprocessing finished")
	return report, err
}

// ResetFile forgets every job for key so the next upload event converts it
// afresh.
func (a *Admin) ResetFile(ctx context.Context, key string) (int64, error) {
	n, err := a.store.DeleteJobsForKey(ctx, key)
	if err != nil {
		return 0, err
	}
	a.logger.Info().Str("source_key", key).Int64("jobs", n).Msg("conversion history reset")
	return n, nil
}

func (a *Admin) ClearPendingAndFailed(ctx context.Context) (int64, error) {
	n, err := a.store.ClearPendingAndFailed(ctx)
	if err != nil {
		return 0, err
	}
	a.logger.Info().Int64("jobs", n).Msg("pending and failed jobs cleared")
	return n, nil
}

func (a *Admin) Stats(ctx context.Context) (models.Stats, error) {
	return a.store.Stats(ctx)
}
