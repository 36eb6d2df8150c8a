package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"mediaconverter/models"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrJobNotFound       = errors.New("conversion job not found")
	ErrRenditionNotFound = errors.New("rendition not found")
	// ErrInvalidTransition is returned when a job is not in a state the
	// requested update may move it from, e.g. it already reached a
	// terminal state.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// FormatPreference orders formats for serving, most preferred first.
var FormatPreference = []string{"webp", "mp4", "jpeg", "jpg", "webm", "png"}

const schema = `
CREATE TABLE IF NOT EXISTS conversion_jobs (
	id TEXT PRIMARY KEY,
	original_key TEXT NOT NULL,
	owner_ref TEXT NOT NULL DEFAULT '',
	media_type TEXT NOT NULL,
	mime_type TEXT NOT NULL DEFAULT '',
	file_size BIGINT NOT NULL DEFAULT 0,
	original_filename TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	external_job_id TEXT,
	presets TEXT NOT NULL DEFAULT '[]',
	converted_files TEXT NOT NULL DEFAULT '[]',
	progress INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_conversion_jobs_status ON conversion_jobs(status, media_type);
CREATE INDEX IF NOT EXISTS idx_conversion_jobs_original_key ON conversion_jobs(original_key);

CREATE TABLE IF NOT EXISTS converted_files (
	id TEXT PRIMARY KEY,
	conversion_job_id TEXT NOT NULL REFERENCES conversion_jobs(id) ON DELETE CASCADE,
	original_key TEXT NOT NULL,
	converted_key TEXT NOT NULL,
	format TEXT NOT NULL,
	preset TEXT NOT NULL,
	width INTEGER,
	height INTEGER,
	file_size BIGINT,
	quality INTEGER,
	bitrate INTEGER,
	duration DOUBLE PRECISION,
	thumbnail_key TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_converted_files_rendition
	ON converted_files(conversion_job_id, original_key, preset, format);
CREATE INDEX IF NOT EXISTS idx_converted_files_original_key ON converted_files(original_key);
`

const jobColumns = `id, original_key, owner_ref, media_type, mime_type, file_size, original_filename,
	status, external_job_id, presets, converted_files, progress, attempts, error_message,
	created_at, started_at, completed_at`

const fileColumns = `f.id, f.conversion_job_id, f.original_key, f.converted_key, f.format, f.preset,
	f.width, f.height, f.file_size, f.quality, f.bitrate, f.duration, f.thumbnail_key, f.created_at`

// JobStore persists conversion jobs and their renditions. Every state change
// is a single guarded UPDATE keyed by job id.
type JobStore struct {
	db       *sql.DB
	postgres bool
	now      func() time.Time
}

// NewJobStore opens driver ("postgres" or "sqlite3") at dsn.
func NewJobStore(driver, dsn string) (*JobStore, error) {
	if driver == "sqlite3" && !strings.Contains(dsn, "_foreign_keys") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_foreign_keys=on"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == "sqlite3" {
		// One writer avoids SQLITE_BUSY between overlapping statements.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &JobStore{
		db:       db,
		postgres: driver == "postgres",
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Migrate creates the tables if they do not exist.
func (s *JobStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *JobStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *JobStore) Close() error {
	return s.db.Close()
}

// rebind turns ? placeholders into $n for postgres.
func (s *JobStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateJob inserts job as pending, assigning an id when empty.
func (s *JobStore) CreateJob(ctx context.Context, job *models.ConversionJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := s.now()
	job.Status = models.StatusPending
	job.CreatedAt = now

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO conversion_jobs (
			id, original_key, owner_ref, media_type, mime_type, file_size, original_filename,
			status, external_job_id, presets, converted_files, progress, attempts, error_message,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.OriginalKey, job.OwnerRef, string(job.MediaType), job.MimeType, job.FileSize,
		job.OriginalFilename, string(job.Status), nullString(job.ExternalJobID), job.Presets,
		job.ConvertedFiles, job.Progress, job.Attempts, nullString(job.ErrorMessage), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert conversion job: %w", err)
	}
	return nil
}

func (s *JobStore) GetJob(ctx context.Context, id string) (*models.ConversionJob, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM conversion_jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Status       models.JobStatus
	MediaType    models.MediaType
	ExternalOnly bool
	InternalOnly bool
	Limit        int

	// UpdatedBefore skips rows touched at or after this instant.
	UpdatedBefore time.Time
}

// ListJobs returns matching jobs, least recently touched first, so rows that
// keep getting skipped do not hold the head of every batch.
func (s *JobStore) ListJobs(ctx context.Context, f JobFilter) ([]*models.ConversionJob, error) {
	query := `SELECT ` + jobColumns + ` FROM conversion_jobs WHERE 1 = 1`
	var args []interface{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.MediaType != "" {
		query += ` AND media_type = ?`
		args = append(args, string(f.MediaType))
	}
	if f.ExternalOnly {
		query += ` AND external_job_id IS NOT NULL AND external_job_id <> ''`
	}
	if f.InternalOnly {
		query += ` AND (external_job_id IS NULL OR external_job_id = '')`
	}
	if !f.UpdatedBefore.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, f.UpdatedBefore.UTC())
	}
	query += ` ORDER BY updated_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversion jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ConversionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkProcessing moves a pending job to processing. externalJobID is set
// only for jobs submitted to an asynchronous service.
func (s *JobStore) MarkProcessing(ctx context.Context, id, externalJobID string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE conversion_jobs
		SET status = ?, external_job_id = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(models.StatusProcessing), nullString(externalJobID), now, now, id, string(models.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to mark job processing: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// UpdateProgress records upstream progress on a processing job.
func (s *JobStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE conversion_jobs SET progress = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		progress, s.now(), id, string(models.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// CompleteJob marks a non-terminal job completed and records its
// renditions. A job that is already terminal is left untouched and
// ErrInvalidTransition is returned, so repeated completion of the same
// upstream result never duplicates rows.
func (s *JobStore) CompleteJob(ctx context.Context, id string, files []models.ConvertedFile) error {
	now := s.now()
	snapshot := make(models.ConvertedFiles, 0, len(files))
	for _, f := range files {
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		f.ConversionJobID = id
		f.CreatedAt = now
		snapshot = append(snapshot, f)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE conversion_jobs
		SET status = ?, progress = 100, converted_files = ?, error_message = NULL,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`),
		string(models.StatusCompleted), snapshot, now, now, id,
		string(models.StatusPending), string(models.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		_ = tx.Rollback()
		return s.missingOrTerminal(ctx, id)
	}

	for _, f := range snapshot {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO converted_files (
				id, conversion_job_id, original_key, converted_key, format, preset,
				width, height, file_size, quality, bitrate, duration, thumbnail_key, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (conversion_job_id, original_key, preset, format) DO NOTHING`),
			f.ID, f.ConversionJobID, f.OriginalKey, f.ConvertedKey, f.Format, f.Preset,
			f.Width, f.Height, f.FileSize, f.Quality, f.Bitrate, f.Duration,
			nullString(f.ThumbnailKey), f.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert converted file %s: %w", f.ConvertedKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit completion: %w", err)
	}
	return nil
}

// RecordFailure counts a failed attempt. While attempts stay below
// retryLimit the job returns to pending for the next sweep; otherwise it
// becomes failed. A retryLimit of zero fails the job immediately.
func (s *JobStore) RecordFailure(ctx context.Context, id, message string, retryLimit int) (models.JobStatus, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE conversion_jobs
		SET attempts = attempts + 1, error_message = ?, status = ?, external_job_id = NULL,
			progress = 0, started_at = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND attempts + 1 < ?`),
		message, string(models.StatusPending), now, id,
		string(models.StatusPending), string(models.StatusProcessing), retryLimit,
	)
	if err != nil {
		return "", fmt.Errorf("failed to requeue job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 1 {
		return models.StatusPending, nil
	}

	res, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE conversion_jobs
		SET attempts = attempts + 1, error_message = ?, status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`),
		message, string(models.StatusFailed), now, now, id,
		string(models.StatusPending), string(models.StatusProcessing),
	)
	if err != nil {
		return "", fmt.Errorf("failed to mark job failed: %w", err)
	}
	if err := s.checkTransition(ctx, res, id); err != nil {
		return "", err
	}
	return models.StatusFailed, nil
}

func (s *JobStore) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return s.missingOrTerminal(ctx, id)
	}
	return nil
}

func (s *JobStore) missingOrTerminal(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT status FROM conversion_jobs WHERE id = ?`), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load job status: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, status)
}

// ConvertedFiles lists the renditions recorded for one job.
func (s *JobStore) ConvertedFiles(ctx context.Context, jobID string) ([]models.ConvertedFile, error) {
	return s.queryFiles(ctx, `SELECT `+fileColumns+` FROM converted_files f
		WHERE f.conversion_job_id = ? ORDER BY f.created_at ASC, f.preset ASC`, jobID)
}

// ConvertedVersions lists renditions of originalKey from completed jobs,
// optionally narrowed by format and preset.
func (s *JobStore) ConvertedVersions(ctx context.Context, originalKey, format, preset string) ([]models.ConvertedFile, error) {
	query := `SELECT ` + fileColumns + ` FROM converted_files f
		JOIN conversion_jobs j ON j.id = f.conversion_job_id
		WHERE f.original_key = ? AND j.status = ?`
	args := []interface{}{originalKey, string(models.StatusCompleted)}
	if format != "" {
		query += ` AND f.format = ?`
		args = append(args, format)
	}
	if preset != "" {
		query += ` AND f.preset = ?`
		args = append(args, preset)
	}
	query += ` ORDER BY j.completed_at DESC, f.preset ASC`
	return s.queryFiles(ctx, query, args...)
}

// BestRendition picks the preferred-format rendition of originalKey for
// preset, newest job first within a format.
func (s *JobStore) BestRendition(ctx context.Context, originalKey, preset string) (*models.ConvertedFile, error) {
	files, err := s.ConvertedVersions(ctx, originalKey, "", preset)
	if err != nil {
		return nil, err
	}
	best := pickPreferred(files)
	if best == nil {
		return nil, ErrRenditionNotFound
	}
	return best, nil
}

// Thumbnail returns the poster for originalKey. Video posters are frame
// captures that are themselves converted; the converted webp is preferred
// and the captured jpg is the fallback.
func (s *JobStore) Thumbnail(ctx context.Context, originalKey string) (*models.ConvertedFile, error) {
	files, err := s.ConvertedVersions(ctx, originalKey, "", "")
	if err != nil {
		return nil, err
	}

	var poster *models.ConvertedFile
	for i := range files {
		if files[i].ThumbnailKey != "" && files[i].ConvertedKey == files[i].ThumbnailKey {
			poster = &files[i]
			break
		}
	}
	if poster != nil {
		derived, err := s.ConvertedVersions(ctx, poster.ConvertedKey, "webp", "")
		if err != nil {
			return nil, err
		}
		for i := range derived {
			if derived[i].Preset == "thumbnail" {
				return &derived[i], nil
			}
		}
		if len(derived) > 0 {
			return &derived[0], nil
		}
		return poster, nil
	}

	var thumbs []models.ConvertedFile
	for _, f := range files {
		if f.Preset == "thumbnail" {
			thumbs = append(thumbs, f)
		}
	}
	if best := pickPreferred(thumbs); best != nil {
		return best, nil
	}
	return nil, ErrRenditionNotFound
}

func pickPreferred(files []models.ConvertedFile) *models.ConvertedFile {
	if len(files) == 0 {
		return nil
	}
	rank := func(format string) int {
		for i, f := range FormatPreference {
			if strings.EqualFold(f, format) {
				return i
			}
		}
		return len(FormatPreference)
	}
	sorted := make([]models.ConvertedFile, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool {
		return rank(sorted[i].Format) < rank(sorted[j].Format)
	})
	return &sorted[0]
}

// HasJob reports whether originalKey has a job in one of statuses.
func (s *JobStore) HasJob(ctx context.Context, originalKey string, statuses ...models.JobStatus) (bool, error) {
	query := `SELECT COUNT(*) FROM conversion_jobs WHERE original_key = ?`
	args := []interface{}{originalKey}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	var count int
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count > 0, nil
}

// DeleteJobsForKey removes every job for originalKey; renditions cascade.
func (s *JobStore) DeleteJobsForKey(ctx context.Context, originalKey string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM conversion_jobs WHERE original_key = ?`), originalKey)
	if err != nil {
		return 0, fmt.Errorf("failed to delete jobs: %w", err)
	}
	return res.RowsAffected()
}

// ClearPendingAndFailed deletes pending and failed jobs so their sources
// can be reprocessed.
func (s *JobStore) ClearPendingAndFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM conversion_jobs WHERE status IN (?, ?)`),
		string(models.StatusPending), string(models.StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("failed to clear jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *JobStore) Stats(ctx context.Context) (models.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM conversion_jobs GROUP BY status`)
	if err != nil {
		return models.Stats{}, fmt.Errorf("failed to aggregate jobs: %w", err)
	}
	defer rows.Close()

	var stats models.Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return models.Stats{}, err
		}
		stats.Total += count
		switch models.JobStatus(status) {
		case models.StatusCompleted:
			stats.Completed = count
		case models.StatusProcessing:
			stats.Processing = count
		case models.StatusPending:
			stats.Pending = count
		case models.StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return models.Stats{}, err
	}
	if stats.Total > 0 {
		rate := float64(stats.Completed) / float64(stats.Total) * 100
		stats.ConversionRate = float64(int(rate*100+0.5)) / 100
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.ConversionJob, error) {
	var (
		job                    models.ConversionJob
		mediaType, status      string
		externalID, errMessage sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.OriginalKey, &job.OwnerRef, &mediaType, &job.MimeType, &job.FileSize,
		&job.OriginalFilename, &status, &externalID, &job.Presets, &job.ConvertedFiles,
		&job.Progress, &job.Attempts, &errMessage, &job.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	job.MediaType = models.MediaType(mediaType)
	job.Status = models.JobStatus(status)
	job.ExternalJobID = externalID.String
	job.ErrorMessage = errMessage.String
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

func (s *JobStore) queryFiles(ctx context.Context, query string, args ...interface{}) ([]models.ConvertedFile, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query converted files: %w", err)
	}
	defer rows.Close()

	var files []models.ConvertedFile
	for rows.Next() {
		var (
			f                                     models.ConvertedFile
			width, height, size, quality, bitrate sql.NullInt64
			duration                              sql.NullFloat64
			thumbnailKey                          sql.NullString
		)
		if err := rows.Scan(
			&f.ID, &f.ConversionJobID, &f.OriginalKey, &f.ConvertedKey, &f.Format, &f.Preset,
			&width, &height, &size, &quality, &bitrate, &duration, &thumbnailKey, &f.CreatedAt,
		); err != nil {
			return nil, err
		}
		f.Width = intPtr(width)
		f.Height = intPtr(height)
		f.Quality = intPtr(quality)
		f.Bitrate = intPtr(bitrate)
		if size.Valid {
			v := size.Int64
			f.FileSize = &v
		}
		if duration.Valid {
			v := duration.Float64
			f.Duration = &v
		}
		f.ThumbnailKey = thumbnailKey.String
		files = append(files, f)
	}
	return files, rows.Err()
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
