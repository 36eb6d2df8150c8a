package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether normal flow may still move a job out of s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ConversionJob is one attempt to produce renditions from one source object.
type ConversionJob struct {
	ID               string         `json:"id"`
	OriginalKey      string         `json:"original_key"`
	OwnerRef         string         `json:"owner_ref"`
	MediaType        MediaType      `json:"media_type"`
	MimeType         string         `json:"mime_type"`
	FileSize         int64          `json:"file_size"`
	OriginalFilename string         `json:"original_filename"`
	Status           JobStatus      `json:"status"`
	ExternalJobID    string         `json:"external_job_id,omitempty"`
	Presets          Presets        `json:"presets"`
	ConvertedFiles   ConvertedFiles `json:"converted_files"`
	Progress         int            `json:"progress"`
	Attempts         int            `json:"attempts"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// Metadata returns the upload metadata the job was created from.
func (j *ConversionJob) Metadata() FileMetadata {
	return FileMetadata{
		MimeType:         j.MimeType,
		FileSize:         j.FileSize,
		OriginalFilename: j.OriginalFilename,
		OwnerRef:         j.OwnerRef,
	}
}

// ConvertedFile is a single rendition produced for a job and preset.
type ConvertedFile struct {
	ID              string    `json:"id"`
	ConversionJobID string    `json:"conversion_job_id"`
	OriginalKey     string    `json:"original_key"`
	ConvertedKey    string    `json:"converted_key"`
	Format          string    `json:"format"`
	Preset          string    `json:"preset"`
	Width           *int      `json:"width,omitempty"`
	Height          *int      `json:"height,omitempty"`
	FileSize        *int64    `json:"file_size,omitempty"`
	Quality         *int      `json:"quality,omitempty"`
	Bitrate         *int      `json:"bitrate,omitempty"`
	Duration        *float64  `json:"duration,omitempty"`
	ThumbnailKey    string    `json:"thumbnail_key,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ConvertedFiles is the denormalized snapshot stored on the job row.
type ConvertedFiles []ConvertedFile

func (c ConvertedFiles) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *ConvertedFiles) Scan(value interface{}) error {
	return scanJSON(value, c)
}

// FileMetadata describes an uploaded source object.
type FileMetadata struct {
	MimeType         string `json:"mime_type"`
	FileSize         int64  `json:"file_size"`
	OriginalFilename string `json:"original_filename"`
	OwnerRef         string `json:"owner_ref,omitempty"`
	Width            int    `json:"width,omitempty"`
	Height           int    `json:"height,omitempty"`
}

// Stats aggregates job counts for operators.
type Stats struct {
	Total          int     `json:"total"`
	Completed      int     `json:"completed"`
	Processing     int     `json:"processing"`
	Pending        int     `json:"pending"`
	Failed         int     `json:"failed"`
	ConversionRate float64 `json:"conversion_rate"`
}

func scanJSON(value interface{}, dest interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported json column type %T", value)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}
