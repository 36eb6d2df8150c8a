package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	mediaConvertService = "mediaconvert"
	jobsPath            = "/2017-08-29/jobs"
)

// Upstream job states.
const (
	JobSubmitted   = "SUBMITTED"
	JobProgressing = "PROGRESSING"
	JobComplete    = "COMPLETE"
	JobError       = "ERROR"
	JobCanceled    = "CANCELED"
)

// ErrMalformedStatus means a status response could not be interpreted.
// The job should be left alone until the next poll.
var ErrMalformedStatus = errors.New("malformed job status payload")

// MediaConvertService submits and inspects managed transcoding jobs.
type MediaConvertService struct {
	signedClient
	endpoint string
}

func NewMediaConvertService(endpoint, region string, creds Credentials, timeout time.Duration) *MediaConvertService {
	return &MediaConvertService{
		signedClient: newSignedClient(mediaConvertService, region, creds, timeout),
		endpoint:     strings.TrimRight(endpoint, "/"),
	}
}

// JobStatus is the upstream view of a job.
type JobStatus struct {
	ID                 string       `json:"id"`
	Status             string       `json:"status"`
	JobPercentComplete *int         `json:"jobPercentComplete,omitempty"`
	Settings           *JobSettings `json:"settings,omitempty"`
	ErrorMessage       string       `json:"errorMessage,omitempty"`
	ErrorCode          int          `json:"errorCode,omitempty"`
}

type jobEnvelope struct {
	Job *JobStatus `json:"job"`
}

func (m *MediaConvertService) checkConfig() error {
	if m.creds.Empty() {
		return &ConfigError{Setting: "AWS credentials", Reason: "are not configured"}
	}
	if m.endpoint == "" {
		return &ConfigError{Setting: "MEDIACONVERT_ENDPOINT", Reason: "is empty"}
	}
	return nil
}

// CreateJob submits spec and returns the upstream job id. It does not wait
// for the job to run.
func (m *MediaConvertService) CreateJob(ctx context.Context, spec JobSpecification) (string, error) {
	if err := m.checkConfig(); err != nil {
		return "", err
	}
	if spec.Role == "" {
		return "", &ConfigError{Setting: "MEDIACONVERT_ROLE_ARN", Reason: "is empty"}
	}

	payload, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("failed to encode job specification: %w", err)
	}

	resp, err := m.do(ctx, http.MethodPost, m.endpoint, jobsPath, payload)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated {
		return "", newUpstreamError(mediaConvertService, resp.StatusCode, resp.Body)
	}

	var env jobEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return "", fmt.Errorf("failed to decode create job response: %w", err)
	}
	if env.Job == nil || env.Job.ID == "" {
		return "", fmt.Errorf("create job response has no job id")
	}
	return env.Job.ID, nil
}

// GetJob fetches the current upstream state of a job.
func (m *MediaConvertService) GetJob(ctx context.Context, externalID string) (*JobStatus, error) {
	if err := m.checkConfig(); err != nil {
		return nil, err
	}

	resp, err := m.do(ctx, http.MethodGet, m.endpoint, jobsPath+"/"+url.PathEscape(externalID), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newUpstreamError(mediaConvertService, resp.StatusCode, resp.Body)
	}

	var env jobEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStatus, err)
	}
	if env.Job == nil || env.Job.Status == "" {
		return nil, fmt.Errorf("%w: job status missing", ErrMalformedStatus)
	}
	return env.Job, nil
}
