package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mediaconverter/models"
)

const (
	lambdaService     = "lambda"
	lambdaInvokePath  = "/2015-03-31/functions/%s/invocations"
	functionErrHeader = "X-Amz-Function-Error"
)

// LambdaService invokes the stateless image transform function and returns
// its result inline.
type LambdaService struct {
	signedClient
	endpoint string
	function string
}

func NewLambdaService(endpoint, function, region string, creds Credentials, timeout time.Duration) *LambdaService {
	return &LambdaService{
		signedClient: newSignedClient(lambdaService, region, creds, timeout),
		endpoint:     strings.TrimRight(endpoint, "/"),
		function:     function,
	}
}

// ImagePreset is the wire form of one image preset.
type ImagePreset struct {
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Format  string `json:"format"`
	Quality int    `json:"quality,omitempty"`
	Suffix  string `json:"suffix"`
}

// ImageRequest is the invocation payload.
type ImageRequest struct {
	JobID        string                 `json:"job_id"`
	S3Key        string                 `json:"s3_key"`
	Bucket       string                 `json:"bucket"`
	Presets      map[string]ImagePreset `json:"presets"`
	CallbackURL  string                 `json:"callback_url,omitempty"`
	FileMetadata models.FileMetadata    `json:"file_metadata"`
}

// NewImageRequest converts a preset snapshot to the invocation payload.
func NewImageRequest(jobID, key, bucket, callbackURL string, presets models.Presets, meta models.FileMetadata) ImageRequest {
	wire := make(map[string]ImagePreset, len(presets))
	for _, p := range presets {
		wire[p.Name] = ImagePreset{Width: p.Width, Height: p.Height, Format: p.Format, Quality: p.Quality, Suffix: p.Suffix}
	}
	return ImageRequest{
		JobID:        jobID,
		S3Key:        key,
		Bucket:       bucket,
		Presets:      wire,
		CallbackURL:  callbackURL,
		FileMetadata: meta,
	}
}

// ImageOutput is one rendition reported by the transform function.
type ImageOutput struct {
	Preset   string `json:"preset"`
	Format   string `json:"format"`
	S3Key    string `json:"s3_key"`
	Width    *int   `json:"width,omitempty"`
	Height   *int   `json:"height,omitempty"`
	FileSize *int64 `json:"file_size,omitempty"`
	Quality  *int   `json:"quality,omitempty"`
}

// ImageResult is the transform function's inline response.
type ImageResult struct {
	Status         string        `json:"status"`
	ConvertedFiles []ImageOutput `json:"converted_files"`
	Error          string        `json:"error,omitempty"`
}

func (r *ImageResult) Completed() bool {
	return strings.EqualFold(r.Status, string(models.StatusCompleted))
}

// Invoke sends req to the transform function and waits for its result.
func (l *LambdaService) Invoke(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	if l.creds.Empty() {
		return nil, &ConfigError{Setting: "AWS credentials", Reason: "are not configured"}
	}
	if l.function == "" {
		return nil, &ConfigError{Setting: "LAMBDA_FUNCTION_NAME", Reason: "is empty"}
	}
	if l.endpoint == "" {
		return nil, &ConfigError{Setting: "LAMBDA_ENDPOINT", Reason: "is empty"}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode invocation payload: %w", err)
	}

	path := fmt.Sprintf(lambdaInvokePath, escapeFunctionName(l.function))
	resp, err := l.do(ctx, http.MethodPost, l.endpoint, path, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newUpstreamError(lambdaService, resp.StatusCode, resp.Body)
	}
	if resp.Header.Get(functionErrHeader) != "" {
		return nil, &UpstreamError{
			Service:    lambdaService,
			StatusCode: resp.StatusCode,
			Message:    extractErrorMessage(resp.StatusCode, resp.Body),
			Hint:       "function raised " + resp.Header.Get(functionErrHeader),
		}
	}
	return parseImageResult(resp.Body)
}

// escapeFunctionName escapes a function name or ARN as one path segment.
// PathEscape keeps ':' literal, which the service rejects for ARNs.
func escapeFunctionName(name string) string {
	return strings.ReplaceAll(url.PathEscape(name), ":", "%3A")
}

// parseImageResult accepts the result at the top level or wrapped in an
// API-gateway style envelope whose body is a JSON string or object.
func parseImageResult(body []byte) (*ImageResult, error) {
	var envelope struct {
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode lambda response: %w", err)
	}

	raw := body
	if len(envelope.Body) > 0 {
		raw = envelope.Body
		var nested string
		if err := json.Unmarshal(envelope.Body, &nested); err == nil {
			raw = []byte(nested)
		}
	}

	var result ImageResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode conversion result: %w", err)
	}
	if result.Status == "" {
		return nil, fmt.Errorf("conversion result has no status")
	}
	return &result, nil
}
