package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ConfigError means a request could not be attempted because required
// configuration is missing. Retrying without operator action cannot help.
type ConfigError struct {
	Setting string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Setting, e.Reason)
}

// IsConfigError reports whether err is, or wraps, a ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// UpstreamError is a non-success HTTP response from a conversion service.
type UpstreamError struct {
	Service    string
	StatusCode int
	Message    string
	Hint       string
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("%s returned status %d: %s", e.Service, e.StatusCode, e.Message)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// Rejected reports whether the service refused the request itself. Asking
// again unchanged cannot succeed; throttling and timeouts are not rejections.
func (e *UpstreamError) Rejected() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

func newUpstreamError(service string, statusCode int, body []byte) *UpstreamError {
	message := extractErrorMessage(statusCode, body)
	return &UpstreamError{
		Service:    service,
		StatusCode: statusCode,
		Message:    message,
		Hint:       operatorHint(statusCode, message),
	}
}

// maxErrorText bounds raw error bodies stored on a job.
const maxErrorText = 500

// extractErrorMessage pulls the human readable message out of an AWS-style
// error body, falling back to the raw text and then to the status text.
func extractErrorMessage(statusCode int, body []byte) string {
	var parsed struct {
		Message      string `json:"message"`
		MessageUpper string `json:"Message"`
		ErrorMessage string `json:"errorMessage"`
		Type         string `json:"__type"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		for _, m := range []string{parsed.Message, parsed.MessageUpper, parsed.ErrorMessage} {
			if m != "" {
				return m
			}
		}
		if parsed.Type != "" {
			return parsed.Type
		}
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		if msg := http.StatusText(statusCode); msg != "" {
			return msg
		}
		return fmt.Sprintf("status %d", statusCode)
	}
	if len(text) > maxErrorText {
		text = strings.ToValidUTF8(text[:maxErrorText], "")
	}
	return text
}

func operatorHint(statusCode int, message string) string {
	lower := strings.ToLower(message)
	switch {
	case statusCode == http.StatusForbidden:
		return "permission denied: check the access key and its IAM policy"
	case statusCode == http.StatusNotFound:
		return "endpoint or function not found: check the configured endpoint, region and identifier"
	case statusCode == http.StatusBadRequest && strings.Contains(lower, "role"):
		return "role misconfigured: check the service role ARN and its trust policy"
	case statusCode == http.StatusBadRequest && strings.Contains(lower, "arn"):
		return "malformed ARN: check the configured role or queue ARN"
	}
	return ""
}
