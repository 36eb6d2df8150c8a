package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// signedClient sends SigV4-signed JSON requests to one AWS service.
type signedClient struct {
	service string
	region  string
	creds   Credentials
	client  *http.Client
	now     func() time.Time
}

func newSignedClient(service, region string, creds Credentials, timeout time.Duration) signedClient {
	return signedClient{
		service: service,
		region:  region,
		creds:   creds,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

type signedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// do issues a signed request to endpoint+path. path must be escaped for the
// wire; the canonical URI encodes it once more.
func (c *signedClient) do(ctx context.Context, method, endpoint, path string, payload []byte) (*signedResponse, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	Sign(c.creds, SigningInput{
		Method:  method,
		Path:    canonicalURI(req.URL.EscapedPath()),
		Headers: map[string]string{"host": req.URL.Host, "content-type": "application/json"},
		Payload: payload,
		Service: c.service,
		Region:  c.region,
		Time:    c.now(),
	}).Apply(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", c.service, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", c.service, err)
	}
	return &signedResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}
