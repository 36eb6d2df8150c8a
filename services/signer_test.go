package services

import (
	"encoding/hex"
	"net/http"
	"testing"
	"time"
)

const exampleSecret = "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY"

func TestDeriveSigningKeyMatchesPublishedVector(t *testing.T) {
	t.Parallel()

	key := deriveSigningKey(exampleSecret, "20120215", "us-east-1", "iam")
	want := "f4780e2d9f65fa895f9c67b32ce1baf0b0d8a43505a000a1a9e090d414db404d"
	if got := hex.EncodeToString(key); got != want {
		t.Fatalf("signing key mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestSignReferenceVectors(t *testing.T) {
	t.Parallel()

	creds := Credentials{AccessKey: "AKIDEXAMPLE", SecretKey: exampleSecret}
	tests := []struct {
		name  string
		input SigningInput
		want  string
		hash  string
	}{
		{
			name: "get vanilla",
			input: SigningInput{
				Method:  http.MethodGet,
				Path:    "/",
				Headers: map[string]string{"Host": "example.amazonaws.com"},
				Service: "service",
				Region:  "us-east-1",
				Time:    time.Date(2015, 8, 30, 12, 36, 0, 0, time.UTC),
			},
			want: "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20150830/us-east-1/service/aws4_request, " +
				"SignedHeaders=host;x-amz-date, " +
				"Signature=5fa00fa31553b73ebf1942676e86291e8372ff2a2260956d9b8aae1d763fbf31",
			hash: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name: "function invocation",
			input: SigningInput{
				Method: http.MethodPost,
				Path:   "/2015-03-31/functions/media-converter/invocations",
				Headers: map[string]string{
					"host":         "lambda.eu-west-1.amazonaws.com",
					"Content-Type": " application/json ",
				},
				Payload: []byte(`{"job_id":"job-1"}`),
				Service: "lambda",
				Region:  "eu-west-1",
				Time:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
			},
			want: "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20240102/eu-west-1/lambda/aws4_request, " +
				"SignedHeaders=content-type;host;x-amz-date, " +
				"Signature=cfef8e75000711dbb0c5558c49faebb209e1e8a5bbcf4e75d309dd465dc18969",
			hash: "2419aba9857b5e95a5e3a510c74ce961a9bc208eaf25fb10abd269ba7ba7d0d0",
		},
		{
			name: "job status",
			input: SigningInput{
				Method: http.MethodGet,
				Path:   "/2017-08-29/jobs/1700000000000-abc123",
				Headers: map[string]string{
					"host":         "abcd1234.mediaconvert.us-east-1.amazonaws.com",
					"content-type": "application/json",
				},
				Service: "mediaconvert",
				Region:  "us-east-1",
				// Non-UTC input is normalized before formatting.
				Time: time.Date(2024, 6, 15, 14, 0, 0, 0, time.FixedZone("CEST", 2*3600)),
			},
			want: "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20240615/us-east-1/mediaconvert/aws4_request, " +
				"SignedHeaders=content-type;host;x-amz-date, " +
				"Signature=76843f1c02f93f6a408f326e1994e3a9318cd2ad0a68f3eaef8845c0e9ed0866",
			hash: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for run := 0; run < 2; run++ {
				got := Sign(creds, tt.input)
				if got.Authorization != tt.want {
					t.Fatalf("run %d authorization mismatch:\n got %s\nwant %s", run, got.Authorization, tt.want)
				}
				if got.ContentSHA256 != tt.hash {
					t.Fatalf("payload hash mismatch: %s", got.ContentSHA256)
				}
			}
		})
	}
}

func TestCanonicalRequestLayout(t *testing.T) {
	t.Parallel()

	headers := map[string]string{"x-amz-date": "20150830T123600Z", "host": "example.amazonaws.com"}
	canonical, signed := canonicalRequest("get", "/", headers, hashHex(nil))
	want := "GET\n/\n\nhost:example.amazonaws.com\nx-amz-date:20150830T123600Z\n\nhost;x-amz-date\n" +
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if canonical != want {
		t.Fatalf("canonical request mismatch:\n got %q\nwant %q", canonical, want)
	}
	if signed != "host;x-amz-date" {
		t.Fatalf("signed headers mismatch: %q", signed)
	}
}

func TestCanonicalURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		escaped string
		want    string
	}{
		{"", "/"},
		{"/", "/"},
		{"/2017-08-29/jobs/1700000000000-abc123", "/2017-08-29/jobs/1700000000000-abc123"},
		{"/2015-03-31/functions/arn%3Aaws%3Alambda%3Aeu-west-1%3A123456789012%3Afunction%3Aconvert/invocations",
			"/2015-03-31/functions/arn%253Aaws%253Alambda%253Aeu-west-1%253A123456789012%253Afunction%253Aconvert/invocations"},
		{"/a%20b/c~d", "/a%2520b/c~d"},
	}
	for _, tt := range tests {
		if got := canonicalURI(tt.escaped); got != tt.want {
			t.Errorf("canonicalURI(%q) = %q, want %q", tt.escaped, got, tt.want)
		}
	}
}

func TestStringToSignLayout(t *testing.T) {
	t.Parallel()

	scope := credentialScope("20150830", "us-east-1", "service")
	got := stringToSign("20150830T123600Z", scope, "GET\n/\n\nhost:example.amazonaws.com\nx-amz-date:20150830T123600Z\n\nhost;x-amz-date\ne3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	want := "AWS4-HMAC-SHA256\n20150830T123600Z\n20150830/us-east-1/service/aws4_request\n" +
		"bb579772317eb040ac9ed261061d46c1f17a8133879d6129b6e1c25292927e63"
	if got != want {
		t.Fatalf("string to sign mismatch:\n got %q\nwant %q", got, want)
	}
}

func TestSignedHeadersApply(t *testing.T) {
	t.Parallel()

	req, _ := http.NewRequest(http.MethodGet, "https://example.amazonaws.com/", nil)
	SignedHeaders{Authorization: "a", AmzDate: "d", ContentSHA256: "h"}.Apply(req)
	if req.Header.Get("Authorization") != "a" || req.Header.Get("X-Amz-Date") != "d" || req.Header.Get("X-Amz-Content-Sha256") != "h" {
		t.Fatalf("headers not applied: %v", req.Header)
	}
}
