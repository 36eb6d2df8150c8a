package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	signingAlgorithm = "AWS4-HMAC-SHA256"
	signingKeyPrefix = "AWS4"
	scopeTerminator  = "aws4_request"
	amzDateFormat    = "20060102T150405Z"
	scopeDateFormat  = "20060102"
)

// Credentials is the shared-secret key pair used to derive signing keys.
type Credentials struct {
	AccessKey string
	SecretKey string
}

func (c Credentials) Empty() bool {
	return c.AccessKey == "" || c.SecretKey == ""
}

// SigningInput is everything that contributes to a request signature.
// Path must already be in canonical (URI-encoded) form. Header names are
// matched case-insensitively; x-amz-date is added by the signer.
type SigningInput struct {
	Method  string
	Path    string
	Headers map[string]string
	Payload []byte
	Service string
	Region  string
	Time    time.Time
}

// SignedHeaders are the headers that authenticate a signed request.
type SignedHeaders struct {
	Authorization string
	AmzDate       string
	ContentSHA256 string
}

// Apply sets the signature headers on req.
func (h SignedHeaders) Apply(req *http.Request) {
	req.Header.Set("Authorization", h.Authorization)
	req.Header.Set("X-Amz-Date", h.AmzDate)
	req.Header.Set("X-Amz-Content-Sha256", h.ContentSHA256)
}

// Sign computes Signature Version 4 headers for in. It performs no I/O and
// is deterministic for identical inputs; callers check for missing
// credentials beforehand.
func Sign(creds Credentials, in SigningInput) SignedHeaders {
	t := in.Time.UTC()
	amzDate := t.Format(amzDateFormat)
	scopeDate := t.Format(scopeDateFormat)

	headers := make(map[string]string, len(in.Headers)+1)
	for name, value := range in.Headers {
		headers[strings.ToLower(name)] = strings.TrimSpace(value)
	}
	headers["x-amz-date"] = amzDate

	payloadHash := hashHex(in.Payload)
	canonical, signedHeaders := canonicalRequest(in.Method, in.Path, headers, payloadHash)
	scope := credentialScope(scopeDate, in.Region, in.Service)
	toSign := stringToSign(amzDate, scope, canonical)
	key := deriveSigningKey(creds.SecretKey, scopeDate, in.Region, in.Service)
	signature := hex.EncodeToString(hmacSHA256(key, []byte(toSign)))

	return SignedHeaders{
		Authorization: signingAlgorithm + " Credential=" + creds.AccessKey + "/" + scope +
			", SignedHeaders=" + signedHeaders + ", Signature=" + signature,
		AmzDate:       amzDate,
		ContentSHA256: payloadHash,
	}
}

// canonicalRequest lays out METHOD, path, an empty query string, the sorted
// header block, the signed header list and the payload digest. headers must
// have lower-case names.
func canonicalRequest(method, path string, headers map[string]string, payloadHash string) (string, string) {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteString("\n\n")
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(headers[name])
		b.WriteByte('\n')
	}
	signed := strings.Join(names, ";")
	b.WriteByte('\n')
	b.WriteString(signed)
	b.WriteByte('\n')
	b.WriteString(payloadHash)
	return b.String(), signed
}

// canonicalURI encodes every byte of an already escaped path except
// unreserved characters and '/'. Services other than S3 expect the path
// encoded twice, so an escaped ':' (%3A) is signed as %253A.
func canonicalURI(escapedPath string) string {
	if escapedPath == "" {
		return "/"
	}
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(escapedPath); i++ {
		c := escapedPath[i]
		if unreservedByte(c) || c == '/' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&15])
	}
	return b.String()
}

func unreservedByte(c byte) bool {
	return 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

func credentialScope(scopeDate, region, service string) string {
	return scopeDate + "/" + region + "/" + service + "/" + scopeTerminator
}

func stringToSign(amzDate, scope, canonical string) string {
	return signingAlgorithm + "\n" + amzDate + "\n" + scope + "\n" + hashHex([]byte(canonical))
}

func deriveSigningKey(secret, scopeDate, region, service string) []byte {
	k := hmacSHA256([]byte(signingKeyPrefix+secret), []byte(scopeDate))
	k = hmacSHA256(k, []byte(region))
	k = hmacSHA256(k, []byte(service))
	return hmacSHA256(k, []byte(scopeTerminator))
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
