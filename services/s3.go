package services

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"mediaconverter/config"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// ObjectInfo describes a stored source object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// S3Service is the object store that holds sources and renditions.
type S3Service struct {
	client   s3iface.S3API
	bucket   string
	uploader *s3manager.Uploader
}

func NewS3Service(cfg *config.Config) (*S3Service, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.AWSRegion),
		Credentials: credentials.NewStaticCredentials(
			cfg.AWSAccessKey,
			cfg.AWSSecretKey,
			"",
		),
	}

	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}

	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}

	return &S3Service{
		client:   s3.New(sess),
		bucket:   cfg.S3Bucket,
		uploader: s3manager.NewUploader(sess),
	}, nil
}

func (s *S3Service) Bucket() string {
	return s.bucket
}

// PresignDownload returns a time-limited GET URL for key.
func (s *S3Service) PresignDownload(key string, ttl time.Duration) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return url, nil
}

func (s *S3Service) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}
	input := &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// List returns up to limit source objects under prefix, skipping
// renditions in converted/ folders. Content types come from HEAD requests.
func (s *S3Service) List(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error) {
	var keys []*s3.Object
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if strings.HasSuffix(key, "/") || strings.Contains(key, "/"+convertedDir+"/") || strings.HasPrefix(key, convertedDir+"/") {
				continue
			}
			keys = append(keys, obj)
			if limit > 0 && len(keys) >= limit {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects under %q: %w", prefix, err)
	}

	objects := make([]ObjectInfo, 0, len(keys))
	for _, obj := range keys {
		head, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    obj.Key,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to head %s: %w", aws.StringValue(obj.Key), err)
		}
		contentType := aws.StringValue(head.ContentType)
		if contentType == "" || contentType == "binary/octet-stream" || contentType == "application/octet-stream" {
			contentType = ContentTypeFor(aws.StringValue(obj.Key))
		}
		objects = append(objects, ObjectInfo{
			Key:         aws.StringValue(obj.Key),
			Size:        aws.Int64Value(obj.Size),
			ContentType: contentType,
		})
	}
	return objects, nil
}

// mediaTypes covers extensions the standard table may not know without a
// system mime.types file.
var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
}

// ContentTypeFor guesses a MIME type from the key's extension.
func ContentTypeFor(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if t, ok := mediaTypes[ext]; ok {
		return t
	}
	return mime.TypeByExtension(ext)
}
