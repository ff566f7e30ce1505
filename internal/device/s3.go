package device

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Iron-Ham/sluice/internal/errors"
)

// objectPutter is the part of *minio.Client the S3 device uses.
type objectPutter interface {
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// S3 uploads each job to an S3-compatible bucket as one object.
type S3 struct {
	name   string
	bucket string
	prefix string
	client objectPutter
}

// NewS3 creates an S3 device from cfg. The bucket is not contacted until
// the first submission.
func NewS3(name string, cfg Config) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize minio client: %w", err)
	}
	return newS3(name, cfg.Bucket, cfg.Prefix, client), nil
}

func newS3(name, bucket, prefix string, client objectPutter) *S3 {
	return &S3{name: name, bucket: bucket, prefix: prefix, client: client}
}

// Name implements Device.
func (s *S3) Name() string { return s.name }

// ObjectName returns the key a job is stored under.
func (s *S3) ObjectName(job Job) string {
	return path.Join(s.prefix, job.TaskID, job.ID+"-"+filepath.Base(job.Path))
}

// Submit implements Device. The returned reference is the object key and
// its ETag.
func (s *S3) Submit(ctx context.Context, job Job) (string, error) {
	object := s.ObjectName(job)
	contentType := mime.TypeByExtension(filepath.Ext(job.Path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	info, err := s.client.FPutObject(ctx, s.bucket, object, job.Path, minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"sluice-run-id":  job.RunID,
			"sluice-task-id": job.TaskID,
			"sluice-copies":  strconv.Itoa(copies(job.Copies)),
		},
	})
	if err != nil {
		return "", s.classify(err, job.Path)
	}
	return fmt.Sprintf("s3://%s/%s@%s", s.bucket, object, info.ETag), nil
}

func (s *S3) classify(err error, p string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return unavailable(s.name, err)
	}
	return errors.ClassifyIO(err, fmt.Sprintf("upload to %q", s.name), p)
}

// Close implements Device.
func (s *S3) Close() error { return nil }
