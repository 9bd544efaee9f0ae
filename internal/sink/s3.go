package sink

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/internxt/drive-web-sub008/internal/logging"
	"github.com/internxt/drive-web-sub008/internal/metrics"
)

// S3Config selects an S3 or S3-compatible endpoint.
type S3Config struct {
	Endpoint  string // empty uses AWS
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
}

// PutObjectAPI is the part of the S3 client the sink uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 streams objects into a bucket without staging them on disk.
type S3 struct {
	client PutObjectAPI
	bucket string
}

// NewS3 builds a sink from static credentials, falling back to the default
// AWS credential chain when no access key is configured.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3WithClient(client, cfg.Bucket), nil
}

// NewS3WithClient wraps an existing client.
func NewS3WithClient(client PutObjectAPI, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

// Open starts a PutObject fed by the returned writer. size must be the
// exact object length.
func (s *S3) Open(ctx context.Context, name string, size int64) (Writer, error) {
	if size < 0 {
		return nil, fmt.Errorf("s3 sink needs a declared size")
	}
	pr, pw := io.Pipe()
	w := &s3Writer{pw: pw, done: make(chan error, 1)}
	start := time.Now()

	go func() {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(name),
			Body:          pr,
			ContentLength: aws.Int64(size),
			ContentType:   aws.String("application/octet-stream"),
		})
		// Unblock writers if the request ended early.
		pr.CloseWithError(err)
		metrics.RecordSinkOperation("s3", time.Since(start), err == nil)
		if err != nil {
			logging.Error("s3 put failed", zap.String("bucket", s.bucket), zap.String("key", name), zap.Error(err))
			err = fmt.Errorf("put object %s/%s: %w", s.bucket, name, err)
		}
		w.done <- err
	}()
	return w, nil
}

type s3Writer struct {
	pw     *io.PipeWriter
	done   chan error
	result error
	closed bool
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *s3Writer) Close() error {
	if w.closed {
		return w.result
	}
	w.closed = true
	w.pw.Close()
	w.result = <-w.done
	return w.result
}

func (w *s3Writer) Abort(err error) error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	w.pw.CloseWithError(err)
	<-w.done
	return nil
}
