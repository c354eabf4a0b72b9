package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/skypro1111/clip-upload-service/internal/credentials"
)

// S3Config contains bucket configuration
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string // custom endpoint for S3-compatible stores
	UsePathStyle bool
}

// S3Store writes objects to an S3 bucket. Credentials are supplied per call
// so each attempt signs with the snapshot it was dispatched with.
type S3Store struct {
	client *s3.Client
	config S3Config
	logger *slog.Logger
}

// NewS3Store creates a store. Retries are disabled in the SDK; the caller owns them.
func NewS3Store(config S3Config, httpClient *http.Client, logger *slog.Logger) (*S3Store, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket cannot be empty")
	}
	if config.Region == "" {
		return nil, fmt.Errorf("region cannot be empty")
	}

	opts := s3.Options{
		Region:       config.Region,
		UsePathStyle: config.UsePathStyle,
		Retryer:      aws.NopRetryer{},
		Credentials:  aws.AnonymousCredentials{},
	}
	if httpClient != nil {
		opts.HTTPClient = httpClient
	}
	if config.Endpoint != "" {
		opts.BaseEndpoint = aws.String(config.Endpoint)
	}

	return &S3Store{
		client: s3.New(opts),
		config: config,
		logger: logger,
	}, nil
}

// Put writes obj with the given credentials
func (s *S3Store) Put(ctx context.Context, obj Object, creds credentials.State) error {
	if !creds.Valid() {
		return fmt.Errorf("%w: %w", ErrExpiredCredentials, credentials.ErrNoCredentials)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.config.Bucket),
		Key:           aws.String(obj.Key),
		Body:          bytes.NewReader(obj.Body),
		ContentLength: aws.Int64(int64(len(obj.Body))),
		Metadata:      obj.Metadata,
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}

	_, err := s.client.PutObject(ctx, input, func(o *s3.Options) {
		o.Credentials = awscreds.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretKey, creds.SessionToken)
	})
	if err != nil {
		return classifyError(err)
	}

	s.logger.Debug("Object written",
		slog.String("bucket", s.config.Bucket),
		slog.String("key", obj.Key),
		slog.Int("bytes", len(obj.Body)))
	return nil
}

// URL returns the storage location recorded in session manifests
func (s *S3Store) URL() string {
	if s.config.Endpoint != "" {
		return strings.TrimRight(s.config.Endpoint, "/") + "/" + s.config.Bucket
	}
	return "s3://" + s.config.Bucket
}

// classifyError maps SDK errors to *StatusError; transport errors pass through wrapped
func classifyError(err error) error {
	se := &StatusError{Message: err.Error(), Err: err}

	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		se.StatusCode = re.HTTPStatusCode()
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		se.Code = ae.ErrorCode()
		if msg := ae.ErrorMessage(); msg != "" {
			se.Message = msg
		}
	}

	if se.StatusCode == 0 && se.Code == "" {
		return fmt.Errorf("put object: %w", err)
	}
	return se
}
