// Package aws stores transaction logs in Amazon S3 through aws-sdk-go-v2.
// Entries use the same object layout as the generic S3 backend.
package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	"pkt.systems/pslog"

	"github.com/Smoac/openbis-fork-sub014/internal/loggingutil"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog"
	"github.com/Smoac/openbis-fork-sub014/internal/version"
)

const opTimeout = time.Minute

// Config controls the behaviour of the AWS log backend.
type Config struct {
	Endpoint string
	Region   string
	Bucket   string
	Prefix   string
	Name     string
	Insecure bool
	// UsePathStyle addresses the bucket in the path, for S3-compatible
	// endpoints.
	UsePathStyle bool
	Logger       pslog.Logger
}

// Store implements txnlog.Store backed by AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
	logger pslog.Logger
}

// New constructs a Store using the provided configuration.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	if !txnlog.ValidName(cfg.Name) {
		return nil, fmt.Errorf("aws: invalid log name %q", cfg.Name)
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	httpClient := &http.Client{Transport: defaultTransport(cfg.Insecure)}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
		awsconfig.WithAppID(version.AppName+"-"+version.Current()),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		if endpoint := baseEndpoint(cfg); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &Store{client: client, cfg: cfg, logger: loggingutil.EnsureLogger(cfg.Logger)}, nil
}

// baseEndpoint returns the endpoint override as a URL, adding a scheme that
// follows cfg.Insecure when the caller gave a bare host.
func baseEndpoint(cfg Config) string {
	if cfg.Endpoint == "" || strings.Contains(cfg.Endpoint, "://") {
		return cfg.Endpoint
	}
	if cfg.Insecure {
		return "http://" + cfg.Endpoint
	}
	return "https://" + cfg.Endpoint
}

func defaultTransport(insecure bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= opTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, opTimeout)
}

// Client exposes the underlying AWS client for diagnostics.
func (s *Store) Client() *s3.Client { return s.client }

// BucketExists returns whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, s.wrapError(err, "aws: head bucket")
	}
	return true, nil
}

// Append uploads entry as a new object.
func (s *Store) Append(ctx context.Context, entry txnlog.Entry) error {
	payload, err := txnlog.Encode(entry)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	key := txnlog.NewObjectKey(s.cfg.Prefix, s.cfg.Name)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		s.logger.Debug("aws.append.error", "key", key, "error", err)
		return s.wrapError(err, "aws: put entry")
	}
	s.logger.Trace("aws.append.success", "key", key)
	return nil
}

// Scan lists the log's objects and visits them in key order.
func (s *Store) Scan(ctx context.Context, visit func(txnlog.Entry) error) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	prefix := txnlog.ObjectPrefix(s.cfg.Prefix, s.cfg.Name)
	var keys []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return s.wrapError(err, "aws: list entries")
		}
		for _, object := range page.Contents {
			keys = append(keys, aws.ToString(object.Key))
		}
	}
	for _, key := range txnlog.SortObjectKeys(keys) {
		entry, err := s.read(ctx, key)
		if err != nil {
			return err
		}
		if err := visit(entry); err != nil {
			if errors.Is(err, txnlog.ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *Store) read(ctx context.Context, key string) (txnlog.Entry, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return txnlog.Entry{}, s.wrapError(err, "aws: get entry")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return txnlog.Entry{}, s.wrapError(err, "aws: read entry")
	}
	entry, err := txnlog.Decode(payload)
	if err != nil {
		return txnlog.Entry{}, fmt.Errorf("aws: %s: %w", key, err)
	}
	return entry, nil
}

// Close is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return txnlog.NewTransientError(err)
	}
	return err
}

var (
	transientCodes = map[string]bool{"SlowDown": true, "RequestTimeout": true, "InternalError": true, "ServiceUnavailable": true}
	notFoundCodes  = map[string]bool{"NoSuchKey": true, "NotFound": true, "NoSuchBucket": true}
)

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isRetryable(err error) bool {
	if txnlog.IsNetworkError(err) || transientCodes[apiErrorCode(err)] {
		return true
	}
	status, ok := httpStatusCode(err)
	return ok && (status >= http.StatusInternalServerError || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout)
}

func httpStatusCode(err error) (int, bool) {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if notFoundCodes[apiErrorCode(err)] {
		return true
	}
	status, ok := httpStatusCode(err)
	return ok && status == http.StatusNotFound
}
