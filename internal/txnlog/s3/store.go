// Package s3 stores transaction logs in S3-compatible object storage through
// minio-go. Every entry is its own object under <prefix>/<name>/ so appends
// never rewrite existing data.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"github.com/Smoac/openbis-fork-sub014/internal/loggingutil"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog"
	"github.com/Smoac/openbis-fork-sub014/internal/version"
)

// Config controls the behaviour of the S3 log backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Name           string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
	Logger         pslog.Logger
}

// Store implements txnlog.Store on a bucket.
type Store struct {
	client *minio.Client
	cfg    Config
	logger pslog.Logger
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	if !txnlog.ValidName(cfg.Name) {
		return nil, fmt.Errorf("s3: invalid log name %q", cfg.Name)
	}
	options := &minio.Options{
		Creds:     cfg.CustomCreds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if options.Creds == nil {
		options.Creds = defaultCredentials()
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpointFor(cfg), options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	client.SetAppInfo(version.AppName, version.Current())
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg, logger: loggingutil.EnsureLogger(cfg.Logger)}, nil
}

func endpointFor(cfg Config) string {
	switch {
	case cfg.Endpoint != "":
		return cfg.Endpoint
	case cfg.Region != "":
		return "s3." + cfg.Region + ".amazonaws.com"
	default:
		return "s3.amazonaws.com"
	}
}

// defaultCredentials tries the AWS and MinIO environment variables, the
// shared credentials file and finally instance metadata.
func defaultCredentials() *credentials.Credentials {
	return credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
		&credentials.FileAWSCredentials{},
		&credentials.IAM{},
	})
}

// Client exposes the underlying minio client for diagnostics.
func (s *Store) Client() *minio.Client { return s.client }

// BucketExists returns whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ok, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return false, s.wrapError(err, "s3: bucket exists")
	}
	return ok, nil
}

// Append uploads entry as a new object.
func (s *Store) Append(ctx context.Context, entry txnlog.Entry) error {
	payload, err := txnlog.Encode(entry)
	if err != nil {
		return err
	}
	key := txnlog.NewObjectKey(s.cfg.Prefix, s.cfg.Name)
	start := time.Now()
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		s.logger.Debug("s3.append.error", "key", key, "error", err)
		return s.wrapError(err, "s3: put entry")
	}
	s.logger.Trace("s3.append.success", "key", key, "elapsed", time.Since(start))
	return nil
}

// Scan lists the log's objects and visits them in key order.
func (s *Store) Scan(ctx context.Context, visit func(txnlog.Entry) error) error {
	prefix := txnlog.ObjectPrefix(s.cfg.Prefix, s.cfg.Name)
	var keys []string
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return s.wrapError(object.Err, "s3: list entries")
		}
		keys = append(keys, object.Key)
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
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return txnlog.Entry{}, s.wrapError(err, "s3: get entry")
	}
	defer obj.Close()
	payload, err := io.ReadAll(obj)
	if err != nil {
		return txnlog.Entry{}, s.wrapError(err, "s3: read entry")
	}
	entry, err := txnlog.Decode(payload)
	if err != nil {
		return txnlog.Entry{}, fmt.Errorf("s3: %s: %w", key, err)
	}
	return entry, nil
}

// Close is a no-op for the minio client.
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

func isRetryable(err error) bool {
	if txnlog.IsNetworkError(err) {
		return true
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= http.StatusInternalServerError {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}
