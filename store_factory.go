package txcoord

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"github.com/Smoac/openbis-fork-sub014/internal/clock"
	"github.com/Smoac/openbis-fork-sub014/internal/loggingutil"
	"github.com/Smoac/openbis-fork-sub014/internal/pathutil"
	"github.com/Smoac/openbis-fork-sub014/internal/svcfields"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog"
	awsstore "github.com/Smoac/openbis-fork-sub014/internal/txnlog/aws"
	azurestore "github.com/Smoac/openbis-fork-sub014/internal/txnlog/azure"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog/disk"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog/logging"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog/memory"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog/retry"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog/s3"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

func logStoreScheme(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse log store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return "mem", nil
	case "disk", "s3", "aws", "azure":
		return u.Scheme, nil
	default:
		return "", fmt.Errorf("log store scheme %q not supported", u.Scheme)
	}
}

// OpenLogStore opens the log called name in the store selected by
// cfg.LogStore. Object store backends are wrapped with transient-failure
// retries; every backend gets tracing and debug logging.
func OpenLogStore(ctx context.Context, cfg Config, name string, logger pslog.Logger, clk clock.Clock) (txnlog.Store, error) {
	if !txnlog.ValidName(name) {
		return nil, fmt.Errorf("log store: invalid log name %q", name)
	}
	logger = svcfields.WithSubsystem(loggingutil.EnsureLogger(logger), svcfields.Subsystem("txnlog", name))
	scheme, err := logStoreScheme(cfg.LogStore)
	if err != nil {
		return nil, err
	}
	var store txnlog.Store
	remote := false
	switch scheme {
	case "mem":
		store = memory.New()
	case "disk":
		diskCfg, _, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		diskCfg.Name = name
		diskCfg.Logger = logger
		store, err = disk.New(diskCfg)
		if err != nil {
			return nil, err
		}
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		s3cfg.Name = name
		s3cfg.Logger = logger
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucket(ctx, backend.BucketExists, s3cfg.Bucket); err != nil {
			_ = backend.Close()
			return nil, err
		}
		store, remote = backend, true
	case "aws":
		awscfg, _, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		awscfg.Name = name
		awscfg.Logger = logger
		backend, err := awsstore.New(ctx, awscfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucket(ctx, backend.BucketExists, awscfg.Bucket); err != nil {
			_ = backend.Close()
			return nil, err
		}
		store, remote = backend, true
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		azureCfg.Name = name
		azureCfg.Logger = logger
		store, err = azurestore.New(ctx, azureCfg)
		if err != nil {
			return nil, err
		}
		remote = true
	}
	if remote {
		store = retry.Wrap(store, logger, clk, retry.Config{
			MaxAttempts: cfg.LogRetryAttempts,
			BaseDelay:   cfg.LogRetryBaseDelay,
			MaxDelay:    cfg.LogRetryMaxDelay,
			Multiplier:  cfg.LogRetryMultiplier,
		})
	}
	return logging.Wrap(store, logger, scheme), nil
}

func ensureBucket(ctx context.Context, exists func(context.Context) (bool, error), bucket string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ok, err := exists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}

// BuildGenericS3Config parses s3:// URLs that target S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.LogStore)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse log store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("log store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 log store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucketPath(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 log store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	if v := query.Get("tls"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws:// URLs that target AWS S3 through the AWS SDK.
func BuildAWSConfig(cfg Config) (awsstore.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.LogStore)
	if err != nil {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("parse log store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("log store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws log store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws log store requires region (set --aws-region or TXCOORD_AWS_REGION)")
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	pathStyle := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			pathStyle = ok
		}
	}
	return awsstore.Config{
		Endpoint:     strings.TrimSpace(query.Get("endpoint")),
		Region:       region,
		Bucket:       bucket,
		Prefix:       prefix,
		Insecure:     insecure,
		UsePathStyle: pathStyle,
	}, resolveAWSCredentials(), nil
}

func splitBucketPath(raw string) (string, string) {
	path := strings.Trim(strings.TrimPrefix(raw, "/"), "/")
	if path == "" {
		return "", ""
	}
	parts := strings.SplitN(path, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	var prefix string
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("TXCOORD_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("TXCOORD_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("TXCOORD_S3_SESSION_TOKEN")
		source = "env:TXCOORD_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		summary.Source = "anonymous"
		return minioCredentials.NewStaticV4("", "", ""), summary, nil
	}
	summary.AccessKey = accessKey
	summary.HasSecret = secretKey != ""
	summary.Source = source
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func resolveAWSCredentials() CredentialSummary {
	summary := CredentialSummary{}
	if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		summary.AccessKey = access
		summary.HasSecret = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != ""
		summary.Source = "env:AWS_ACCESS_KEY_ID"
	} else if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		summary.Source = "profile:" + profile
	} else {
		summary.Source = "auto"
	}
	return summary
}

// BuildAzureConfig derives the Azure backend configuration.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.LogStore)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse log store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("log store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME", "AZURE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucketPath(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure log store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("TXCOORD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("TXCOORD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}

// BuildDiskConfig parses disk:// URLs into a disk.Config. The returned
// string is the resolved root directory.
func BuildDiskConfig(cfg Config) (disk.Config, string, error) {
	u, err := url.Parse(cfg.LogStore)
	if err != nil {
		return disk.Config{}, "", fmt.Errorf("parse log store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, "", fmt.Errorf("log store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		// disk://~/logs and disk://relative/path land the first segment in Host.
		pathPart = host + "/" + strings.TrimPrefix(pathPart, "/")
		if !strings.HasPrefix(host, "~") && !strings.HasPrefix(host, ".") {
			pathPart = "/" + pathPart
		}
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, "", fmt.Errorf("disk log store path required (e.g. disk:///var/lib/txcoord)")
	}
	root, err := pathutil.Expand(pathPart)
	if err != nil {
		return disk.Config{}, "", fmt.Errorf("disk log store path: %w", err)
	}
	return disk.Config{Root: root, NoSync: cfg.DiskNoSync}, root, nil
}
