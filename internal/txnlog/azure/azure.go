// Package azure stores transaction logs in Azure Blob Storage. Entries use the
// same object layout as the S3 backends.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"pkt.systems/pslog"

	"github.com/Smoac/openbis-fork-sub014/internal/loggingutil"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog"
	"github.com/Smoac/openbis-fork-sub014/internal/version"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
	Name       string
	Logger     pslog.Logger
}

// Store implements txnlog.Store backed by a blob container.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
	name      string
	logger    pslog.Logger
}

// New constructs a Store and creates the container when missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	if !txnlog.ValidName(cfg.Name) {
		return nil, fmt.Errorf("azure: invalid log name %q", cfg.Name)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://" + cfg.Account + ".blob.core.windows.net"
	}
	client, err := newClient(cfg, endpoint)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, wrapError(err, "azure: create container")
	}
	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		name:      cfg.Name,
		logger:    loggingutil.EnsureLogger(cfg.Logger),
	}, nil
}

// newClient authenticates with the SAS token when one is given and the shared
// account key otherwise. SDK retries are off; the txnlog retry decorator
// owns backoff for every remote backend.
func newClient(cfg Config, endpoint string) (*azblob.Client, error) {
	opts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{
		Transport: defaultTransporter(),
		Retry:     policy.RetryOptions{MaxRetries: -1},
		Telemetry: policy.TelemetryOptions{ApplicationID: version.AppName},
	}}
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg.SASToken != "":
		withSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(withSAS, opts)
	case cfg.AccountKey != "":
		cred, cerr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if cerr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", cerr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, opts)
	default:
		return nil, fmt.Errorf("azure: account key or SAS token required")
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	return client, nil
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	return transportAdapter{rt: base.Clone()}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	parts := []string{strings.TrimPrefix(sas, "?")}
	if u.RawQuery != "" {
		parts = append([]string{u.RawQuery}, parts...)
	}
	u.RawQuery = strings.Join(parts, "&")
	return u.String(), nil
}

// Client exposes the underlying Azure Blob client for diagnostics.
func (s *Store) Client() *azblob.Client { return s.client }

// Append uploads entry as a new blob.
func (s *Store) Append(ctx context.Context, entry txnlog.Entry) error {
	payload, err := txnlog.Encode(entry)
	if err != nil {
		return err
	}
	blobName := txnlog.NewObjectKey(s.prefix, s.name)
	_, err = s.client.UploadBuffer(ctx, s.container, blobName, payload, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("application/json")},
	})
	if err != nil {
		s.logger.Debug("azure.append.error", "blob", blobName, "error", err)
		return wrapError(err, "azure: upload entry")
	}
	s.logger.Trace("azure.append.success", "blob", blobName)
	return nil
}

// Scan lists the log's blobs and visits them in name order.
func (s *Store) Scan(ctx context.Context, visit func(txnlog.Entry) error) error {
	prefix := txnlog.ObjectPrefix(s.prefix, s.name)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	var names []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return wrapError(err, "azure: list entries")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	for _, name := range txnlog.SortObjectKeys(names) {
		entry, err := s.read(ctx, name)
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

func (s *Store) read(ctx context.Context, blobName string) (txnlog.Entry, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, blobName, nil)
	if err != nil {
		return txnlog.Entry{}, wrapError(err, "azure: download entry")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return txnlog.Entry{}, wrapError(err, "azure: read entry")
	}
	entry, err := txnlog.Decode(payload)
	if err != nil {
		return txnlog.Entry{}, fmt.Errorf("azure: %s: %w", blobName, err)
	}
	return entry, nil
}

// Close is a no-op for Azure.
func (s *Store) Close() error { return nil }

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	err = fmt.Errorf("%s: %w", msg, err)
	if retryable {
		return txnlog.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if txnlog.IsNetworkError(err) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode >= http.StatusInternalServerError ||
			respErr.StatusCode == http.StatusTooManyRequests ||
			respErr.StatusCode == http.StatusRequestTimeout
	}
	return false
}

func isContainerExists(err error) bool {
	return bloberror.HasCode(err, bloberror.ContainerAlreadyExists)
}
