// Package fetch retrieves source PDF documents over HTTP(S) or from
// S3-compatible object storage.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	u "pdf2img/internal/utils"
)

var (
	// ErrTooLarge signals that the source document exceeds the configured
	// size limit.
	ErrTooLarge = errors.New("source PDF exceeds size limit")
	// ErrNotPDF signals that the fetched bytes do not start with a PDF
	// header.
	ErrNotPDF = errors.New("source is not a PDF document")
	// ErrS3NotConfigured signals an s3:// source without a configured
	// object-storage endpoint.
	ErrS3NotConfigured = errors.New("s3 source not configured")
)

var pdfMagic = []byte("%PDF-")

// Fetcher downloads source documents. Safe for concurrent use.
type Fetcher struct {
	cfg    u.Config
	client *http.Client

	s3Mu     sync.Mutex
	s3Client *minio.Client
}

// New builds a Fetcher from the service configuration.
func New(cfg u.Config) *Fetcher {
	timeout := time.Duration(cfg.Fetch.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch retrieves the document at rawURL. Supported schemes: http, https
// and s3 (s3://bucket/key).
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	parsed, err := neturl.ParseRequestURI(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid source URL: %w", err)
	}

	var data []byte
	switch parsed.Scheme {
	case "http", "https":
		data, err = f.fetchHTTP(ctx, rawURL)
	case "s3":
		data, err = f.fetchS3(ctx, parsed)
	default:
		return nil, fmt.Errorf("unsupported source scheme: %s", parsed.Scheme)
	}
	if err != nil {
		return nil, err
	}

	if !bytes.HasPrefix(data, pdfMagic) {
		return nil, ErrNotPDF
	}
	u.Debug("Source fetched", "url", rawURL, "size", humanize.Bytes(uint64(len(data))))
	return data, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/pdf,*/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download PDF: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to download PDF: unexpected status %d", resp.StatusCode)
	}

	max := int64(f.cfg.Fetch.MaxPDFBytes)
	if resp.ContentLength > max {
		return nil, fmt.Errorf("%w (%s declared, limit %s)", ErrTooLarge,
			humanize.Bytes(uint64(resp.ContentLength)), humanize.Bytes(uint64(max)))
	}

	return readCapped(resp.Body, max)
}

func (f *Fetcher) fetchS3(ctx context.Context, parsed *neturl.URL) ([]byte, error) {
	bucket := parsed.Host
	key := strings.TrimPrefix(parsed.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("invalid s3 URL: expected s3://bucket/key")
	}

	client, err := f.getS3Client()
	if err != nil {
		return nil, err
	}

	obj, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch s3 object: %w", err)
	}
	defer obj.Close()

	return readCapped(obj, int64(f.cfg.Fetch.MaxPDFBytes))
}

func (f *Fetcher) getS3Client() (*minio.Client, error) {
	s3 := f.cfg.Fetch.S3
	if s3.Endpoint == "" {
		return nil, ErrS3NotConfigured
	}

	f.s3Mu.Lock()
	defer f.s3Mu.Unlock()
	if f.s3Client != nil {
		return f.s3Client, nil
	}

	client, err := minio.New(s3.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(s3.AccessKey, s3.SecretKey, ""),
		Secure: s3.UseSSL,
		Region: s3.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init s3 client: %w", err)
	}
	f.s3Client = client
	return client, nil
}

// readCapped reads at most max bytes and errors when the source is bigger.
func readCapped(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w (limit %s)", ErrTooLarge, humanize.Bytes(uint64(max)))
	}
	return data, nil
}
