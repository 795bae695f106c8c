package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"

	"github.com/local/docinfer/internal/metrics"
)

// ObjectDownloader is the part of *manager.Downloader the loader needs.
type ObjectDownloader interface {
	Download(ctx context.Context, w io.WriterAt, input *s3.GetObjectInput, options ...func(*manager.Downloader)) (int64, error)
}

// Options configures a Loader.
type Options struct {
	MaxBytes   int64
	StrictPDF  bool
	S3         ObjectDownloader
	HTTPClient *http.Client
}

// Loader reads documents fully into memory from:
// - file://path or absolute/relative filesystem paths
// - s3://bucket/key (via the AWS S3 download manager)
// - http(s):// URLs
type Loader struct {
	maxBytes  int64
	strictPDF bool
	s3        ObjectDownloader
	http      *http.Client
}

// NewLoader creates a loader. A nil S3 downloader disables s3:// references.
func NewLoader(opts Options) *Loader {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Loader{maxBytes: opts.MaxBytes, strictPDF: opts.StrictPDF, s3: opts.S3, http: client}
}

// NewS3Downloader wraps an S3 client in the download manager.
func NewS3Downloader(cfg aws.Config) *manager.Downloader {
	return manager.NewDownloader(s3.NewFromConfig(cfg))
}

// Load resolves ref into a validated Document. Every failure is a *ReadError.
func (l *Loader) Load(ctx context.Context, ref string) (*Document, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, &ReadError{Ref: ref, Reason: "empty reference"}
	}

	var (
		name string
		data []byte
		err  error
	)
	switch {
	case strings.HasPrefix(ref, "s3://"):
		name, data, err = l.readS3(ctx, ref)
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		name, data, err = l.readHTTP(ctx, ref)
	case strings.HasPrefix(ref, "file://"):
		name, data, err = l.readFile(strings.TrimPrefix(ref, "file://"))
	default:
		name, data, err = l.readFile(ref)
	}
	if err != nil {
		return nil, &ReadError{Ref: ref, Reason: "read failed", Err: err}
	}

	doc, err := NewDocument(name, data)
	if err != nil {
		var re *ReadError
		if errors.As(err, &re) {
			re.Ref = ref
		}
		return nil, err
	}
	doc.Source = ref
	if err := l.Check(doc); err != nil {
		return nil, err
	}

	log.Debug().
		Str("ref", ref).
		Str("format", string(doc.Format)).
		Int("size", len(doc.Bytes)).
		Int("pages", doc.Pages).
		Msg("attachment loaded")
	return doc, nil
}

// Check validates an in-memory document and reads the page count of PDFs.
func (l *Loader) Check(doc *Document) error {
	if err := doc.Validate(l.maxBytes); err != nil {
		return err
	}
	if doc.Format == FormatPDF {
		n, err := PageCount(doc.Bytes)
		if err != nil {
			if l.strictPDF {
				return &ReadError{Ref: doc.ref(), Reason: "unreadable pdf", Err: err}
			}
			log.Warn().Err(err).Str("ref", doc.ref()).Msg("pdf page count failed; sending as-is")
		} else {
			doc.Pages = n
		}
	}
	metrics.ObserveAttachment(string(doc.Format), len(doc.Bytes))
	return nil
}

// PageCount returns the number of pages of an in-memory PDF.
func PageCount(data []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return 0, fmt.Errorf("pdf page count failed: %w", err)
	}
	return n, nil
}

// readFile opens, fully reads and closes a local file.
func (l *Loader) readFile(p string) (string, []byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", nil, err
	}
	if st.IsDir() {
		return "", nil, fmt.Errorf("%s is a directory", p)
	}
	if l.maxBytes > 0 && st.Size() > l.maxBytes {
		return "", nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, st.Size(), l.maxBytes)
	}
	data, err := l.readAll(f)
	if err != nil {
		return "", nil, err
	}
	return filepath.Base(p), data, nil
}

func (l *Loader) readS3(ctx context.Context, ref string) (string, []byte, error) {
	if l.s3 == nil {
		return "", nil, fmt.Errorf("s3 source not configured")
	}
	// s3://bucket/key
	p := strings.TrimPrefix(ref, "s3://")
	slash := strings.Index(p, "/")
	if slash <= 0 || slash == len(p)-1 {
		return "", nil, fmt.Errorf("invalid s3 url: %s", ref)
	}
	bucket, key := p[:slash], p[slash+1:]

	buf := manager.NewWriteAtBuffer([]byte{})
	n, err := l.s3.Download(ctx, buf, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return "", nil, fmt.Errorf("s3 download: %w", err)
	}
	if l.maxBytes > 0 && n > l.maxBytes {
		return "", nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, n, l.maxBytes)
	}
	log.Info().Str("bucket", bucket).Str("key", key).Int64("size", n).Msg("downloaded s3 attachment")
	return path.Base(key), buf.Bytes(), nil
}

func (l *Loader) readHTTP(ctx context.Context, ref string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	data, err := l.readAll(resp.Body)
	if err != nil {
		return "", nil, err
	}
	name := "document"
	if u, err := url.Parse(ref); err == nil && path.Base(u.Path) != "/" && path.Base(u.Path) != "." {
		name = path.Base(u.Path)
	}
	return name, data, nil
}

// readAll reads at most maxBytes+1 so oversized streams fail without
// buffering them entirely.
func (l *Loader) readAll(r io.Reader) ([]byte, error) {
	if l.maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, l.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > l.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, l.maxBytes)
	}
	return data, nil
}
