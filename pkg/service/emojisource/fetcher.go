package emojisource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/disintegration/imaging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/herald/pkg/utils/safe"
)

const (
	// MaxSourceBytes is the largest image accepted from a source
	MaxSourceBytes = 5 << 20
	// DefaultMaxDimension is the edge length oversized static images are fitted into
	DefaultMaxDimension = 256

	defaultTimeout = 30 * time.Second
)

var (
	ErrInvalidSource     = goerr.New("invalid emoji source")
	ErrSourceNotFound    = goerr.New("emoji source not found")
	ErrSourceUnavailable = goerr.New("emoji source unavailable")
	ErrUnsupportedImage  = goerr.New("unsupported emoji image")
	ErrImageTooLarge     = goerr.New("emoji image too large")
)

// Image is a fetched emoji ready for upload
type Image struct {
	Data        []byte
	ContentType string
	FileName    string
}

// Fetcher loads emoji images from http(s) URLs and gs:// objects
type Fetcher interface {
	Fetch(ctx context.Context, source string) (*Image, error)
}

type Client struct {
	httpClient   *http.Client
	maxDimension int

	storageMu  sync.Mutex
	storage    *storage.Client
	newStorage func(ctx context.Context) (*storage.Client, error)
}

var _ Fetcher = &Client{}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(f *Client) {
		f.httpClient = hc
	}
}

// WithStorageClient sets the client for gs:// sources. Without it one is
// created on first use from application default credentials.
func WithStorageClient(client *storage.Client) Option {
	return func(f *Client) {
		f.storage = client
	}
}

// WithMaxDimension sets the bounding box for static images. Zero disables resizing.
func WithMaxDimension(px int) Option {
	return func(f *Client) {
		f.maxDimension = px
	}
}

func New(opts ...Option) *Client {
	f := &Client{
		httpClient:   &http.Client{Timeout: defaultTimeout},
		maxDimension: DefaultMaxDimension,
		newStorage: func(ctx context.Context) (*storage.Client, error) {
			return storage.NewClient(ctx)
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Close releases a storage client created by the fetcher
func (f *Client) Close() error {
	f.storageMu.Lock()
	defer f.storageMu.Unlock()
	if f.storage != nil {
		return f.storage.Close()
	}
	return nil
}

func (f *Client) Fetch(ctx context.Context, source string) (*Image, error) {
	u, err := url.Parse(strings.TrimSpace(source))
	if err != nil || u.Host == "" {
		return nil, goerr.Wrap(ErrInvalidSource, "source is not a URL", goerr.V("source", source))
	}

	var data []byte
	var contentType string
	switch u.Scheme {
	case "http", "https":
		data, contentType, err = f.fetchHTTP(ctx, u)
	case "gs":
		data, contentType, err = f.fetchGCS(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		return nil, goerr.Wrap(ErrInvalidSource, "unsupported source scheme", goerr.V("source", source))
	}
	if err != nil {
		return nil, err
	}

	return f.normalize(data, contentType, path.Base(u.Path))
}

func (f *Client) fetchHTTP(ctx context.Context, u *url.URL) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", goerr.Wrap(ErrInvalidSource, "failed to build request", goerr.V("source", u.String()))
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", goerr.Wrap(ErrSourceUnavailable, err.Error(), goerr.V("source", u.String()))
	}
	defer safe.Close(ctx, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, "", goerr.Wrap(ErrSourceNotFound, "source returned 404", goerr.V("source", u.String()))
	case resp.StatusCode >= 300:
		return nil, "", goerr.Wrap(ErrSourceUnavailable, fmt.Sprintf("source returned HTTP %d", resp.StatusCode),
			goerr.V("source", u.String()))
	}

	data, err := readLimited(resp.Body)
	if err != nil {
		return nil, "", goerr.Wrap(err, "failed to read source", goerr.V("source", u.String()))
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (f *Client) storageClient(ctx context.Context) (*storage.Client, error) {
	f.storageMu.Lock()
	defer f.storageMu.Unlock()

	if f.storage == nil {
		client, err := f.newStorage(ctx)
		if err != nil {
			return nil, goerr.Wrap(ErrSourceUnavailable, "failed to create storage client: "+err.Error())
		}
		f.storage = client
	}
	return f.storage, nil
}

func (f *Client) fetchGCS(ctx context.Context, bucket, object string) ([]byte, string, error) {
	if object == "" {
		return nil, "", goerr.Wrap(ErrInvalidSource, "gs source has no object", goerr.V("bucket", bucket))
	}

	client, err := f.storageClient(ctx)
	if err != nil {
		return nil, "", err
	}

	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, "", goerr.Wrap(ErrSourceNotFound, "object does not exist",
				goerr.V("bucket", bucket), goerr.V("object", object))
		}
		return nil, "", goerr.Wrap(ErrSourceUnavailable, err.Error(),
			goerr.V("bucket", bucket), goerr.V("object", object))
	}
	defer safe.Close(ctx, reader)

	data, err := readLimited(reader)
	if err != nil {
		return nil, "", goerr.Wrap(err, "failed to read object", goerr.V("bucket", bucket), goerr.V("object", object))
	}
	return data, reader.Attrs.ContentType, nil
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSourceBytes+1))
	if err != nil {
		return nil, goerr.Wrap(ErrSourceUnavailable, err.Error())
	}
	if len(data) > MaxSourceBytes {
		return nil, goerr.Wrap(ErrImageTooLarge, "image exceeds size limit", goerr.V("max_bytes", MaxSourceBytes))
	}
	return data, nil
}

// normalize checks the image type and fits static images into the bounding box.
// Animated GIFs are passed through unchanged.
func (f *Client) normalize(data []byte, declared, fileName string) (*Image, error) {
	contentType := http.DetectContentType(data)
	if contentType == "application/octet-stream" && declared != "" {
		contentType = declared
	}

	var format imaging.Format
	switch contentType {
	case "image/png":
		format = imaging.PNG
	case "image/jpeg":
		format = imaging.JPEG
	case "image/gif":
		return &Image{Data: data, ContentType: contentType, FileName: fileName}, nil
	default:
		return nil, goerr.Wrap(ErrUnsupportedImage, "image type not accepted", goerr.V("content_type", contentType))
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, goerr.Wrap(ErrUnsupportedImage, "failed to decode image: "+err.Error())
	}

	bounds := img.Bounds()
	if f.maxDimension <= 0 || (bounds.Dx() <= f.maxDimension && bounds.Dy() <= f.maxDimension) {
		return &Image{Data: data, ContentType: contentType, FileName: fileName}, nil
	}

	fitted := imaging.Fit(img, f.maxDimension, f.maxDimension, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, format); err != nil {
		return nil, goerr.Wrap(err, "failed to encode resized image")
	}
	return &Image{Data: buf.Bytes(), ContentType: contentType, FileName: fileName}, nil
}
