// Package fetch downloads media from a remote URL directly in to the asset
// directory, producing an asset equivalent to one assembled from chunks.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/koochoy97/leaf-microservice/internal/fault"
	"github.com/koochoy97/leaf-microservice/internal/storage"
	"github.com/koochoy97/leaf-microservice/internal/upload"
	"github.com/koochoy97/leaf-microservice/pkg/logger"
	"github.com/labstack/gommon/bytes"
)

var log = logger.Get("Fetch")

type (
	Config struct {
		Timeout  time.Duration `yaml:"timeout" env:"FETCH_TIMEOUT" env-default:"5m"`
		MaxBytes int64         `yaml:"max_bytes" env:"FETCH_MAX_BYTES" env-default:"0"`
	}

	Fetcher struct {
		config   Config
		client   *http.Client
		assetDir string
	}

	// trackingReader remembers the first read error so that failures of the
	// remote body can be told apart from failures writing to local storage.
	trackingReader struct {
		r        io.Reader
		limit    int64
		read     int64
		err      error
		exceeded bool
	}
)

func New(config Config, assetDir string, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}

	return &Fetcher{config: config, client: client, assetDir: assetDir}
}

func (reader *trackingReader) Read(p []byte) (int, error) {
	n, err := reader.r.Read(p)
	reader.read += int64(n)
	if reader.limit > 0 && reader.read > reader.limit {
		reader.exceeded = true
		reader.err = fmt.Errorf("remote body exceeds %s", bytes.Format(reader.limit))
		return n, reader.err
	}
	if err != nil && err != io.EOF {
		reader.err = err
	}

	return n, err
}

func validateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidRequestPayload, err, "video url is not valid")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fault.BadPayload("video url %q must be an absolute http(s) url", raw)
	}

	return u, nil
}

// Fetch downloads the resource at rawURL in to a new asset named
// '{uuid}.mp4'. The generated UUID is used as the session ID of the asset.
func (fetcher *Fetcher) Fetch(ctx context.Context, rawURL string) (*upload.Asset, error) {
	u, err := validateURL(rawURL)
	if err != nil {
		return nil, err
	}

	if fetcher.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fetcher.config.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidRequestPayload, err, "failed to build request for %s", u.Redacted())
	}

	resp, err := fetcher.client.Do(req)
	if err != nil {
		return nil, fetcher.remoteError(ctx, err, "request to %s failed", u.Redacted())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fault.New(fault.RemoteFetch, "%s responded with status %d", u.Redacted(), resp.StatusCode)
	}

	sessionID := uuid.NewString()
	name := sessionID + ".mp4"
	body := &trackingReader{r: resp.Body, limit: fetcher.config.MaxBytes}

	written, err := storage.WriteFileExclusive(fetcher.assetDir, name, body)
	if err != nil {
		if body.err != nil {
			return nil, fetcher.remoteError(ctx, body.err, "failed reading body from %s", u.Redacted())
		}

		return nil, fault.Wrap(fault.Storage, err, "failed to store fetched asset %s", name)
	}

	log.Emit(logger.SUCCESS, "Fetched %s from %s in to %s\n", bytes.Format(written), u.Redacted(), name)
	return &upload.Asset{
		ID:           name,
		Path:         filepath.Join(fetcher.assetDir, name),
		Size:         written,
		SessionID:    sessionID,
		OriginalName: path.Base(u.Path),
		MimeType:     resp.Header.Get("Content-Type"),
	}, nil
}

func (fetcher *Fetcher) remoteError(ctx context.Context, err error, format string, args ...any) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.RemoteFetchTimeout, err, format, args...)
	}

	return fault.Wrap(fault.RemoteFetch, err, format, args...)
}
