package fetch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/koochoy97/leaf-microservice/internal/fault"
	"github.com/koochoy97/leaf-microservice/internal/fetch"
	"github.com/koochoy97/leaf-microservice/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func remote(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch_StoresAsset(t *testing.T) {
	t.Parallel()
	srv := remote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("remote video bytes"))
	})

	dir := t.TempDir()
	asset, err := fetch.New(fetch.Config{Timeout: time.Second}, dir, srv.Client()).Fetch(context.Background(), srv.URL+"/media/movie.mp4")
	require.Nil(t, err)

	_, parseErr := uuid.Parse(asset.SessionID)
	assert.Nil(t, parseErr, "session id must be a uuid")
	assert.Equal(t, asset.SessionID+".mp4", asset.ID)
	assert.Equal(t, filepath.Join(dir, asset.ID), asset.Path)
	assert.Equal(t, int64(len("remote video bytes")), asset.Size)
	assert.Equal(t, "movie.mp4", asset.OriginalName)
	assert.Equal(t, "video/mp4", asset.MimeType)

	content, err := os.ReadFile(asset.Path)
	assert.Nil(t, err)
	assert.Equal(t, "remote video bytes", string(content))
}

func TestFetch_InvalidURLs(t *testing.T) {
	t.Parallel()
	fetcher := fetch.New(fetch.Config{}, t.TempDir(), nil)

	for _, raw := range []string{"", "not a url", "ftp://example.com/a.mp4", "/relative/path.mp4", "http://"} {
		_, err := fetcher.Fetch(context.Background(), raw)
		assert.Equal(t, fault.InvalidRequestPayload, fault.KindOf(err), raw)
	}
}

func TestFetch_NonSuccessStatus(t *testing.T) {
	t.Parallel()
	srv := remote(t, func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	dir := t.TempDir()

	_, err := fetch.New(fetch.Config{Timeout: time.Second}, dir, srv.Client()).Fetch(context.Background(), srv.URL+"/missing.mp4")
	assert.Equal(t, fault.RemoteFetch, fault.KindOf(err))

	names, _ := storage.ListPrefix(dir, "")
	assert.Empty(t, names)
}

func TestFetch_Timeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := remote(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	_, err := fetch.New(fetch.Config{Timeout: 50 * time.Millisecond}, t.TempDir(), srv.Client()).Fetch(context.Background(), srv.URL)
	assert.Equal(t, fault.RemoteFetchTimeout, fault.KindOf(err))
}

func TestFetch_MaxBytes(t *testing.T) {
	t.Parallel()
	srv := remote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 4096)))
	})
	dir := t.TempDir()

	_, err := fetch.New(fetch.Config{Timeout: time.Second, MaxBytes: 1024}, dir, srv.Client()).Fetch(context.Background(), srv.URL)
	assert.Equal(t, fault.RemoteFetch, fault.KindOf(err))

	names, _ := storage.ListPrefix(dir, "")
	assert.Empty(t, names, "oversized downloads must not leave an asset behind")
}
