package upload

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testFile(content string) File {
	return File{
		Name:   "notes.txt",
		Type:   "text/plain",
		Size:   int64(len(content)),
		Reader: strings.NewReader(content),
	}
}

func TestUploadPostsMultipartAndDecodesAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1 << 20))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "notes.txt", header.Filename)
		assert.Equal(t, "text/plain", r.Header.Get("X-File-Type"))

		json.NewEncoder(w).Encode(map[string]any{
			"url":  "https://cdn.example.com/blobs/abc",
			"name": "notes.txt",
			"size": 11,
			"type": "text/plain",
		})
	}))
	t.Cleanup(srv.Close)

	u := NewHTTPUploader(srv.URL, zap.NewNop().Sugar())
	att, err := u.Upload(context.Background(), testFile("hello world"), nil)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/blobs/abc", att.URL)
	assert.Equal(t, "notes.txt", att.Name)
	assert.EqualValues(t, 11, att.Size)
}

func TestUploadFillsMissingMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"url": "https://cdn.example.com/blobs/x"})
	}))
	t.Cleanup(srv.Close)

	u := NewHTTPUploader(srv.URL, zap.NewNop().Sugar())
	att, err := u.Upload(context.Background(), testFile("hello world"), nil)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", att.Name)
	assert.EqualValues(t, len("hello world"), att.Size)
	assert.Equal(t, "text/plain", att.Type)
}

func TestUploadRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		// The retried request must carry the full body again.
		require.NoError(t, r.ParseMultipartForm(1 << 20))
		json.NewEncoder(w).Encode(map[string]any{"url": "https://cdn.example.com/blobs/y"})
	}))
	t.Cleanup(srv.Close)

	u := NewHTTPUploader(srv.URL, zap.NewNop().Sugar())
	att, err := u.Upload(context.Background(), testFile("payload"), nil)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/blobs/y", att.URL)
	assert.EqualValues(t, 2, hits.Load())
}

func TestUploadClientErrorIsPermanent(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	t.Cleanup(srv.Close)

	u := NewHTTPUploader(srv.URL, zap.NewNop().Sugar())
	_, err := u.Upload(context.Background(), testFile("too big"), nil)
	require.Error(t, err)
	assert.EqualValues(t, 1, hits.Load())
}

func TestUploadReportsProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"url": "https://cdn.example.com/blobs/z"})
	}))
	t.Cleanup(srv.Close)

	content := strings.Repeat("x", 4096)
	var lastWritten, lastTotal int64
	progress := func(written, total int64) {
		lastWritten = written
		lastTotal = total
	}

	u := NewHTTPUploader(srv.URL, zap.NewNop().Sugar())
	_, err := u.Upload(context.Background(), testFile(content), progress)
	require.NoError(t, err)
	assert.EqualValues(t, len(content), lastWritten)
	assert.EqualValues(t, len(content), lastTotal)
}
