package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"chat-engine/internal/models"
)

// File is a local file handed to the blob store.
type File struct {
	Name   string
	Type   string
	Size   int64
	Reader io.Reader
}

// Progress receives upload progress callbacks.
type Progress func(written, total int64)

// Uploader transfers an attachment to the external blob store and returns
// its stable reference.
type Uploader interface {
	Upload(ctx context.Context, file File, progress Progress) (models.Attachment, error)
}

// HTTPUploader posts multipart uploads to the blob-store endpoint, retrying
// transient failures with exponential backoff.
type HTTPUploader struct {
	endpoint string
	http     *http.Client
	log      *zap.SugaredLogger
}

// NewHTTPUploader constructs an uploader for the given endpoint.
func NewHTTPUploader(endpoint string, log *zap.SugaredLogger) *HTTPUploader {
	return &HTTPUploader{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 2 * time.Minute},
		log:      log,
	}
}

// Upload transfers the file. The body is buffered up front so retries can
// replay it.
func (u *HTTPUploader) Upload(ctx context.Context, file File, progress Progress) (models.Attachment, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", file.Name)
	if err != nil {
		return models.Attachment{}, err
	}

	src := file.Reader
	if progress != nil {
		src = &countingReader{r: file.Reader, total: file.Size, progress: progress}
	}
	size, err := io.Copy(part, src)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("read attachment: %w", err)
	}
	if err := writer.Close(); err != nil {
		return models.Attachment{}, err
	}

	var attachment models.Attachment
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body.Bytes()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		req.Header.Set("X-File-Type", file.Type)

		resp, err := u.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("blob store returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return backoff.Permanent(fmt.Errorf("blob store returned %d", resp.StatusCode))
		}
		return json.NewDecoder(resp.Body).Decode(&attachment)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 90 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return models.Attachment{}, fmt.Errorf("upload %s: %w", file.Name, err)
	}

	if attachment.Name == "" {
		attachment.Name = file.Name
	}
	if attachment.Size == 0 {
		attachment.Size = size
	}
	if attachment.Type == "" {
		attachment.Type = file.Type
	}
	u.log.Infow("attachment uploaded", "name", attachment.Name, "size", attachment.Size)
	return attachment, nil
}

type countingReader struct {
	r        io.Reader
	total    int64
	written  int64
	progress Progress
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.written += int64(n)
		c.progress(c.written, c.total)
	}
	return n, err
}
