package hoster

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HTTPHoster uploads files to a transfer.sh-compatible endpoint via
// multipart POST and returns the URL the service responds with.
type HTTPHoster struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewHTTPHoster(baseURL string, logger *zap.Logger) *HTTPHoster {
	return &HTTPHoster{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Minute},
		logger:  logger,
	}
}

// Upload streams the file to the hoster. The response body is expected to be
// the shareable URL (transfer.sh / 0x0.st convention).
func (h *HTTPHoster) Upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL, pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("hoster returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	url := strings.TrimSpace(string(body))
	if url == "" {
		return "", fmt.Errorf("hoster returned an empty URL")
	}
	h.logger.Info("file uploaded", zap.String("file", filepath.Base(path)), zap.String("url", url))
	return url, nil
}
