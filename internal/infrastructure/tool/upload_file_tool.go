package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	domaintool "github.com/corvid-run/agentcore/internal/domain/tool"
)

// maxUploadBytes is the hard cap on hosted files.
const maxUploadBytes = 1 << 30 // 1 GiB

// FileHoster uploads a local file to an external hoster and returns a
// shareable URL.
type FileHoster interface {
	Upload(ctx context.Context, path string) (url string, err error)
}

// UploadFileTool hands a sandbox file to the external hoster. On success the
// file is deleted from the sandbox — the URL is the surviving artifact.
type UploadFileTool struct {
	hoster  FileHoster
	workDir string
	logger  *zap.Logger
}

func NewUploadFileTool(hoster FileHoster, workDir string, logger *zap.Logger) *UploadFileTool {
	return &UploadFileTool{hoster: hoster, workDir: workDir, logger: logger}
}

func (t *UploadFileTool) Name() string          { return "upload_file" }
func (t *UploadFileTool) Kind() domaintool.Kind { return domaintool.KindCommunicate }

func (t *UploadFileTool) Description() string {
	return "Upload a file from the workspace to the file hoster and get a shareable link. " +
		"Files over 1 GiB are rejected. The local copy is removed after a successful upload."
}

func (t *UploadFileTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File path, relative to the workspace or absolute",
			},
		},
		"required": []string{"path"},
	}
}

func (t *UploadFileTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return &domaintool.Result{Success: false, Error: "path is required"}, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.workDir, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return &domaintool.Result{Success: false, Error: fmt.Sprintf("file not accessible: %v", err)}, nil
	}
	if info.IsDir() {
		return &domaintool.Result{Success: false, Error: "path is a directory, not a file"}, nil
	}
	if info.Size() > maxUploadBytes {
		return &domaintool.Result{
			Success: false,
			Error:   fmt.Sprintf("file is %d bytes, exceeding the 1 GiB upload limit", info.Size()),
		}, nil
	}

	url, err := t.hoster.Upload(ctx, path)
	if err != nil {
		return &domaintool.Result{Success: false, Error: fmt.Sprintf("upload failed: %v", err)}, nil
	}

	if err := os.Remove(path); err != nil {
		t.logger.Warn("uploaded file could not be removed from sandbox",
			zap.String("path", path), zap.Error(err))
	}

	return &domaintool.Result{
		Success: true,
		Output:  fmt.Sprintf("Uploaded %s (%d bytes): %s", filepath.Base(path), info.Size(), url),
	}, nil
}
