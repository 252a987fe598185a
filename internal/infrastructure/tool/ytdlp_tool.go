package tool

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	domaintool "github.com/corvid-run/agentcore/internal/domain/tool"
	"github.com/corvid-run/agentcore/internal/infrastructure/sandbox"
)

// YtdlpTool wraps yt-dlp inside the sandbox for media downloads. Output
// lands in the sandbox workspace where the other file tools can reach it.
type YtdlpTool struct {
	sandbox *sandbox.ProcessSandbox
	logger  *zap.Logger
}

func NewYtdlpTool(sb *sandbox.ProcessSandbox, logger *zap.Logger) *YtdlpTool {
	return &YtdlpTool{sandbox: sb, logger: logger}
}

func (t *YtdlpTool) Name() string          { return "ytdlp" }
func (t *YtdlpTool) Kind() domaintool.Kind { return domaintool.KindFetch }

func (t *YtdlpTool) Description() string {
	return "Download audio/video with yt-dlp into the workspace. " +
		"Supports a URL plus an optional format selector (e.g. 'bestaudio')."
}

func (t *YtdlpTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Media URL to download",
			},
			"format": map[string]interface{}{
				"type":        "string",
				"description": "yt-dlp format selector (optional)",
			},
			"audio_only": map[string]interface{}{
				"type":        "boolean",
				"description": "Extract audio only (mp3)",
			},
		},
		"required": []string{"url"},
	}
}

func (t *YtdlpTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	url, _ := args["url"].(string)
	if strings.TrimSpace(url) == "" {
		return &domaintool.Result{Success: false, Error: "url is required"}, nil
	}
	if strings.HasPrefix(url, "-") {
		return &domaintool.Result{Success: false, Error: "url must not start with '-'"}, nil
	}

	cmdArgs := []string{"--no-playlist", "--restrict-filenames", "-o", "%(title).80s.%(ext)s"}
	if format, _ := args["format"].(string); format != "" {
		cmdArgs = append(cmdArgs, "-f", format)
	}
	if audioOnly, _ := args["audio_only"].(bool); audioOnly {
		cmdArgs = append(cmdArgs, "-x", "--audio-format", "mp3")
	}
	cmdArgs = append(cmdArgs, url)

	res, err := t.sandbox.Execute(ctx, "yt-dlp", cmdArgs)
	if err != nil {
		return &domaintool.Result{Success: false, Error: fmt.Sprintf("yt-dlp failed: %v", err)}, nil
	}
	if res.ExitCode != 0 {
		return &domaintool.Result{Success: false, Error: fmt.Sprintf("yt-dlp exited %d: %s", res.ExitCode, truncateStr(res.Stderr, 2000))}, nil
	}

	t.logger.Info("media downloaded", zap.String("url", url))
	return &domaintool.Result{
		Success: true,
		Output:  truncateStr(res.Stdout, 4000),
	}, nil
}
