package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/clipforge/clipforge/internal/config"
)

// toolPaths names the external executables the media steps need.
func toolPaths(t config.ToolsConfig) map[string]string {
	return map[string]string{
		"ffmpeg":  t.FFmpeg,
		"ffprobe": t.FFprobe,
		"whisper": t.Whisper,
	}
}

// preflight checks the environment before the scheduler starts claiming jobs.
// Missing tools only warn: jobs whose steps need them fail with a step error, and the
// health endpoint reports the service as degraded. An unusable work dir is fatal.
func preflight(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.WorkDir, 0o750); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	for name, path := range toolPaths(cfg.Tools) {
		resolved, err := exec.LookPath(path)
		if err != nil {
			slog.Warn("preflight: tool not found, steps using it will fail", "tool", name, "path", path)
			continue
		}
		slog.Info("preflight: tool found", "tool", name, "path", resolved)
	}

	if cfg.Tools.WhisperModel == "" {
		slog.Warn("preflight: no whisper model configured, transcribe steps will fail")
	} else if _, err := os.Stat(cfg.Tools.WhisperModel); err != nil {
		slog.Warn("preflight: whisper model not readable", "path", cfg.Tools.WhisperModel, "error", err)
	}
	return nil
}
