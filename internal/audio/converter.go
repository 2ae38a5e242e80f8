package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Converter turns a raw recording at source into an MP3 at target.
type Converter interface {
	Convert(ctx context.Context, source, target string) error
}

// FFmpegConverter shells out to ffmpeg.
type FFmpegConverter struct {
	Path string
}

func (c FFmpegConverter) Convert(ctx context.Context, source, target string) error {
	binary := strings.TrimSpace(c.Path)
	if binary == "" {
		binary = "ffmpeg"
	}
	command := exec.CommandContext(ctx, binary,
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", source,
		"-vn", "-codec:a", "libmp3lame", "-q:a", "4",
		target)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// RenameConverter moves the raw file into place unchanged. It serves deployments
// whose clients already upload MP3 audio.
type RenameConverter struct{}

func (RenameConverter) Convert(_ context.Context, source, target string) error {
	return os.Rename(source, target)
}
