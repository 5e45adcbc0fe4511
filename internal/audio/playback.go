package audio

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Player plays synthesized audio through whichever playback tool is installed.
type Player struct {
	tool string
}

// NewPlayer finds a usable playback tool on PATH. mpv and ffplay handle any
// format; aplay only handles WAV.
func NewPlayer() (*Player, error) {
	for _, tool := range []string{"mpv", "ffplay", "afplay", "aplay"} {
		if _, err := exec.LookPath(tool); err == nil {
			return &Player{tool: tool}, nil
		}
	}
	return nil, fmt.Errorf("no playback tool found; install mpv or ffmpeg (ffplay)")
}

// Play blocks until the clip finishes or the context is cancelled.
func (p *Player) Play(ctx context.Context, data []byte, format string) error {
	if len(data) == 0 {
		return nil
	}
	if p.tool == "aplay" && format != "wav" {
		return fmt.Errorf("aplay cannot play %q audio; install mpv or ffplay", format)
	}

	tmpDir, err := os.MkdirTemp("", "keepsake-audio-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	ext := format
	if ext == "" {
		ext = "mp3"
	}
	path := filepath.Join(tmpDir, "clip."+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}

	var args []string
	switch p.tool {
	case "mpv":
		args = []string{"--really-quiet", "--no-video", path}
	case "ffplay":
		args = []string{"-nodisp", "-autoexit", "-loglevel", "quiet", path}
	default:
		args = []string{path}
	}

	cmd := exec.CommandContext(ctx, p.tool, args...)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s failed: %w", p.tool, err)
	}
	return nil
}
