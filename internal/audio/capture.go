package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// Recorder captures one utterance from the default microphone by shelling
// out to whichever recording tool is installed. Output is PCM16LE mono.
type Recorder struct {
	tool       string
	sampleRate int
}

// recorderArgs maps a tool to the argv producing raw PCM16LE mono on stdout.
func recorderArgs(tool string, sampleRate int) []string {
	rate := strconv.Itoa(sampleRate)
	switch tool {
	case "arecord":
		return []string{"-q", "-f", "S16_LE", "-c", "1", "-r", rate, "-t", "raw"}
	case "sox":
		return []string{"-d", "-q", "-t", "raw", "-b", "16", "-e", "signed-integer", "-c", "1", "-r", rate, "-"}
	case "rec":
		return []string{"-q", "-t", "raw", "-b", "16", "-e", "signed-integer", "-c", "1", "-r", rate, "-"}
	default:
		return nil
	}
}

// NewRecorder finds a usable recording tool on PATH.
func NewRecorder(sampleRate int) (*Recorder, error) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	for _, tool := range []string{"arecord", "sox", "rec"} {
		if _, err := exec.LookPath(tool); err == nil {
			return &Recorder{tool: tool, sampleRate: sampleRate}, nil
		}
	}
	return nil, fmt.Errorf("no recording tool found; install alsa-utils (arecord) or sox")
}

// Record captures for at most maxDuration and returns a WAV blob. The caller
// cancels the context to stop recording early, e.g. on an Enter keypress.
func (r *Recorder) Record(ctx context.Context, maxDuration time.Duration) ([]byte, error) {
	if maxDuration <= 0 {
		maxDuration = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.tool, recorderArgs(r.tool, r.sampleRate)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	err := cmd.Run()
	// Killing the recorder on cancel/timeout is the normal stop path; the
	// captured audio up to that point is the utterance.
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("%s failed: %w", r.tool, err)
	}
	if out.Len() == 0 {
		return nil, nil
	}
	return EncodeWAVPCM16LE(out.Bytes(), r.sampleRate), nil
}

// SampleRate reports the capture rate in Hz.
func (r *Recorder) SampleRate() int { return r.sampleRate }
