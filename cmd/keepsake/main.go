package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/antoniostano/keepsake/internal/app"
	"github.com/antoniostano/keepsake/internal/assistant"
	"github.com/antoniostano/keepsake/internal/audio"
	"github.com/antoniostano/keepsake/internal/config"
	"github.com/antoniostano/keepsake/internal/turn"
)

const maxUtterance = 30 * time.Second

func main() {
	turns := flag.Int("turns", 3, "number of conversational turns to run")
	typed := flag.Bool("typed", false, "read typed input instead of recording the microphone")
	flag.Parse()

	// Positional turn count keeps the original invocation style working.
	if arg := flag.Arg(0); arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			log.Fatalf("invalid turn count %q", arg)
		}
		*turns = n
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := log.Default()
	build, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer func() {
		if err := build.Cleanup(); err != nil {
			log.Printf("cleanup error: %v", err)
		}
	}()

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stdin := bufio.NewReader(os.Stdin)

	var recorder *audio.Recorder
	if !*typed {
		recorder, err = audio.NewRecorder(cfg.SampleRate)
		if err != nil {
			log.Printf("microphone unavailable (%v), falling back to typed input", err)
		}
	}
	player, err := audio.NewPlayer()
	if err != nil {
		log.Printf("audio playback unavailable (%v), replies will be text only", err)
		player = nil
	}

	sess := build.Sessions.Create("cli", cfg.SpeechVoice)
	fmt.Printf("session %s started, %d turns\n", sess.ID, *turns)

	exitCode := 0
	for i := 1; i <= *turns; i++ {
		input, err := captureInput(runCtx, stdin, recorder, i, *turns)
		if err != nil {
			if runCtx.Err() != nil {
				fmt.Println("\ninterrupted")
				break
			}
			log.Printf("input capture failed: %v", err)
			continue
		}

		t, err := build.Orchestrator.RunTurn(runCtx, sess.ID, input)
		if err != nil {
			var te *turn.Error
			if errors.As(err, &te) && te.Fatal() {
				if runCtx.Err() != nil {
					fmt.Println("\ninterrupted")
					break
				}
				log.Printf("fatal turn failure: %v", err)
				exitCode = 2
				break
			}
			// Collaborator failure after retries. The turn carries the
			// spoken apology; the session keeps going.
			log.Printf("turn failed: %v", err)
		}
		for _, line := range turnLines(t, input.Text == "") {
			fmt.Println(line)
		}
		if player != nil && len(t.Audio) > 0 {
			if err := player.Play(runCtx, t.Audio, t.AudioFormat); err != nil {
				log.Printf("playback failed: %v", err)
			}
		}
	}

	if history := build.Sessions.History(sess.ID, *turns); len(history) > 0 {
		fmt.Println("\ntranscript:")
		for _, line := range history {
			fmt.Printf("  %s\n", line)
		}
	}
	if _, err := build.Sessions.End(sess.ID); err != nil {
		log.Printf("session end failed: %v", err)
	}
	os.Exit(exitCode)
}

// turnLines formats the printable output for one finished turn. A zero turn
// never started (the orchestrator rejected it before the pipeline ran) and
// renders nothing; echoInput adds the transcribed utterance for voice input.
func turnLines(t turn.Turn, echoInput bool) []string {
	if t.ID == "" {
		return nil
	}
	if t.NoOp {
		return []string{"(heard nothing)"}
	}
	var lines []string
	if echoInput && t.InputText != "" {
		lines = append(lines, "you> "+t.InputText)
	}
	return append(lines, "keepsake> "+t.ResponseText)
}

// captureInput records one utterance, or reads a typed line when no recorder
// is available. Recording stops on Enter or after maxUtterance.
func captureInput(ctx context.Context, stdin *bufio.Reader, recorder *audio.Recorder, i, n int) (assistant.Input, error) {
	if recorder == nil {
		fmt.Printf("[%d/%d] you> ", i, n)
		line, err := stdin.ReadString('\n')
		if err != nil {
			return assistant.Input{}, err
		}
		return assistant.Input{Text: strings.TrimSpace(line)}, nil
	}

	fmt.Printf("[%d/%d] listening... press Enter to stop\n", i, n)
	recCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		wav []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		wav, err := recorder.Record(recCtx, maxUtterance)
		done <- result{wav, err}
	}()

	enter := make(chan struct{})
	go func() {
		_, _ = stdin.ReadString('\n')
		close(enter)
	}()

	select {
	case <-enter:
		cancel()
	case <-ctx.Done():
		cancel()
	case r := <-done:
		return assistant.Input{AudioWAV: r.wav}, r.err
	}

	r := <-done
	if r.err != nil {
		return assistant.Input{}, r.err
	}
	return assistant.Input{AudioWAV: r.wav}, nil
}
