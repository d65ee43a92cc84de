package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/harunnryd/parley/pkg/conversation"
	"github.com/harunnryd/parley/pkg/events"
	"github.com/harunnryd/parley/pkg/parley"
	"github.com/harunnryd/parley/pkg/session"
)

// replay_audio plays a WAV file into one interview turn through the
// configured transport and prints the resulting transcript. It is a probe
// for a backend: no microphone, no speakers, no archive.
func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	wav := flag.String("wav", "", "16-bit PCM WAV file to send as the candidate's answer")
	mode := flag.String("mode", "", "override transport.mode (duplex, room, batch)")
	realtime := flag.Bool("realtime", true, "pace the file at its audio clock")
	timeout := flag.Duration("timeout", 60*time.Second, "how long to wait for the interviewer's reply")
	flag.Parse()
	if *wav == "" {
		fmt.Println("usage: replay_audio -wav=answer.wav [-config=...] [-mode=batch]")
		os.Exit(1)
	}

	cfg, err := parley.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Transport.Mode = *mode
	}
	cfg.Capture.Device = "wavfile"
	cfg.Capture.Settings = map[string]any{"path": *wav, "realtime": *realtime}
	cfg.Playback.Engine = "none"
	cfg.Archive.Enabled = false
	if err := cfg.Validate(); err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}

	out, err := replay(cfg, *timeout)
	if err != nil {
		fmt.Println("replay error:", err)
	}
	if out != nil {
		fmt.Printf("session %s over %s, %s\n\n", out.SessionID, out.Transport, out.Elapsed.Round(time.Millisecond))
		fmt.Print(conversation.Transcript(out.Messages))
	}
	if err != nil {
		os.Exit(1)
	}
}

func replay(cfg parley.Config, timeout time.Duration) (*session.Outcome, error) {
	var outcome *session.Outcome
	nav := session.NavigatorFunc(func(_ context.Context, o session.Outcome) error {
		outcome = &o
		return nil
	})
	engine, err := parley.NewEngine(parley.EngineOptions{Config: cfg, Navigator: nav})
	if err != nil {
		return nil, err
	}
	defer engine.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		return nil, err
	}
	ctrl := engine.Session()
	updates := ctrl.Subscribe()
	if err := ctrl.StartRecording(ctx); err != nil {
		return nil, fmt.Errorf("start recording: %w", err)
	}

	waitErr := waitForReply(ctx, updates)
	if _, err := ctrl.ConfirmLeave(context.Background()); err != nil {
		return outcome, fmt.Errorf("leave: %w", err)
	}
	return outcome, waitErr
}

// waitForReply returns once the file has been sent and the interviewer's
// turn is complete, or the session reports a failure.
func waitForReply(ctx context.Context, updates <-chan session.Update) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no reply: %w", ctx.Err())
		case up, ok := <-updates:
			if !ok {
				return fmt.Errorf("session closed before the reply")
			}
			snap := up.Snapshot
			if snap.State == conversation.StateHalted {
				return fmt.Errorf("transport lost: %v", snap.Err)
			}
			if snap.CaptureErr != nil {
				return fmt.Errorf("capture: %w", snap.CaptureErr)
			}
			if snap.Err != nil && up.Reason == string(events.KindRemoteError) {
				return fmt.Errorf("interviewer: %s", snap.Alert)
			}
			if turnDone(snap) {
				return nil
			}
		}
	}
}

func turnDone(snap session.Snapshot) bool {
	if snap.Recording || snap.State != conversation.StateIdle || snap.Indicators.Busy() {
		return false
	}
	n := len(snap.Messages)
	if n < 2 {
		return false
	}
	last := snap.Messages[n-1]
	return last.Role == conversation.RoleAssistant && last.Final && snap.Messages[n-2].Role == conversation.RoleUser
}
