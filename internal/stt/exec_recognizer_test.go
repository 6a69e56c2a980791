package stt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/loqalabs/voicechat/internal/config"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "recognize.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecRecognizerParsesJSON(t *testing.T) {
	script := writeScript(t, `echo '{"text":"from the script","confidence":0.5}'`)
	cfg := config.Default().STT
	cfg.Command = script
	rec, err := NewExecRecognizer(cfg)
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	out, err := rec.Transcribe(context.Background(), Clip{Path: "clip.wav"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if out.Text != "from the script" || out.Confidence != 0.5 {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestExecRecognizerNoSpeech(t *testing.T) {
	script := writeScript(t, `echo '{"no_speech":true}'`)
	cfg := config.Default().STT
	cfg.Command = script
	rec, err := NewExecRecognizer(cfg)
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	if _, err := rec.Transcribe(context.Background(), Clip{Path: "clip.wav"}); !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("expected ErrNoSpeech, got %v", err)
	}
}

func TestExecRecognizerMissingBinaryIsUnavailable(t *testing.T) {
	cfg := config.Default().STT
	cfg.Command = "/nonexistent/voicechat-recognizer --fast"
	rec, err := NewExecRecognizer(cfg)
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	if _, err := rec.Transcribe(context.Background(), Clip{Path: "clip.wav"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestExecRecognizerEmptyCommand(t *testing.T) {
	cfg := config.Default().STT
	cfg.Command = "  "
	if _, err := NewExecRecognizer(cfg); err == nil {
		t.Fatal("expected error for empty command")
	}
}
