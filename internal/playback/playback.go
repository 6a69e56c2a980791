// Package playback plays synthesized speech on the local audio device.
package playback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/gopxl/beep/v2/wav"
	"github.com/loqalabs/voicechat/internal/audiofile"
	"github.com/loqalabs/voicechat/internal/tts"
)

// Sink blocks until each clip has finished playing or Stop is called.
type Sink struct {
	logger  *slog.Logger
	mu      sync.Mutex
	current *beep.Ctrl
	stopped chan struct{}
}

func NewSink(logger *slog.Logger) *Sink {
	return &Sink{logger: logger.With(slog.String("component", "playback"))}
}

func (s *Sink) Deliver(ctx context.Context, _ string, audio tts.Audio) (tts.Clip, error) {
	streamer, format, cleanup, err := decode(audio)
	if err != nil {
		return tts.Clip{}, err
	}
	defer cleanup()

	if err := speaker.Init(format.SampleRate, format.SampleRate.N(time.Second/10)); err != nil {
		s.logger.Debug("failed to init speaker", slog.String("error", err.Error()))
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	ctrl := &beep.Ctrl{Streamer: beep.Seq(streamer, beep.Callback(func() {
		close(done)
	}))}
	s.mu.Lock()
	s.current = ctrl
	s.stopped = stopped
	s.mu.Unlock()

	start := time.Now()
	speaker.Play(ctrl)
	clip := tts.Clip{Format: audio.Format, Bytes: len(audio.Data)}
	select {
	case <-done:
		clip.Played = true
	case <-stopped:
		s.logger.Debug("playback interrupted")
	case <-ctx.Done():
		s.Stop()
		return tts.Clip{}, ctx.Err()
	}
	clip.Duration = time.Since(start)

	s.mu.Lock()
	if s.current == ctrl {
		s.current = nil
		s.stopped = nil
	}
	s.mu.Unlock()
	return clip, nil
}

// Stop silences whatever is playing.
func (s *Sink) Stop() {
	s.mu.Lock()
	ctrl, stopped := s.current, s.stopped
	s.current, s.stopped = nil, nil
	s.mu.Unlock()
	if ctrl == nil {
		return
	}
	close(stopped)
	speaker.Lock()
	ctrl.Streamer = nil
	speaker.Unlock()
	speaker.Clear()
}

func decode(audio tts.Audio) (beep.StreamSeekCloser, beep.Format, func(), error) {
	switch audio.Format {
	case tts.FormatMP3:
		streamer, format, err := mp3.Decode(io.NopCloser(bytes.NewReader(audio.Data)))
		if err != nil {
			return nil, beep.Format{}, nil, fmt.Errorf("mp3 decode failed: %w", err)
		}
		return streamer, format, func() { streamer.Close() }, nil
	case tts.FormatPCM:
		tmp, err := os.CreateTemp("", "voicechat_out_*.wav")
		if err != nil {
			return nil, beep.Format{}, nil, fmt.Errorf("temp file: %w", err)
		}
		if err := audiofile.WriteWAV(tmp, audio.Data, audio.SampleRate, audio.Channels); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return nil, beep.Format{}, nil, err
		}
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return nil, beep.Format{}, nil, err
		}
		streamer, format, err := wav.Decode(tmp)
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return nil, beep.Format{}, nil, fmt.Errorf("wav decode failed: %w", err)
		}
		return streamer, format, func() {
			streamer.Close()
			os.Remove(tmp.Name())
		}, nil
	default:
		return nil, beep.Format{}, nil, fmt.Errorf("unsupported audio format %q", audio.Format)
	}
}
