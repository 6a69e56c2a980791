// Package mic captures microphone audio into WAV files for the interactive
// client. It links against PortAudio.
package mic

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/voicechat/internal/audiofile"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

const framesPerBuffer = 64

// Recorder captures mono 16-bit audio from the default input device.
type Recorder struct {
	sampleRate  int
	maxDuration time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	recording bool
	samples   []int16
	stream    *portaudio.Stream
	done      chan struct{}
	readErr   error
}

func NewRecorder(sampleRate int, maxDuration time.Duration, logger *slog.Logger) *Recorder {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Recorder{
		sampleRate:  sampleRate,
		maxDuration: maxDuration,
		logger:      logger.With(slog.String("component", "mic")),
	}
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Start opens the default input stream and begins buffering samples.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return ErrAlreadyRecording
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init failed: %w", err)
	}
	in := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(r.sampleRate), len(in), in)
	if err != nil {
		if paErr := portaudio.Terminate(); paErr != nil {
			return fmt.Errorf("failed to open microphone: %w; terminate error: %w", err, paErr)
		}
		return fmt.Errorf("failed to open microphone: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("failed to start microphone: %w", err)
	}

	r.stream = stream
	r.samples = r.samples[:0]
	r.readErr = nil
	r.recording = true
	r.done = make(chan struct{})
	go r.capture(stream, in, r.done)
	r.logger.Debug("recording started", slog.Int("sample_rate", r.sampleRate))
	return nil
}

func (r *Recorder) capture(stream *portaudio.Stream, in []int16, done chan struct{}) {
	defer close(done)
	limit := int(r.maxDuration.Seconds() * float64(r.sampleRate))
	for {
		r.mu.Lock()
		recording := r.recording
		r.mu.Unlock()
		if !recording {
			return
		}
		if err := stream.Read(); err != nil {
			r.mu.Lock()
			r.readErr = err
			r.mu.Unlock()
			r.logger.Error("reading stream", slogError(err))
			return
		}
		r.mu.Lock()
		r.samples = append(r.samples, in...)
		full := limit > 0 && len(r.samples) >= limit
		r.mu.Unlock()
		if full {
			r.logger.Info("recording reached maximum duration", slog.Duration("max", r.maxDuration))
			return
		}
	}
}

// Stop ends the capture and writes the buffered audio to a new WAV file in
// dir. The caller owns the returned path.
func (r *Recorder) Stop(dir string) (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", ErrNotRecording
	}
	r.recording = false
	stream, done := r.stream, r.done
	r.mu.Unlock()

	<-done
	var errs []error
	if err := stream.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := stream.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Warn("failed to close microphone", slogError(err))
	}

	r.mu.Lock()
	pcm := &audiofile.PCM{Samples: append([]int16(nil), r.samples...), SampleRate: r.sampleRate}
	readErr := r.readErr
	r.mu.Unlock()
	if readErr != nil && len(pcm.Samples) == 0 {
		return "", fmt.Errorf("read microphone: %w", readErr)
	}

	path, err := audiofile.SaveTemp(dir, nil, ".wav")
	if err != nil {
		return "", err
	}
	if err := audiofile.WritePCMFile(path, pcm); err != nil {
		os.Remove(path)
		return "", err
	}
	r.logger.Debug("recording saved", slog.String("path", path), slog.Float64("seconds", pcm.Duration()))
	return path, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
