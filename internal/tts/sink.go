package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/voicechat/internal/audiofile"
)

// ErrClipNotFound is returned when a requested clip does not exist.
var ErrClipNotFound = errors.New("audio clip not found")

// FileSink writes clips under a directory so they can be streamed to the
// client.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (f *FileSink) Dir() string { return f.dir }

func (f *FileSink) Deliver(ctx context.Context, sessionID string, audio Audio) (Clip, error) {
	if err := ctx.Err(); err != nil {
		return Clip{}, err
	}
	ext := ".mp3"
	if audio.Format == FormatPCM {
		ext = ".wav"
	}
	id := sessionID + "_" + uuid.NewString() + ext
	path := filepath.Join(f.dir, id)

	file, err := os.Create(path)
	if err != nil {
		return Clip{}, fmt.Errorf("create clip: %w", err)
	}
	switch audio.Format {
	case FormatPCM:
		err = audiofile.WriteWAV(file, audio.Data, audio.SampleRate, audio.Channels)
	default:
		_, err = file.Write(audio.Data)
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return Clip{}, fmt.Errorf("write clip: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Clip{}, err
	}
	return Clip{ID: id, Path: path, Format: strings.TrimPrefix(ext, "."), Bytes: int(info.Size())}, nil
}

// Open resolves a clip id to a file path. Ids never contain separators.
func (f *FileSink) Open(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", ErrClipNotFound
	}
	path := filepath.Join(f.dir, id)
	if _, err := os.Stat(path); err != nil {
		return "", ErrClipNotFound
	}
	return path, nil
}

// RemoveSession deletes every clip belonging to sessionID.
func (f *FileSink) RemoveSession(sessionID string) error {
	matches, err := filepath.Glob(filepath.Join(f.dir, sessionID+"_*"))
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
