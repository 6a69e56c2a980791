// Package audiofile normalizes audio handed in by recorders, uploads and
// microphones into temp files and mono 16-bit PCM.
package audiofile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
)

// ErrUnsupportedFormat is returned by LoadPCM for containers it cannot decode.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Extensions accepted at the ingestion boundary.
var Extensions = []string{".wav", ".mp3", ".m4a", ".flac"}

// PCM is mono signed 16-bit audio.
type PCM struct {
	Samples    []int16
	SampleRate int
}

func (p *PCM) Duration() float64 {
	if p == nil || p.SampleRate == 0 {
		return 0
	}
	return float64(len(p.Samples)) / float64(p.SampleRate)
}

// Peak returns the largest absolute amplitude scaled to [0, 1].
func (p *PCM) Peak() float64 {
	if p == nil {
		return 0
	}
	var peak int
	for _, s := range p.Samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return float64(peak) / 32768
}

// Silent reports whether the clip is empty or never rises above threshold.
func (p *PCM) Silent(threshold float64) bool {
	if p == nil || len(p.Samples) == 0 {
		return true
	}
	return p.Peak() < threshold
}

// Bytes returns the samples as little-endian LINEAR16.
func (p *PCM) Bytes() []byte {
	out := make([]byte, len(p.Samples)*2)
	for i, s := range p.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// NormalizeExt lowercases ext, adds the leading dot and falls back to .wav.
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ".wav"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// Supported reports whether ext is one of the accepted upload formats.
func Supported(ext string) bool {
	ext = NormalizeExt(ext)
	for _, e := range Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// SaveTemp writes data to a new temp file in dir keeping the given extension.
// The caller owns the returned path.
func SaveTemp(dir string, data []byte, ext string) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	file, err := os.CreateTemp(dir, "voicechat_in_*"+NormalizeExt(ext))
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return file.Name(), nil
}

// LoadPCM decodes a WAV, MP3 or FLAC file into mono PCM.
func LoadPCM(path string) (*PCM, error) {
	ext := NormalizeExt(filepath.Ext(path))
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}
	defer file.Close()

	switch ext {
	case ".wav":
		return decodeWAV(file)
	case ".mp3":
		streamer, format, err := mp3.Decode(file)
		if err != nil {
			return nil, fmt.Errorf("decode mp3: %w", err)
		}
		defer streamer.Close()
		return drain(streamer, format)
	case ".flac":
		streamer, format, err := flac.Decode(file)
		if err != nil {
			return nil, fmt.Errorf("decode flac: %w", err)
		}
		defer streamer.Close()
		return drain(streamer, format)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func decodeWAV(r io.ReadSeeker) (*PCM, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errors.New("decode wav: invalid file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	channels := int(dec.NumChans)
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		channels = buf.Format.NumChannels
	}
	if channels <= 0 {
		channels = 1
	}
	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}

	frames := len(buf.Data) / channels
	samples := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += to16(buf.Data[i*channels+c], depth)
		}
		samples[i] = int16(sum / channels)
	}
	return &PCM{Samples: samples, SampleRate: int(dec.SampleRate)}, nil
}

func to16(v, depth int) int {
	switch {
	case depth == 8:
		return (v - 128) << 8
	case depth > 16:
		return v >> (depth - 16)
	default:
		return v
	}
}

func drain(streamer beep.Streamer, format beep.Format) (*PCM, error) {
	chunk := make([][2]float64, 4096)
	var samples []int16
	for {
		n, ok := streamer.Stream(chunk)
		for i := 0; i < n; i++ {
			mono := (chunk[i][0] + chunk[i][1]) / 2
			samples = append(samples, floatTo16(mono))
		}
		if !ok {
			break
		}
	}
	if err := streamer.Err(); err != nil {
		return nil, fmt.Errorf("decode stream: %w", err)
	}
	return &PCM{Samples: samples, SampleRate: int(format.SampleRate)}, nil
}

func floatTo16(v float64) int16 {
	v = math.Max(-1, math.Min(1, v))
	return int16(math.Round(v * 32767))
}

// WriteWAV encodes interleaved little-endian 16-bit PCM as a WAV file.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return errors.New("pcm payload not aligned")
	}
	if channels <= 0 {
		channels = 1
	}
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate}, SourceBitDepth: 16}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WritePCMFile writes mono samples to path as a WAV file.
func WritePCMFile(path string, pcm *PCM) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAV(file, pcm.Bytes(), pcm.SampleRate, 1); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
