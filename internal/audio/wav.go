package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavBitDepth    = 16
	wavChannels    = 1
	wavFormatPCM   = 1
	int16Amplitude = 32767
)

// Encoder turns clip samples into the payload written to storage.
type Encoder interface {
	Encode(samples []float32, sampleRate int) ([]byte, error)
	Extension() string
	ContentType() string
}

// WAVEncoder encodes mono 16-bit PCM WAV files.
type WAVEncoder struct{}

// NewEncoder returns the encoder for a configured format name.
func NewEncoder(format string) (Encoder, error) {
	switch format {
	case "", "wav":
		return WAVEncoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported clip format: %s", format)
	}
}

// Extension returns the file extension without the dot
func (WAVEncoder) Extension() string { return "wav" }

// ContentType returns the MIME type of the encoded payload
func (WAVEncoder) ContentType() string { return "audio/wav" }

// Encode converts float samples in [-1, 1] to a WAV file
func (WAVEncoder) Encode(samples []float32, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	data := make([]int, len(samples))
	for i, s := range samples {
		switch {
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		}
		data[i] = int(s * int16Amplitude)
	}

	out := &writeSeeker{}
	enc := wav.NewEncoder(out, sampleRate, wavBitDepth, wavChannels, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: wavChannels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: wavBitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to write wav samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize wav: %w", err)
	}

	return out.Bytes(), nil
}

// WAVInfo contains information about a WAV file
type WAVInfo struct {
	SampleRate    int     `json:"sample_rate"`
	NumChannels   int     `json:"num_channels"`
	BitsPerSample int     `json:"bits_per_sample"`
	NumSamples    int     `json:"num_samples"`
	Duration      float64 `json:"duration_seconds"`
}

// DecodeWAV decodes a mono WAV file back to float samples
func DecodeWAV(data []byte) ([]float32, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid WAV file")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read PCM data: %w", err)
	}

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / int16Amplitude
	}
	return samples, int(dec.SampleRate), nil
}

// GetWAVInfo extracts format information from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, errors.New("invalid WAV file")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to read PCM data: %w", err)
	}

	info := &WAVInfo{
		SampleRate:    int(dec.SampleRate),
		NumChannels:   int(dec.NumChans),
		BitsPerSample: int(dec.BitDepth),
		NumSamples:    len(buf.Data),
	}
	if info.SampleRate > 0 && info.NumChannels > 0 {
		info.Duration = float64(info.NumSamples/info.NumChannels) / float64(info.SampleRate)
	}
	return info, nil
}

// writeSeeker is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		if end > cap(w.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, w.buf)
			w.buf = grown
		} else {
			w.buf = w.buf[:end]
		}
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(w.pos) + offset
	case io.SeekEnd:
		next = int64(len(w.buf)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, errors.New("negative seek position")
	}
	w.pos = int(next)
	return next, nil
}

func (w *writeSeeker) Bytes() []byte {
	return w.buf
}
