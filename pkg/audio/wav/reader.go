// Package wav reads and writes 16-bit PCM WAV files as rtc.AudioFrames.
// It understands only the canonical RIFF/WAVE layout: a fmt chunk describing
// uncompressed PCM followed by a data chunk, with unknown chunks skipped.
package wav

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chriscow/agents-go/pkg/rtc"
)

// Header describes the PCM format of a parsed WAV file.
type Header struct {
	SampleRate    int
	NumChannels   int
	BitsPerSample int
	DataBytes     int
}

// Duration returns the playback length of the audio data.
func (h Header) Duration() time.Duration {
	bytesPerSecond := h.SampleRate * h.NumChannels * h.BitsPerSample / 8
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(h.DataBytes) * time.Second / time.Duration(bytesPerSecond)
}

// Reader decodes a WAV file into audio frames.
type Reader struct {
	file      *os.File
	header    Header
	remaining int
}

// NewReader opens a WAV file and parses its header. The reader is positioned
// at the start of the audio data.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}

	r := &Reader{file: file}
	if err := r.parseHeader(); err != nil {
		file.Close()
		return nil, fmt.Errorf("parse wav %s: %w", path, err)
	}
	r.remaining = r.header.DataBytes
	return r, nil
}

// Header returns the parsed format description.
func (r *Reader) Header() Header { return r.header }

// ReadAll decodes the remaining audio data into a single frame.
func (r *Reader) ReadAll() (rtc.AudioFrame, error) {
	data := make([]byte, r.remaining)
	if _, err := io.ReadFull(r.file, data); err != nil {
		return rtc.AudioFrame{}, fmt.Errorf("read wav data: %w", err)
	}
	r.remaining = 0
	return rtc.NewAudioFrame(data, r.header.SampleRate, r.header.NumChannels, 0)
}

// ReadFrames decodes the remaining audio data into fixed-duration frames.
// The final frame is zero-padded to the full duration.
func (r *Reader) ReadFrames(frameDuration time.Duration) ([]rtc.AudioFrame, error) {
	if frameDuration <= 0 {
		frameDuration = 10 * time.Millisecond
	}
	samplesPerFrame := int(time.Duration(r.header.SampleRate) * frameDuration / time.Second)
	if samplesPerFrame <= 0 {
		return nil, fmt.Errorf("frame duration %v too short for %dHz", frameDuration, r.header.SampleRate)
	}
	frameBytes := samplesPerFrame * r.header.NumChannels * 2

	var frames []rtc.AudioFrame
	for r.remaining > 0 {
		data := make([]byte, frameBytes)
		n := frameBytes
		if r.remaining < n {
			n = r.remaining
		}
		if _, err := io.ReadFull(r.file, data[:n]); err != nil {
			return nil, fmt.Errorf("read wav data: %w", err)
		}
		r.remaining -= n

		frames = append(frames, rtc.AudioFrame{
			Data:              data,
			SampleRate:        r.header.SampleRate,
			SamplesPerChannel: samplesPerFrame,
			NumChannels:       r.header.NumChannels,
			Timestamp:         time.Duration(len(frames)) * frameDuration,
		})
	}
	return frames, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *Reader) parseHeader() error {
	var riff [12]byte
	if _, err := io.ReadFull(r.file, riff[:]); err != nil {
		return fmt.Errorf("read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return fmt.Errorf("not a RIFF/WAVE file")
	}

	sawFmt := false
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r.file, chunk[:]); err != nil {
			return fmt.Errorf("read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := int(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			if err := r.parseFmt(size); err != nil {
				return err
			}
			sawFmt = true
		case "data":
			if !sawFmt {
				return fmt.Errorf("data chunk before fmt chunk")
			}
			r.header.DataBytes = size
			return r.validate()
		default:
			// Chunks are word-aligned; odd sizes carry a pad byte.
			if _, err := r.file.Seek(int64(size+size%2), io.SeekCurrent); err != nil {
				return fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}

func (r *Reader) parseFmt(size int) error {
	if size < 16 {
		return fmt.Errorf("fmt chunk too small: %d bytes", size)
	}
	var data [16]byte
	if _, err := io.ReadFull(r.file, data[:]); err != nil {
		return fmt.Errorf("read fmt chunk: %w", err)
	}
	if format := binary.LittleEndian.Uint16(data[0:2]); format != 1 {
		return fmt.Errorf("unsupported audio format %d (want PCM)", format)
	}
	r.header.NumChannels = int(binary.LittleEndian.Uint16(data[2:4]))
	r.header.SampleRate = int(binary.LittleEndian.Uint32(data[4:8]))
	r.header.BitsPerSample = int(binary.LittleEndian.Uint16(data[14:16]))

	if size > 16 {
		if _, err := r.file.Seek(int64(size-16+size%2), io.SeekCurrent); err != nil {
			return fmt.Errorf("skip fmt extension: %w", err)
		}
	}
	return nil
}

func (r *Reader) validate() error {
	h := r.header
	if h.BitsPerSample != 16 {
		return fmt.Errorf("unsupported bit depth %d (want 16)", h.BitsPerSample)
	}
	if h.NumChannels != 1 && h.NumChannels != 2 {
		return fmt.Errorf("unsupported channel count %d (want mono or stereo)", h.NumChannels)
	}
	if h.SampleRate < 8000 || h.SampleRate > 192000 {
		return fmt.Errorf("unsupported sample rate %d", h.SampleRate)
	}
	if h.DataBytes%(h.NumChannels*2) != 0 {
		return fmt.Errorf("data size %d is not a whole number of samples", h.DataBytes)
	}
	return nil
}
