package wav

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/chriscow/agents-go/pkg/rtc"
)

// Writer streams 16-bit PCM audio into a canonical WAV file. The RIFF and
// data chunk sizes are back-patched on Close, so a file that is never closed
// is not a valid WAV.
type Writer struct {
	file        *os.File
	sampleRate  int
	numChannels int
	dataBytes   int
}

// riffSizeOffset and dataSizeOffset locate the two length fields of the
// canonical 44-byte header that Close patches.
const (
	riffSizeOffset = 4
	dataSizeOffset = 40
	headerSize     = 44
)

// NewWriter creates path and writes a placeholder header for a 16-bit PCM
// file with the given format.
func NewWriter(path string, sampleRate, numChannels int) (*Writer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if numChannels != 1 && numChannels != 2 {
		return nil, fmt.Errorf("invalid channel count %d (want mono or stereo)", numChannels)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}

	w := &Writer{file: file, sampleRate: sampleRate, numChannels: numChannels}
	if err := w.writeHeader(); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return w, nil
}

// WriteSamples appends interleaved int16 samples.
func (w *Writer) WriteSamples(samples []int16) error {
	if w.file == nil {
		return fmt.Errorf("wav writer closed")
	}
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("write samples: %w", err)
	}
	w.dataBytes += len(data)
	return nil
}

// WriteFrame appends a frame. The frame must match the writer's format.
func (w *Writer) WriteFrame(frame rtc.AudioFrame) error {
	if frame.SampleRate != w.sampleRate || frame.NumChannels != w.numChannels {
		return fmt.Errorf("frame format %dHz/%dch does not match writer %dHz/%dch",
			frame.SampleRate, frame.NumChannels, w.sampleRate, w.numChannels)
	}
	if w.file == nil {
		return fmt.Errorf("wav writer closed")
	}
	if _, err := w.file.Write(frame.Data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.dataBytes += len(frame.Data)
	return nil
}

// Close patches the header length fields and closes the file.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}

	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(headerSize-8+w.dataBytes))
	if _, err := w.file.WriteAt(size[:], riffSizeOffset); err != nil {
		w.file.Close()
		w.file = nil
		return fmt.Errorf("patch RIFF size: %w", err)
	}
	binary.LittleEndian.PutUint32(size[:], uint32(w.dataBytes))
	if _, err := w.file.WriteAt(size[:], dataSizeOffset); err != nil {
		w.file.Close()
		w.file = nil
		return fmt.Errorf("patch data size: %w", err)
	}

	err := w.file.Close()
	w.file = nil
	return err
}

func (w *Writer) writeHeader() error {
	buf := make([]byte, 0, headerSize)
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // patched on Close
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1) // PCM
	buf = binary.LittleEndian.AppendUint16(buf, uint16(w.numChannels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(w.sampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(w.sampleRate*w.numChannels*2))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(w.numChannels*2))
	buf = binary.LittleEndian.AppendUint16(buf, 16)

	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // patched on Close

	_, err := w.file.Write(buf)
	return err
}
