package wav

import (
	"encoding/binary"
	"fmt"

	"github.com/chriscow/agents-go/pkg/rtc"
)

// Encode renders frames as a complete in-memory WAV file. All frames must
// share one format. Useful for providers that upload audio instead of
// streaming it.
func Encode(frames []rtc.AudioFrame) ([]byte, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames to encode")
	}

	sampleRate := frames[0].SampleRate
	numChannels := frames[0].NumChannels
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if numChannels != 1 && numChannels != 2 {
		return nil, fmt.Errorf("invalid channel count %d (want mono or stereo)", numChannels)
	}

	dataBytes := 0
	for i, frame := range frames {
		if frame.SampleRate != sampleRate || frame.NumChannels != numChannels {
			return nil, fmt.Errorf("frame %d format %dHz/%dch does not match first frame %dHz/%dch",
				i, frame.SampleRate, frame.NumChannels, sampleRate, numChannels)
		}
		dataBytes += len(frame.Data)
	}

	buf := make([]byte, 0, headerSize+dataBytes)
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(headerSize-8+dataBytes))
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1) // PCM
	buf = binary.LittleEndian.AppendUint16(buf, uint16(numChannels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate*numChannels*2))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(numChannels*2))
	buf = binary.LittleEndian.AppendUint16(buf, 16)

	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(dataBytes))

	for _, frame := range frames {
		buf = append(buf, frame.Data...)
	}
	return buf, nil
}
