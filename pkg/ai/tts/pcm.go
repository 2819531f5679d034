package tts

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chriscow/agents-go/pkg/ai"
	"github.com/chriscow/agents-go/pkg/rtc"
)

// EmitPCM drains 16-bit mono PCM from r and emits it on out in roughly
// 100ms frames, closing out when the reader ends. The last frame of the
// response carries IsFinal, so emission is delayed by one chunk. A read
// stalling longer than chunkTimeout fails the request with a recoverable
// timeout. Providers whose one-shot endpoint returns a raw PCM body run
// this as their pump goroutine.
func EmitPCM(ctx context.Context, r io.ReadCloser, sampleRate int, chunkTimeout time.Duration, out chan<- SynthesizedAudio) {
	defer close(out)
	defer r.Close()

	if chunkTimeout <= 0 {
		chunkTimeout = DefaultChunkTimeout
	}

	requestID := uuid.NewString()
	segmentID := uuid.NewString()

	// The watchdog unblocks a stalled Read by closing the reader.
	var timedOut atomic.Bool
	watchdog := time.AfterFunc(chunkTimeout, func() {
		timedOut.Store(true)
		r.Close()
	})
	defer watchdog.Stop()

	emit := func(chunk SynthesizedAudio) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}
	frameFor := func(data []byte) rtc.AudioFrame {
		return rtc.AudioFrame{
			Data:              data,
			SampleRate:        sampleRate,
			SamplesPerChannel: len(data) / 2,
			NumChannels:       1,
		}
	}

	readSize := sampleRate / 10 * 2
	var held []byte // previous complete chunk, pending a final/non-final verdict
	var pending []byte
	buf := make([]byte, readSize)
	for {
		n, err := r.Read(buf)
		watchdog.Reset(chunkTimeout)
		if n > 0 {
			pending = append(pending, buf[:n]...)
		}

		// Hold back a trailing odd byte until its pair arrives.
		if cut := len(pending) &^ 1; cut > 0 {
			if held != nil {
				if !emit(SynthesizedAudio{
					RequestID: requestID,
					SegmentID: segmentID,
					Frame:     frameFor(held),
				}) {
					return
				}
			}
			held = append([]byte(nil), pending[:cut]...)
			pending = pending[cut:]
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				if held != nil {
					emit(SynthesizedAudio{
						RequestID: requestID,
						SegmentID: segmentID,
						Frame:     frameFor(held),
						IsFinal:   true,
					})
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			synthErr := ai.NewConnectionError("read synthesis response", err)
			if timedOut.Load() {
				synthErr = ai.NewTimeoutError("synthesis chunk timeout", err)
			}
			emit(SynthesizedAudio{
				RequestID: requestID,
				SegmentID: segmentID,
				Error:     synthErr,
			})
			return
		}
	}
}
