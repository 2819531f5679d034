package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/livekit/protocol/livekit"
	protologger "github.com/livekit/protocol/logger"
	lksdk "github.com/livekit/server-sdk-go"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	webrtcmedia "github.com/pion/webrtc/v3/pkg/media"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/chriscow/agents-go/pkg/ai/audio"
	"github.com/chriscow/agents-go/pkg/rtc"
)

const (
	// trackSampleRate is the rate of the published opus track. LiveKit
	// audio is always carried at 48 kHz; the adapter resamples both ways.
	trackSampleRate = 48000

	// opusFrameDuration is the packet size the encoder produces. Every
	// queued sample is exactly one such frame.
	opusFrameDuration = 20 * time.Millisecond
	opusFrameSamples  = trackSampleRate / 50

	// maxOpusPacketSize bounds one encoded frame.
	maxOpusPacketSize = 1400

	// micDecodeSamples fits the largest opus frame (120 ms at 48 kHz).
	micDecodeSamples = 5760

	// procFrameSamples is the 10 ms step audio processors are fed at.
	procFrameSamples = trackSampleRate / 100

	// maxBufferedPlayout is how much encoded audio may sit queued ahead of
	// the track before WriteFrame blocks. Anything buffered here keeps
	// playing after an upstream pause, so the window stays small.
	maxBufferedPlayout = time.Second

	defaultInputSampleRate = 16000
	defaultTrackName       = "agent-voice"

	transcriptionDataTopic = "transcription"
	avatarAudioDataTopic   = "avatar-audio"
)

var errRoomOutputClosed = errors.New("voice: room audio output closed")

// sdkLogOnce routes the LiveKit SDK's logger through slog once per process.
var sdkLogOnce sync.Once

func setSDKLogger(log *slog.Logger) {
	sdkLogOnce.Do(func() {
		protologger.SetLogger(protologger.LogRLogger(logr.FromSlogHandler(log.Handler())), "lksdk")
	})
}

// RoomIOOptions configures the LiveKit transport for one agent session.
type RoomIOOptions struct {
	// URL and Token authenticate the room connection. The token already
	// scopes the agent to a room, so no room name is passed separately.
	URL   string
	Token string

	// ParticipantIdentity links the session to one participant's
	// microphone. Empty links whichever participant publishes audio first.
	ParticipantIdentity string

	// InputSampleRate is the rate microphone audio is delivered at.
	// Defaults to 16 kHz.
	InputSampleRate int

	// TrackName names the published agent audio track.
	TrackName string

	// AvatarIdentity switches the output to avatar mode: synthesized audio
	// is sent to this participant as data packets instead of a local
	// track, held until that participant publishes a video track.
	AvatarIdentity string

	// Background mixes looped sound beds under the agent's voice on the
	// published track. Ignored in avatar mode, where the remote worker owns
	// playout.
	Background *BackgroundAudio

	// AudioProcessor filters microphone audio before recognition and is fed
	// the agent's playout as its far-end reference. Both directions arrive
	// as 10 ms mono frames at 48 kHz. In avatar mode there is no local
	// playout to reference, so only the capture direction runs. The adapter
	// owns the processor from here on and closes it with the room.
	AudioProcessor audio.Processor

	// OnParticipantConnected and OnParticipantDisconnected surface room
	// membership changes to the application.
	OnParticipantConnected    func(*lksdk.RemoteParticipant)
	OnParticipantDisconnected func(*lksdk.RemoteParticipant)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// RoomIO adapts a LiveKit room to the session's audio contract: it decodes
// one participant's microphone into input frames, plays synthesized speech
// on a published opus track (or an avatar data sink), and forwards paced
// captions as transcription data packets.
//
// Connect joins the room; StartOptions hands the wired ends to
// AgentSession.Start. Close disconnects and ends the input stream.
type RoomIO struct {
	opts RoomIOOptions
	log  *slog.Logger

	input  *ChanAudioInput
	track  *trackAudioOutput
	avatar *avatarAudioOutput

	videoOnce  sync.Once
	videoReady chan struct{}

	mu        sync.Mutex
	room      *lksdk.Room
	trackSID  string
	mic       *micLink
	segEpoch  time.Time
	segStarts map[string]time.Duration
	closed    bool
}

// micLink is the one remote audio track currently feeding the session.
type micLink struct {
	cancel   context.CancelFunc
	sid      string
	identity string
}

// NewRoomIO prepares the adapter. Nothing connects until Connect.
func NewRoomIO(opts RoomIOOptions) (*RoomIO, error) {
	if opts.URL == "" || opts.Token == "" {
		return nil, errors.New("voice: room io requires a url and a token")
	}
	if opts.InputSampleRate == 0 {
		opts.InputSampleRate = defaultInputSampleRate
	}
	if opts.TrackName == "" {
		opts.TrackName = defaultTrackName
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	setSDKLogger(log)

	r := &RoomIO{
		opts:       opts,
		log:        log,
		input:      NewChanAudioInput(0),
		videoReady: make(chan struct{}),
		segEpoch:   time.Now(),
		segStarts:  make(map[string]time.Duration),
	}
	if opts.AvatarIdentity != "" {
		if opts.Background != nil {
			log.Warn("background audio is ignored in avatar mode")
		}
		r.avatar = &avatarAudioOutput{
			log:        log,
			identity:   opts.AvatarIdentity,
			videoReady: r.videoReady,
		}
	} else {
		r.track = newTrackAudioOutput(log, opts.Background, opts.AudioProcessor)
	}
	return r, nil
}

// Connect joins the room and, outside avatar mode, publishes the agent
// audio track. Track subscriptions may begin arriving before it returns.
func (r *RoomIO) Connect() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("voice: room io closed")
	}
	if r.room != nil {
		r.mu.Unlock()
		return errors.New("voice: room io already connected")
	}
	r.mu.Unlock()

	cb := &lksdk.RoomCallback{
		OnDisconnected:            r.onDisconnected,
		OnParticipantConnected:    r.onParticipantConnected,
		OnParticipantDisconnected: r.onParticipantDisconnected,
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed:   r.onTrackSubscribed,
			OnTrackUnsubscribed: r.onTrackUnsubscribed,
		},
	}
	room, err := lksdk.ConnectToRoomWithToken(r.opts.URL, r.opts.Token, cb)
	if err != nil {
		return fmt.Errorf("connect to room: %w", err)
	}

	r.mu.Lock()
	r.room = room
	r.mu.Unlock()

	if r.avatar != nil {
		r.avatar.bind(room)
		r.log.Info("room connected, avatar mode",
			slog.String("avatar_identity", r.opts.AvatarIdentity))
		return nil
	}

	if err := r.publishAgentTrack(room); err != nil {
		room.Disconnect()
		r.mu.Lock()
		r.room = nil
		r.mu.Unlock()
		return err
	}
	r.log.Info("room connected",
		slog.String("track", r.opts.TrackName),
		slog.Int("input_sample_rate", r.opts.InputSampleRate))
	return nil
}

// publishAgentTrack creates the opus sample track, attaches the output as
// its sample provider and publishes it as the agent's microphone.
func (r *RoomIO) publishAgentTrack(room *lksdk.Room) error {
	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus})
	if err != nil {
		return fmt.Errorf("create agent audio track: %w", err)
	}
	if err := track.StartWrite(r.track, func() {
		r.log.Debug("agent audio track write loop ended")
	}); err != nil {
		return fmt.Errorf("start agent audio track: %w", err)
	}
	pub, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   r.opts.TrackName,
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		return fmt.Errorf("publish agent audio track: %w", err)
	}

	r.mu.Lock()
	r.trackSID = pub.SID()
	r.mu.Unlock()
	return nil
}

// StartOptions bundles the adapter's ends for AgentSession.Start.
func (r *RoomIO) StartOptions() StartOptions {
	return StartOptions{
		Input:           r.input,
		Output:          r.Output(),
		Transcripts:     r.TranscriptSink(),
		InputSampleRate: r.opts.InputSampleRate,
	}
}

// Input returns the microphone frame stream.
func (r *RoomIO) Input() AudioInput { return r.input }

// Output returns the playout sink: the published track, or the avatar data
// sink when AvatarIdentity is set.
func (r *RoomIO) Output() AudioOutput {
	if r.avatar != nil {
		return r.avatar
	}
	return r.track
}

// Room exposes the underlying connection for callers that publish their own
// data or inspect participants. Nil until Connect succeeds.
func (r *RoomIO) Room() *lksdk.Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room
}

// Close unlinks the microphone, stops playout and disconnects from the room.
func (r *RoomIO) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	mic := r.mic
	r.mic = nil
	room := r.room
	r.room = nil
	r.mu.Unlock()

	if mic != nil {
		mic.cancel()
	}
	r.input.Close()
	if r.track != nil {
		_ = r.track.Close()
	}
	if r.avatar != nil {
		r.avatar.close()
	}
	if room != nil {
		room.Disconnect()
	}
	if r.opts.AudioProcessor != nil {
		if err := r.opts.AudioProcessor.Close(); err != nil {
			r.log.Warn("close audio processor", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (r *RoomIO) onDisconnected() {
	r.log.Warn("room disconnected")
	r.mu.Lock()
	mic := r.mic
	r.mic = nil
	r.mu.Unlock()
	if mic != nil {
		mic.cancel()
	}
	r.input.Close()
}

func (r *RoomIO) onParticipantConnected(rp *lksdk.RemoteParticipant) {
	r.log.Info("participant connected",
		slog.String("identity", rp.Identity()),
		slog.String("sid", rp.SID()))
	if r.opts.OnParticipantConnected != nil {
		r.opts.OnParticipantConnected(rp)
	}
}

func (r *RoomIO) onParticipantDisconnected(rp *lksdk.RemoteParticipant) {
	r.log.Info("participant disconnected", slog.String("identity", rp.Identity()))

	r.mu.Lock()
	var mic *micLink
	if r.mic != nil && r.mic.identity == rp.Identity() {
		mic = r.mic
		r.mic = nil
	}
	r.mu.Unlock()
	if mic != nil {
		mic.cancel()
	}

	if r.opts.OnParticipantDisconnected != nil {
		r.opts.OnParticipantDisconnected(rp)
	}
}

func (r *RoomIO) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	switch track.Kind() {
	case webrtc.RTPCodecTypeVideo:
		if r.opts.AvatarIdentity != "" && rp.Identity() == r.opts.AvatarIdentity {
			r.videoOnce.Do(func() { close(r.videoReady) })
			r.log.Info("avatar video track arrived", slog.String("identity", rp.Identity()))
		}
		return
	case webrtc.RTPCodecTypeAudio:
	default:
		return
	}

	// The avatar's audio is the agent's own voice played back, never a
	// user microphone.
	if r.opts.AvatarIdentity != "" && rp.Identity() == r.opts.AvatarIdentity {
		return
	}
	if r.opts.ParticipantIdentity != "" && rp.Identity() != r.opts.ParticipantIdentity {
		return
	}

	r.mu.Lock()
	if r.closed || r.mic != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.mic = &micLink{cancel: cancel, sid: pub.SID(), identity: rp.Identity()}
	r.mu.Unlock()

	r.log.Info("microphone linked",
		slog.String("identity", rp.Identity()),
		slog.String("track_sid", pub.SID()))
	go r.readMicTrack(ctx, track, pub.SID())
}

func (r *RoomIO) onTrackUnsubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	r.unlinkMic(pub.SID())
}

// unlinkMic clears the mic link if it still points at sid. A later audio
// track from the same or another participant may relink.
func (r *RoomIO) unlinkMic(sid string) {
	r.mu.Lock()
	var mic *micLink
	if r.mic != nil && r.mic.sid == sid {
		mic = r.mic
		r.mic = nil
	}
	r.mu.Unlock()
	if mic != nil {
		mic.cancel()
		r.log.Info("microphone unlinked", slog.String("track_sid", sid))
	}
}

// readMicTrack decodes one remote opus track into session input frames
// until the track ends or the link is cancelled.
func (r *RoomIO) readMicTrack(ctx context.Context, track *webrtc.TrackRemote, sid string) {
	defer r.unlinkMic(sid)

	dec, err := opus.NewDecoder(trackSampleRate, 1)
	if err != nil {
		r.log.Error("create opus decoder", slog.String("error", err.Error()))
		return
	}
	pipe, err := newMicCapture(r.log, r.opts.AudioProcessor, r.opts.InputSampleRate, r.input)
	if err != nil {
		r.log.Error("create microphone pipeline", slog.String("error", err.Error()))
		return
	}
	pcm := make([]int16, micDecodeSamples)

	for ctx.Err() == nil {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				r.log.Debug("microphone track read ended", slog.String("error", err.Error()))
			}
			return
		}
		frame, err := decodeOpusPacket(dec, pkt, pcm)
		if err != nil {
			r.log.Warn("opus decode failed", slog.String("error", err.Error()))
			continue
		}
		if frame.IsEmpty() {
			continue
		}
		pipe.push(frame)
	}
}

// micCapture is one microphone's decode-to-session pipeline: an optional
// audio processor fed 10 ms steps, then rate conversion down to the
// session's input rate.
type micCapture struct {
	log     *slog.Logger
	proc    audio.Processor
	reframe *rtc.AudioByteStream // nil without a processor
	res     *rtc.Resampler
	input   *ChanAudioInput
}

func newMicCapture(log *slog.Logger, proc audio.Processor, inputRate int, input *ChanAudioInput) (*micCapture, error) {
	res, err := rtc.NewResampler(trackSampleRate, inputRate, 1)
	if err != nil {
		return nil, err
	}
	m := &micCapture{log: log, proc: proc, res: res, input: input}
	if proc != nil {
		m.reframe = rtc.NewAudioByteStream(trackSampleRate, 1, procFrameSamples)
	}
	return m, nil
}

// push runs one decoded 48 kHz mono frame through the pipeline. Processor
// failures leave the frame unfiltered rather than dropping speech.
func (m *micCapture) push(frame rtc.AudioFrame) {
	if m.proc == nil {
		m.forward(frame)
		return
	}
	for _, pf := range m.reframe.Write(frame.Data) {
		if err := m.proc.ProcessCapture(&pf); err != nil {
			m.log.Warn("audio processor capture failed", slog.String("error", err.Error()))
		}
		m.forward(pf)
	}
}

func (m *micCapture) forward(frame rtc.AudioFrame) {
	out, err := m.res.Push(frame)
	if err != nil {
		m.log.Warn("microphone resample failed", slog.String("error", err.Error()))
		return
	}
	if !out.IsEmpty() {
		m.input.Push(out)
	}
}

// decodeOpusPacket turns one RTP payload into a 48 kHz mono frame. The pcm
// scratch buffer is reused across calls; the returned frame owns its data.
func decodeOpusPacket(dec *opus.Decoder, pkt *rtp.Packet, pcm []int16) (rtc.AudioFrame, error) {
	if len(pkt.Payload) == 0 {
		return rtc.AudioFrame{}, nil
	}
	n, err := dec.Decode(pkt.Payload, pcm)
	if err != nil {
		return rtc.AudioFrame{}, err
	}
	return rtc.FrameFromInt16(pcm[:n], trackSampleRate, 1), nil
}

// transcriptionPayload is the data-packet format for caption segments.
type transcriptionPayload struct {
	ParticipantIdentity string                       `json:"participantIdentity"`
	TrackSID            string                       `json:"trackSid"`
	Segments            []transcriptionSegmentFields `json:"segments"`
}

type transcriptionSegmentFields struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
	Language  string `json:"language"`
	Final     bool   `json:"final"`
}

// TranscriptSink returns a sink that publishes the agent's paced captions
// to the room, attributed to the local participant and the agent track.
func (r *RoomIO) TranscriptSink() TranscriptSink {
	return func(seg TranscriptionSegment) {
		r.mu.Lock()
		room := r.room
		trackSID := r.trackSID
		r.mu.Unlock()
		if room == nil {
			return
		}
		if err := r.PublishTranscription(room.LocalParticipant.Identity(), trackSID, seg); err != nil {
			r.log.Warn("publish transcription failed", slog.String("error", err.Error()))
		}
	}
}

// PublishTranscription sends one transcription segment to the room. Agent
// captions flow through TranscriptSink; user transcripts can be forwarded
// here from the session's transcribed events. Times are milliseconds since
// the adapter was created; a segment's start is pinned at its first update.
func (r *RoomIO) PublishTranscription(identity, trackSID string, seg TranscriptionSegment) error {
	r.mu.Lock()
	room := r.room
	now := time.Since(r.segEpoch)
	start, ok := r.segStarts[seg.ID]
	if !ok {
		start = now
		r.segStarts[seg.ID] = start
	}
	if seg.Final {
		delete(r.segStarts, seg.ID)
	}
	r.mu.Unlock()

	if room == nil {
		return errors.New("voice: room io not connected")
	}
	data, err := json.Marshal(transcriptionPayload{
		ParticipantIdentity: identity,
		TrackSID:            trackSID,
		Segments: []transcriptionSegmentFields{{
			ID:        seg.ID,
			Text:      seg.Text,
			StartTime: start.Milliseconds(),
			EndTime:   now.Milliseconds(),
			Language:  seg.Language,
			Final:     seg.Final,
		}},
	})
	if err != nil {
		return fmt.Errorf("marshal transcription: %w", err)
	}
	return room.LocalParticipant.PublishData(data,
		lksdk.WithDataPublishTopic(transcriptionDataTopic),
		lksdk.WithDataPublishReliable(true),
	)
}

// trackAudioOutput queues synthesized PCM in 20 ms frames behind the
// published track and encodes each frame to opus as the SDK pulls it. The
// SDK's write loop paces NextSample by each sample's duration, so pop time
// tracks playout time within one frame.
//
// With a background player attached the track never idles: pulls that find
// no queued speech carry the sound beds over silence, and speech frames get
// the beds mixed underneath.
type trackAudioOutput struct {
	log        *slog.Logger
	background *BackgroundAudio
	proc       audio.Processor

	mu      sync.Mutex
	cond    *sync.Cond
	enc     *opus.Encoder
	res     *rtc.Resampler
	srcRate int
	pending []int16   // 48 kHz mono samples short of a whole frame
	queue   [][]int16 // whole frames of opusFrameSamples each
	queued  time.Duration
	played  time.Duration // handed to the track since the last utterance boundary
	lastPop time.Time
	cleared bool
	closed  bool
}

func newTrackAudioOutput(log *slog.Logger, background *BackgroundAudio, proc audio.Processor) *trackAudioOutput {
	o := &trackAudioOutput{log: log, background: background, proc: proc}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// WriteFrame implements AudioOutput. Frames of any rate and channel count
// are mixed down and resampled to the track rate. Blocks once
// maxBufferedPlayout is queued, so interruptions stay responsive.
func (o *trackAudioOutput) WriteFrame(ctx context.Context, frame rtc.AudioFrame) error {
	if frame.IsEmpty() {
		return nil
	}
	mono := rtc.ToMono(frame)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return errRoomOutputClosed
	}
	if o.res == nil || o.srcRate != mono.SampleRate {
		res, err := rtc.NewResampler(mono.SampleRate, trackSampleRate, 1)
		if err != nil {
			o.mu.Unlock()
			return err
		}
		o.res = res
		o.srcRate = mono.SampleRate
	}
	out, err := o.res.Push(mono)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if !out.IsEmpty() {
		o.pending = append(o.pending, out.Int16()...)
	}
	o.queuePendingLocked()
	o.mu.Unlock()

	return o.waitBelowWatermark(ctx)
}

// queuePendingLocked moves whole frames from the pending buffer into the
// queue. Frames are copied out so later appends cannot scribble on queued
// audio. Caller holds o.mu.
func (o *trackAudioOutput) queuePendingLocked() {
	for len(o.pending) >= opusFrameSamples {
		frame := make([]int16, opusFrameSamples)
		copy(frame, o.pending)
		o.pending = o.pending[opusFrameSamples:]
		o.queue = append(o.queue, frame)
		o.queued += opusFrameDuration
	}
	o.cond.Broadcast()
}

func (o *trackAudioOutput) waitBelowWatermark(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		o.mu.Lock()
		o.cond.Broadcast()
		o.mu.Unlock()
	})
	defer stop()

	o.mu.Lock()
	defer o.mu.Unlock()
	for o.queued > maxBufferedPlayout && !o.closed && ctx.Err() == nil {
		o.cond.Wait()
	}
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case o.closed:
		return errRoomOutputClosed
	}
	return nil
}

// Flush implements AudioOutput: the tail is padded to a whole frame so the
// utterance's last samples play out.
func (o *trackAudioOutput) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if n := len(o.pending); n > 0 {
		o.pending = append(o.pending, make([]int16, opusFrameSamples-n)...)
		o.queuePendingLocked()
	}
}

// ClearBuffer implements AudioOutput: queued frames are dropped, already
// handed-over audio keeps playing out.
func (o *trackAudioOutput) ClearBuffer() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = nil
	o.queued = 0
	o.pending = nil
	o.cleared = true
	o.cond.Broadcast()
}

// WaitPlayout implements AudioOutput: it blocks until the queue drains (or
// was cleared), waits out the last handed-over frame, and reports the audio
// played since the previous utterance boundary.
func (o *trackAudioOutput) WaitPlayout(ctx context.Context) (PlaybackEvent, error) {
	stop := context.AfterFunc(ctx, func() {
		o.mu.Lock()
		o.cond.Broadcast()
		o.mu.Unlock()
	})
	defer stop()

	o.mu.Lock()
	for len(o.queue) > 0 && !o.closed && ctx.Err() == nil {
		o.cond.Wait()
	}
	if ctx.Err() != nil {
		o.mu.Unlock()
		return PlaybackEvent{}, ctx.Err()
	}
	var tail time.Duration
	if !o.lastPop.IsZero() {
		tail = opusFrameDuration - time.Since(o.lastPop)
	}
	o.mu.Unlock()

	if tail > 0 {
		timer := time.NewTimer(tail)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return PlaybackEvent{}, ctx.Err()
		case <-timer.C:
		}
	}

	o.mu.Lock()
	pe := PlaybackEvent{Position: o.played, Interrupted: o.cleared}
	o.played = 0
	o.cleared = false
	o.mu.Unlock()
	return pe, nil
}

// NextSample implements the SDK's sample provider. Without a background
// player it blocks while the queue is empty; with one it returns a bed-only
// frame instead, keeping the track continuous. Returns io.EOF once the
// output is closed and drained.
func (o *trackAudioOutput) NextSample() (webrtcmedia.Sample, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.queue) == 0 && !o.closed && o.background == nil {
		o.cond.Wait()
	}
	if len(o.queue) == 0 && o.closed {
		return webrtcmedia.Sample{}, io.EOF
	}

	var pcm []int16
	if len(o.queue) > 0 {
		pcm = o.queue[0]
		o.queue = o.queue[1:]
		o.queued -= opusFrameDuration
		o.played += opusFrameDuration
		o.lastPop = time.Now()
		o.cond.Broadcast()
	} else {
		pcm = make([]int16, opusFrameSamples)
	}
	if o.background != nil {
		o.background.mix(pcm)
	}
	if o.proc != nil {
		// The mixed frame is exactly what plays out, bed-only pulls
		// included, so it is the echo reference. Two 10 ms steps.
		half := len(pcm) / 2
		for _, ref := range [][]int16{pcm[:half], pcm[half:]} {
			if err := o.proc.ProcessReverse(rtc.FrameFromInt16(ref, trackSampleRate, 1)); err != nil {
				o.log.Debug("audio processor reverse failed", slog.String("error", err.Error()))
			}
		}
	}

	if o.enc == nil {
		enc, err := opus.NewEncoder(trackSampleRate, 1, opus.AppVoIP)
		if err != nil {
			return webrtcmedia.Sample{}, fmt.Errorf("create opus encoder: %w", err)
		}
		o.enc = enc
	}
	buf := make([]byte, maxOpusPacketSize)
	n, err := o.enc.Encode(pcm, buf)
	if err != nil {
		return webrtcmedia.Sample{}, fmt.Errorf("opus encode: %w", err)
	}
	return webrtcmedia.Sample{Data: buf[:n], Duration: opusFrameDuration}, nil
}

func (o *trackAudioOutput) OnBind() error {
	o.log.Debug("agent audio track bound")
	return nil
}

func (o *trackAudioOutput) OnUnbind() error {
	o.log.Debug("agent audio track unbound")
	return nil
}

// Close stops the provider: queued frames drain, then NextSample reports
// io.EOF and the SDK write loop ends.
func (o *trackAudioOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.cond.Broadcast()
	return nil
}

// avatarPacket is the data-packet envelope for avatar-mode audio. PCM is
// 16-bit little-endian and rides JSON's base64 encoding of []byte.
type avatarPacket struct {
	Kind       string `json:"kind"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	PCM        []byte `json:"pcm,omitempty"`
}

const (
	avatarPacketAudio = "audio"
	avatarPacketFlush = "flush"
	avatarPacketClear = "clear"
)

// avatarPacketDuration caps one audio packet at 100 ms so reliable data
// packets stay under the SDK's size limit at any TTS rate.
const avatarPacketDuration = 100 * time.Millisecond

// avatarAudioOutput routes synthesized PCM to one participant as reliable
// data packets instead of a published track. Frames are held until that
// participant's video track arrives, then rechunked to a fixed packet size.
type avatarAudioOutput struct {
	log      *slog.Logger
	identity string

	videoReady <-chan struct{}

	mu          sync.Mutex
	room        *lksdk.Room
	chunker     *rtc.AudioByteStream
	srcRate     int
	srcChannels int
	written     time.Duration // handed to the sink since the last utterance boundary
	cleared     bool
	closed      bool
}

func (o *avatarAudioOutput) bind(room *lksdk.Room) {
	o.mu.Lock()
	o.room = room
	o.mu.Unlock()
}

func (o *avatarAudioOutput) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

// WriteFrame implements AudioOutput. The first frame of a conversation
// waits on the avatar's video track.
func (o *avatarAudioOutput) WriteFrame(ctx context.Context, frame rtc.AudioFrame) error {
	if frame.IsEmpty() {
		return nil
	}
	select {
	case <-o.videoReady:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.mu.Lock()
	var tail []rtc.AudioFrame
	if o.chunker == nil || o.srcRate != frame.SampleRate || o.srcChannels != frame.NumChannels {
		// A TTS swap mid-conversation changes the frame geometry; flush
		// the old chunker's tail before rechunking at the new rate.
		if o.chunker != nil {
			tail = o.chunker.Flush()
		}
		o.srcRate = frame.SampleRate
		o.srcChannels = frame.NumChannels
		o.chunker = rtc.NewAudioByteStream(frame.SampleRate, frame.NumChannels,
			int(avatarPacketDuration*time.Duration(frame.SampleRate)/time.Second))
	}
	packets := o.chunker.Write(frame.Data)
	o.mu.Unlock()

	if err := o.sendPackets(tail); err != nil {
		return err
	}
	return o.sendPackets(packets)
}

// Flush implements AudioOutput: the chunker's tail is sent, then the
// utterance boundary is forwarded so the avatar can finish its own playout
// bookkeeping.
func (o *avatarAudioOutput) Flush() {
	o.mu.Lock()
	var tail []rtc.AudioFrame
	if o.chunker != nil {
		tail = o.chunker.Flush()
	}
	o.mu.Unlock()
	if err := o.sendPackets(tail); err != nil {
		o.log.Warn("avatar tail packet failed", slog.String("error", err.Error()))
	}
	if err := o.publish(avatarPacket{Kind: avatarPacketFlush}); err != nil {
		o.log.Warn("avatar flush packet failed", slog.String("error", err.Error()))
	}
}

// sendPackets publishes audio packets in order, counting only delivered
// audio toward the playout position.
func (o *avatarAudioOutput) sendPackets(packets []rtc.AudioFrame) error {
	for _, p := range packets {
		err := o.publish(avatarPacket{
			Kind:       avatarPacketAudio,
			SampleRate: p.SampleRate,
			Channels:   p.NumChannels,
			PCM:        p.Data,
		})
		if err != nil {
			return err
		}
		o.mu.Lock()
		o.written += p.Duration()
		o.mu.Unlock()
	}
	return nil
}

// ClearBuffer implements AudioOutput: the unsent chunker tail is dropped
// and the avatar is told to drop whatever it has buffered.
func (o *avatarAudioOutput) ClearBuffer() {
	o.mu.Lock()
	o.cleared = true
	if o.chunker != nil {
		o.chunker.Flush()
	}
	o.mu.Unlock()
	if err := o.publish(avatarPacket{Kind: avatarPacketClear}); err != nil {
		o.log.Warn("avatar clear packet failed", slog.String("error", err.Error()))
	}
}

// WaitPlayout implements AudioOutput. The data protocol carries no remote
// playout feedback, so delivery counts as playout.
func (o *avatarAudioOutput) WaitPlayout(ctx context.Context) (PlaybackEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pe := PlaybackEvent{Position: o.written, Interrupted: o.cleared}
	o.written = 0
	o.cleared = false
	return pe, nil
}

func (o *avatarAudioOutput) publish(p avatarPacket) error {
	o.mu.Lock()
	room := o.room
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return errRoomOutputClosed
	}
	if room == nil {
		return errors.New("voice: avatar sink not connected")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal avatar packet: %w", err)
	}
	return room.LocalParticipant.PublishData(data,
		lksdk.WithDataPublishTopic(avatarAudioDataTopic),
		lksdk.WithDataPublishReliable(true),
		lksdk.WithDataPublishDestination([]string{o.identity}),
	)
}
