// Package ipc carries the worker's process protocol: a worker spawns one
// child process per job and the two sides exchange newline-delimited JSON
// envelopes over the child's stdin/stdout. The worker initializes the child,
// hands it an assignment, keeps it alive with pings, and answers the child's
// inference requests; the child reports done and exiting.
package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/chriscow/agents-go/pkg/job"
)

// Envelope case names. One envelope per line, `{"case": ..., "value": ...}`.
const (
	caseInitializeRequest  = "initializeRequest"
	caseInitializeResponse = "initializeResponse"
	caseStartJobRequest    = "startJobRequest"
	caseDone               = "done"
	casePingRequest        = "pingRequest"
	casePongResponse       = "pongResponse"
	caseInferenceRequest   = "inferenceRequest"
	caseInferenceResponse  = "inferenceResponse"
	caseShutdownRequest    = "shutdownRequest"
	caseExiting            = "exiting"
)

type envelope struct {
	Case  string          `json:"case"`
	Value json.RawMessage `json:"value,omitempty"`
}

// LoggerOptions configure the child's logger so both processes emit
// consistent records.
type LoggerOptions struct {
	Level string `json:"level,omitempty"`
	JSON  bool   `json:"json,omitempty"`
}

// InitializeRequest is the first message the worker sends; the child runs
// its prewarm hook before replying.
type InitializeRequest struct {
	Logger LoggerOptions `json:"loggerOptions"`
}

// InitializeResponse reports the child ready to accept a job.
type InitializeResponse struct{}

// StartJobRequest hands the child its assignment.
type StartJobRequest struct {
	RunningJob job.RunningJob `json:"runningJob"`
}

// Done reports that the child's entrypoint returned.
type Done struct{}

// PingRequest carries the worker's send time in unix milliseconds. A child
// that stops receiving pings assumes the worker died and exits.
type PingRequest struct {
	Timestamp int64 `json:"timestamp"`
}

// PongResponse echoes the ping's timestamp next to the child's own.
type PongResponse struct {
	LastTimestamp int64 `json:"lastTimestamp"`
	Timestamp     int64 `json:"timestamp"`
}

// InferenceRequest asks the worker to run a named inference method; the
// session's turn detector uses this so model weights load once per worker
// instead of once per job.
type InferenceRequest struct {
	RequestID string          `json:"requestId"`
	Method    string          `json:"method"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// InferenceResponse carries the result or error for one InferenceRequest.
type InferenceResponse struct {
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ShutdownRequest asks the child to end its job gracefully and exit.
type ShutdownRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Exiting is the child's last message before its process ends.
type Exiting struct {
	Reason string `json:"reason,omitempty"`
}

const (
	// Inference payloads carry chat history, so lines can outgrow the
	// default scanner token size.
	maxLineSize     = 8 << 20
	initialLineSize = 64 << 10
)

// Conn frames protocol messages as one JSON envelope per line. Reads are
// single-consumer; writes may come from any goroutine.
type Conn struct {
	scan *bufio.Scanner

	wmu sync.Mutex
	w   io.Writer
}

// NewConn wraps a read/write pair, usually a child's stdout/stdin or an
// in-memory pipe in tests.
func NewConn(r io.Reader, w io.Writer) *Conn {
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, initialLineSize), maxLineSize)
	return &Conn{scan: scan, w: w}
}

// Send writes one message. The message must be one of the protocol's
// payload types.
func (c *Conn) Send(msg any) error {
	name, err := caseName(msg)
	if err != nil {
		return err
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ipc: encode %s: %w", name, err)
	}
	line, err := json.Marshal(envelope{Case: name, Value: value})
	if err != nil {
		return fmt.Errorf("ipc: encode envelope: %w", err)
	}
	line = append(line, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(line); err != nil {
		return fmt.Errorf("ipc: write %s: %w", name, err)
	}
	return nil
}

// Recv reads the next message, skipping blank lines. io.EOF means the peer
// closed its end.
func (c *Conn) Recv() (any, error) {
	for c.scan.Scan() {
		line := bytes.TrimSpace(c.scan.Bytes())
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, fmt.Errorf("ipc: decode envelope: %w", err)
		}
		return decodeValue(env)
	}
	if err := c.scan.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func caseName(msg any) (string, error) {
	switch msg.(type) {
	case InitializeRequest:
		return caseInitializeRequest, nil
	case InitializeResponse:
		return caseInitializeResponse, nil
	case StartJobRequest:
		return caseStartJobRequest, nil
	case Done:
		return caseDone, nil
	case PingRequest:
		return casePingRequest, nil
	case PongResponse:
		return casePongResponse, nil
	case InferenceRequest:
		return caseInferenceRequest, nil
	case InferenceResponse:
		return caseInferenceResponse, nil
	case ShutdownRequest:
		return caseShutdownRequest, nil
	case Exiting:
		return caseExiting, nil
	default:
		return "", fmt.Errorf("ipc: unsupported message type %T", msg)
	}
}

func decodeValue(env envelope) (any, error) {
	switch env.Case {
	case caseInitializeRequest:
		return unmarshalValue[InitializeRequest](env)
	case caseInitializeResponse:
		return unmarshalValue[InitializeResponse](env)
	case caseStartJobRequest:
		return unmarshalValue[StartJobRequest](env)
	case caseDone:
		return unmarshalValue[Done](env)
	case casePingRequest:
		return unmarshalValue[PingRequest](env)
	case casePongResponse:
		return unmarshalValue[PongResponse](env)
	case caseInferenceRequest:
		return unmarshalValue[InferenceRequest](env)
	case caseInferenceResponse:
		return unmarshalValue[InferenceResponse](env)
	case caseShutdownRequest:
		return unmarshalValue[ShutdownRequest](env)
	case caseExiting:
		return unmarshalValue[Exiting](env)
	default:
		return nil, fmt.Errorf("ipc: unknown message case %q", env.Case)
	}
}

func unmarshalValue[T any](env envelope) (T, error) {
	var v T
	if len(env.Value) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(env.Value, &v); err != nil {
		return v, fmt.Errorf("ipc: decode %s: %w", env.Case, err)
	}
	return v, nil
}
