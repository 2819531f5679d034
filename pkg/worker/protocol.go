package worker

import (
	"encoding/json"
	"fmt"

	"github.com/chriscow/agents-go/pkg/job"
)

// signal is the envelope for every message on the worker websocket, both
// directions. Data holds the payload struct for the given type.
type signal struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Server to worker signal types.
const (
	signalRegistered   = "registered"
	signalAvailability = "availability"
	signalAssignment   = "assignment"
	signalPing         = "ping"
	signalTermination  = "termination"
)

// Worker to server signal types.
const (
	signalRegister         = "register"
	signalAvailabilityResp = "availability_response"
	signalStatus           = "job_status"
	signalPong             = "pong"
)

// Job status values reported to the server.
const (
	statusRunning = "running"
	statusSuccess = "success"
	statusFailed  = "failed"
)

// registerPayload announces the worker after connecting.
type registerPayload struct {
	AgentName string `json:"agentName"`
	Version   string `json:"version"`
	MaxJobs   int    `json:"maxJobs"`
}

// registeredPayload is the server's acknowledgement.
type registeredPayload struct {
	WorkerID string `json:"workerId"`
}

// availabilityPayload asks whether the worker can take a job.
type availabilityPayload struct {
	Job job.Job `json:"job"`
}

// availabilityResponse answers an availability request.
type availabilityResponse struct {
	JobID     string `json:"jobId"`
	Available bool   `json:"available"`
}

// assignmentPayload dispatches an accepted job. Token may be empty, in
// which case the worker mints one from its own credentials.
type assignmentPayload struct {
	Job   job.Job `json:"job"`
	URL   string  `json:"url,omitempty"`
	Token string  `json:"token,omitempty"`
}

// statusPayload reports job lifecycle changes to the server.
type statusPayload struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// pingPayload and pongPayload carry the server's liveness probe.
type pingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type pongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// terminationPayload tells the worker to stop one job.
type terminationPayload struct {
	JobID string `json:"jobId"`
}

// encodeSignal wraps a payload in a signal envelope.
func encodeSignal(sigType string, payload any) (signal, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return signal{}, fmt.Errorf("marshal %s payload: %w", sigType, err)
	}
	return signal{Type: sigType, Data: data}, nil
}

// decodePayload unpacks a signal's payload into dst.
func decodePayload(sig signal, dst any) error {
	if len(sig.Data) == 0 {
		return fmt.Errorf("%s signal without payload", sig.Type)
	}
	if err := json.Unmarshal(sig.Data, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", sig.Type, err)
	}
	return nil
}
