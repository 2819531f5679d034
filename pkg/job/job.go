// Package job defines the unit of agent work: the assignment a worker
// receives from the server, the context an entrypoint runs under, and the
// per-process state shared across jobs.
package job

import "time"

// Job describes one assignment from the server.
type Job struct {
	ID        string `json:"id"`
	RoomName  string `json:"roomName"`
	AgentName string `json:"agentName,omitempty"`
	Metadata  string `json:"metadata,omitempty"`

	// ParticipantIdentity is set when the job was dispatched for a single
	// participant rather than a whole room.
	ParticipantIdentity string `json:"participantIdentity,omitempty"`
}

// RunningJob is an accepted assignment together with the credentials the
// job process needs to join its room.
type RunningJob struct {
	Job   Job    `json:"job"`
	URL   string `json:"url"`
	Token string `json:"token"`
}

// EntryFunc runs one job to completion. It returns once the conversation is
// over or the job context is cancelled.
type EntryFunc func(*JobContext) error

// PrewarmFunc prepares a freshly spawned job process before it accepts
// work, typically by loading model weights into the Process userdata.
type PrewarmFunc func(*Process) error

const (
	// AssignmentTimeout bounds how long the server may take to confirm an
	// availability accept before the job is treated as lost.
	AssignmentTimeout = 7500 * time.Millisecond

	// ShutdownHookTimeout bounds the combined run time of shutdown hooks.
	ShutdownHookTimeout = 5 * time.Second
)
