package follower

import (
	"sync"
	"time"

	"github.com/estuary/dbfollower/wire"
)

// Phase is the follower's lifecycle state (spec.md §4.5).
type Phase int

const (
	Initializing Phase = iota
	Running
	Stopping
	Stopped
	Failed
)

func (p Phase) String() string {
	switch p {
	case Initializing:
		return "Initializing"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ErrorDescriptor is the durable, loggable shape of the last error observed
// by the loop, suitable for persistence and for the status surface.
type ErrorDescriptor struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// State is the process-wide durable ApplierState of the data model
// (spec.md §3). Field names match the spec precisely.
type State struct {
	LastAppliedTick   wire.Tick        `json:"lastAppliedTick"`
	LastProcessedTick wire.Tick        `json:"lastProcessedTick"`
	SafeResumeTick    wire.Tick        `json:"safeResumeTick"`
	RunningFlag       bool             `json:"runningFlag"`
	Phase             Phase            `json:"phase"`
	LastError         *ErrorDescriptor `json:"lastError,omitempty"`
	// ServerId identifies the master last followed, so a restart against a
	// different master can be detected (spec.md §6 persisted state layout).
	ServerId uint64 `json:"serverId"`
}

// stateBox guards State behind a single lock for the status-reporting
// surface to read a consistent snapshot without blocking the follower task
// (spec.md §5 "Shared resources").
type stateBox struct {
	mu    sync.Mutex
	state State
}

func (b *stateBox) snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *stateBox) update(fn func(*State)) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.state)
	return b.state
}
