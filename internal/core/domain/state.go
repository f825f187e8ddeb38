package domain

import (
	"fmt"
	"time"
)

// State is a worker's position in the substantiation lifecycle.
type State int

const (
	StateIdle State = iota
	StateReconciling
	StateResolvingImage
	StateCreating
	StateStarting
	StateAwaitingConnection
	StateSubstantiated
	StateInsubstantiating
)

var stateNames = map[State]string{
	StateIdle:               "IDLE",
	StateReconciling:        "RECONCILING",
	StateResolvingImage:     "RESOLVING_IMAGE",
	StateCreating:           "CREATING",
	StateStarting:           "STARTING",
	StateAwaitingConnection: "AWAITING_CONNECTION",
	StateSubstantiated:      "SUBSTANTIATED",
	StateInsubstantiating:   "INSUBSTANTIATING",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionInfo describes a substantiated worker.
type ConnectionInfo struct {
	Worker      string    `json:"worker"`
	ContainerID string    `json:"container_id"`
	Image       string    `json:"image"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// WorkerStatus is a point-in-time view of a controller.
type WorkerStatus struct {
	Name                string             `json:"name"`
	Architecture        Architecture       `json:"architecture"`
	Tags                []string           `json:"tags,omitempty"`
	MaxConcurrentBuilds int                `json:"max_concurrent_builds"`
	State               State              `json:"state"`
	Instance            *ContainerInstance `json:"instance,omitempty"`
	LastError           string             `json:"last_error,omitempty"`
	Properties          map[string]any     `json:"properties,omitempty"`
}
