package domain

import (
	"strings"
	"time"
)

// ContainerDescriptor is a container as reported by the daemon's list call.
type ContainerDescriptor struct {
	ID    string   `json:"id"`
	Names []string `json:"names"`
	Image string   `json:"image"`
	State string   `json:"state"` // running, exited, etc.
}

// HasName reports whether the descriptor carries exactly the given name.
// The daemon reports names with a leading slash.
func (d ContainerDescriptor) HasName(name string) bool {
	want := "/" + strings.TrimPrefix(name, "/")
	for _, n := range d.Names {
		if n == want {
			return true
		}
	}
	return false
}

// ContainerConfig is everything the gateway needs to create a container.
type ContainerConfig struct {
	Name       string
	Image      string
	Command    []string
	Env        []string
	Volumes    []string
	HostConfig map[string]any
	Platform   string
}

// ContainerInstance is the live container owned by a controller.
type ContainerInstance struct {
	ID        string    `json:"id"`
	Image     string    `json:"image"`
	Ephemeral bool      `json:"ephemeral"` // image was synthesized for this worker
	CreatedAt time.Time `json:"created_at"`
}

// ShortID returns the first 12 characters of the container id.
func (c ContainerInstance) ShortID() string {
	return ShortID(c.ID)
}

// ShortID truncates a daemon identifier to its conventional 12 characters.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
