package domain

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/containerd/platforms"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/melih/lighthouse-latent/internal/errdefs"
)

const (
	DefaultDockerHost     = "unix:///var/run/docker.sock"
	DefaultMissingTimeout = 120 * time.Second
	DefaultNetworkMode    = "host"

	containerNamePrefix = "lighthouse-"
)

var workerNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*$`)

// Architecture is the CPU architecture a worker's containers run on.
type Architecture string

const (
	ArchAMD64 Architecture = "amd64"
	ArchARM64 Architecture = "arm64"
	ArchARMv7 Architecture = "armv7"
)

// ParseArchitecture accepts the canonical names plus the docker-library
// spellings (arm64v8, arm32v7).
func ParseArchitecture(s string) (Architecture, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "amd64", "x86_64":
		return ArchAMD64, nil
	case "arm64", "arm64v8", "aarch64":
		return ArchARM64, nil
	case "armv7", "arm32v7", "armhf":
		return ArchARMv7, nil
	}
	return "", fmt.Errorf("%w: unknown architecture %q", errdefs.ErrInvalidWorker, s)
}

// Platform returns the normalized OCI platform for the architecture.
func (a Architecture) Platform() ocispec.Platform {
	p := ocispec.Platform{OS: "linux", Architecture: string(a)}
	if a == ArchARMv7 {
		p.Architecture, p.Variant = "arm", "v7"
	}
	return platforms.Normalize(p)
}

// PlatformString formats the platform the way the daemon expects it.
func (a Architecture) PlatformString() string {
	return platforms.Format(a.Platform())
}

// WorkerSpec is the immutable description of a latent worker.
type WorkerSpec struct {
	Name                string
	Architecture        Architecture
	Tags                []string
	MaxConcurrentBuilds int
	MissingTimeout      time.Duration
	DockerHost          string
	Volumes             []string
	HostConfig          map[string]any
	MasterEndpoint      string
	Autopull            bool
	AlwaysPull          bool
	Image               ImageRef
	Build               BuildContext
	Command             []string
	FollowStartupLogs   bool
	Properties          map[string]any
}

// NewWorkerSpec returns a spec with the process-wide defaults applied.
func NewWorkerSpec(name string, arch Architecture) WorkerSpec {
	return WorkerSpec{
		Name:                name,
		Architecture:        arch,
		MaxConcurrentBuilds: 1,
		MissingTimeout:      DefaultMissingTimeout,
		DockerHost:          DefaultDockerHost,
		HostConfig:          map[string]any{"network_mode": DefaultNetworkMode},
		Autopull:            true,
		FollowStartupLogs:   true,
	}
}

// Validate checks the spec and normalizes its tags.
func (w *WorkerSpec) Validate() error {
	if !workerNamePattern.MatchString(w.Name) {
		return fmt.Errorf("%w: name %q must be alphanumeric with hyphens", errdefs.ErrInvalidWorker, w.Name)
	}
	arch, err := ParseArchitecture(string(w.Architecture))
	if err != nil {
		return fmt.Errorf("worker %s: %w", w.Name, err)
	}
	w.Architecture = arch
	if w.MaxConcurrentBuilds < 1 {
		return fmt.Errorf("%w: worker %s: maxConcurrentBuilds must be >= 1", errdefs.ErrInvalidWorker, w.Name)
	}
	if w.MissingTimeout <= 0 {
		return fmt.Errorf("%w: worker %s: missingTimeout must be positive", errdefs.ErrInvalidWorker, w.Name)
	}
	for _, v := range w.Volumes {
		if _, err := ParseVolume(v); err != nil {
			return fmt.Errorf("worker %s: %w", w.Name, err)
		}
	}
	if err := w.Build.Validate(); err != nil {
		return fmt.Errorf("worker %s: %w", w.Name, err)
	}

	tags := slices.Clone(w.Tags)
	slices.Sort(tags)
	w.Tags = slices.Compact(tags)
	return nil
}

// ContainerName is the logical container name used for collision detection.
func (w WorkerSpec) ContainerName() string {
	return containerNamePrefix + w.Name
}

// Volume is a parsed "src:dst[:mode]" mount spec.
type Volume struct {
	Source string
	Target string
	Mode   string
}

// ParseVolume parses a docker-style bind spec.
func ParseVolume(spec string) (Volume, error) {
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 2:
		if parts[0] != "" && parts[1] != "" {
			return Volume{Source: parts[0], Target: parts[1]}, nil
		}
	case 3:
		if parts[0] != "" && parts[1] != "" && (parts[2] == "ro" || parts[2] == "rw") {
			return Volume{Source: parts[0], Target: parts[1], Mode: parts[2]}, nil
		}
	}
	return Volume{}, fmt.Errorf("%w: %q", errdefs.ErrInvalidVolume, spec)
}

// Bind renders the volume back into daemon bind syntax.
func (v Volume) Bind() string {
	if v.Mode == "" {
		return v.Source + ":" + v.Target
	}
	return v.Source + ":" + v.Target + ":" + v.Mode
}
