package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/melih/lighthouse-latent/internal/core/domain"
	"github.com/melih/lighthouse-latent/internal/errdefs"
)

// Duration accepts a Go duration string ("90s", "2m") or integer seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if secs, err := strconv.Atoi(node.Value); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Worker is one entry of the worker file. Unset fields take the file's
// defaults, then the process-wide ones.
type Worker struct {
	Name                string               `yaml:"name"`
	Architecture        string               `yaml:"architecture"`
	Arch                string               `yaml:"arch"` // alias of architecture
	Tags                []string             `yaml:"tags"`
	MaxConcurrentBuilds int                  `yaml:"maxConcurrentBuilds"`
	MissingTimeout      *Duration            `yaml:"missingTimeout"`
	DockerHost          string               `yaml:"dockerHost"`
	MasterEndpoint      string               `yaml:"masterEndpoint"`
	Volumes             []string             `yaml:"volumes"`
	HostConfig          map[string]any       `yaml:"hostConfig"`
	Autopull            *bool                `yaml:"autopull"`
	AlwaysPull          *bool                `yaml:"alwaysPull"`
	Image               string               `yaml:"image"`
	Build               *domain.BuildContext `yaml:"build"`
	Command             []string             `yaml:"command"`
	FollowStartupLogs   *bool                `yaml:"followStartupLogs"`
	Properties          map[string]any       `yaml:"properties"`
}

func (w Worker) arch() string {
	if w.Architecture != "" {
		return w.Architecture
	}
	return w.Arch
}

// Local asks for one local-docker-<n> worker per listed architecture.
type Local struct {
	Architectures []string `yaml:"architectures"`
}

type File struct {
	Defaults Worker   `yaml:"defaults"`
	Local    Local    `yaml:"local"`
	Workers  []Worker `yaml:"workers"`
}

// Load reads a worker file. A missing file yields an empty one.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &File{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrConfig, err)
	}
	defer f.Close()
	return Parse(f)
}

func Parse(r io.Reader) (*File, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrConfig, err)
	}
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrConfig, err)
	}
	return &file, nil
}

// Overrides are process settings that win over the file's defaults.
type Overrides struct {
	DockerHost     string
	MasterEndpoint string
}

// Specs builds validated worker specs. The caller appends local workers.
func (f *File) Specs(o Overrides) ([]domain.WorkerSpec, error) {
	specs := make([]domain.WorkerSpec, 0, len(f.Workers))
	for i, w := range f.Workers {
		spec, err := f.spec(w, o)
		if err != nil {
			return nil, fmt.Errorf("workers[%d]: %w", i, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// LocalBase is the template local workers are cloned from.
func (f *File) LocalBase(o Overrides) (domain.WorkerSpec, []domain.Architecture, error) {
	archs := make([]domain.Architecture, 0, len(f.Local.Architectures))
	for _, a := range f.Local.Architectures {
		arch, err := domain.ParseArchitecture(a)
		if err != nil {
			return domain.WorkerSpec{}, nil, err
		}
		archs = append(archs, arch)
	}
	base := domain.NewWorkerSpec("", domain.ArchAMD64)
	apply(&base, f.Defaults)
	overrideProcess(&base, o)
	return base, archs, nil
}

func (f *File) spec(w Worker, o Overrides) (domain.WorkerSpec, error) {
	arch := w.arch()
	if arch == "" {
		arch = f.Defaults.arch()
	}
	if arch == "" {
		return domain.WorkerSpec{}, fmt.Errorf("%w: worker %q: architecture is required", errdefs.ErrInvalidWorker, w.Name)
	}
	parsed, err := domain.ParseArchitecture(arch)
	if err != nil {
		return domain.WorkerSpec{}, err
	}

	spec := domain.NewWorkerSpec(w.Name, parsed)
	apply(&spec, f.Defaults)
	overrideProcess(&spec, o)
	apply(&spec, w)
	if err := spec.Validate(); err != nil {
		return domain.WorkerSpec{}, err
	}
	return spec, nil
}

// overrideProcess applies process settings. They win over the file's
// defaults but not over a worker's own entry.
func overrideProcess(spec *domain.WorkerSpec, o Overrides) {
	if o.DockerHost != "" {
		spec.DockerHost = o.DockerHost
	}
	if o.MasterEndpoint != "" {
		spec.MasterEndpoint = o.MasterEndpoint
	}
}

func apply(spec *domain.WorkerSpec, w Worker) {
	if len(w.Tags) > 0 {
		spec.Tags = append(spec.Tags, w.Tags...)
	}
	if w.MaxConcurrentBuilds != 0 {
		spec.MaxConcurrentBuilds = w.MaxConcurrentBuilds
	}
	if w.MissingTimeout != nil {
		spec.MissingTimeout = time.Duration(*w.MissingTimeout)
	}
	if w.DockerHost != "" {
		spec.DockerHost = w.DockerHost
	}
	if w.MasterEndpoint != "" {
		spec.MasterEndpoint = w.MasterEndpoint
	}
	if len(w.Volumes) > 0 {
		spec.Volumes = append(spec.Volumes, w.Volumes...)
	}
	if len(w.HostConfig) > 0 {
		hc := maps.Clone(spec.HostConfig)
		if hc == nil {
			hc = make(map[string]any, len(w.HostConfig))
		}
		maps.Copy(hc, w.HostConfig)
		spec.HostConfig = hc
	}
	if w.Autopull != nil {
		spec.Autopull = *w.Autopull
	}
	if w.AlwaysPull != nil {
		spec.AlwaysPull = *w.AlwaysPull
	}
	if w.Image != "" {
		spec.Image = domain.ParseImageRef(w.Image)
	}
	if w.Build != nil {
		spec.Build = *w.Build
	}
	if len(w.Command) > 0 {
		spec.Command = slices.Clone(w.Command)
	}
	if w.FollowStartupLogs != nil {
		spec.FollowStartupLogs = *w.FollowStartupLogs
	}
	if len(w.Properties) > 0 {
		props := maps.Clone(spec.Properties)
		if props == nil {
			props = make(map[string]any, len(w.Properties))
		}
		maps.Copy(props, w.Properties)
		spec.Properties = props
	}
}
