package domain

import (
	"maps"
	"net"
	"slices"
)

// RenderedProperties are the per-build overrides supplied by the scheduler.
type RenderedProperties struct {
	Image      *ImageRef         `json:"image,omitempty"`
	Build      *BuildContext     `json:"build,omitempty"`
	Volumes    []string          `json:"volumes,omitempty"`
	HostConfig map[string]any    `json:"host_config,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// SubstantiationRequest is the rendered input of one substantiation attempt.
type SubstantiationRequest struct {
	Worker     string
	Image      ImageRef
	Build      BuildContext
	HostConfig map[string]any
	Volumes    []string
	Env        []string
	Command    []string
	Platform   string
	Autopull   bool
	AlwaysPull bool
	Token      string
}

// Render merges spec defaults with per-build overrides: the image and build
// context are replaced, volumes are appended and host config keys from the
// overrides win.
func Render(spec WorkerSpec, props RenderedProperties, token string) SubstantiationRequest {
	req := SubstantiationRequest{
		Worker:     spec.Name,
		Image:      spec.Image,
		Build:      spec.Build,
		HostConfig: maps.Clone(spec.HostConfig),
		Volumes:    slices.Concat(spec.Volumes, props.Volumes),
		Command:    slices.Clone(spec.Command),
		Platform:   spec.Architecture.PlatformString(),
		Autopull:   spec.Autopull,
		AlwaysPull: spec.AlwaysPull,
		Token:      token,
	}
	if props.Image != nil {
		req.Image = *props.Image
	}
	if props.Build != nil {
		req.Build = *props.Build
	}
	if req.HostConfig == nil {
		req.HostConfig = make(map[string]any, len(props.HostConfig))
	}
	maps.Copy(req.HostConfig, props.HostConfig)
	req.Env = workerEnv(spec, props.Env, token)
	return req
}

func workerEnv(spec WorkerSpec, extra map[string]string, token string) []string {
	env := []string{
		"WORKERNAME=" + spec.Name,
		"WORKERPASS=" + token,
	}
	if spec.MasterEndpoint != "" {
		if host, port, err := net.SplitHostPort(spec.MasterEndpoint); err == nil {
			env = append(env, "BUILDMASTER="+host, "BUILDMASTER_PORT="+port)
		} else {
			env = append(env, "BUILDMASTER="+spec.MasterEndpoint)
		}
	}

	for _, k := range slices.Sorted(maps.Keys(extra)) {
		env = append(env, k+"="+extra[k])
	}
	return env
}
