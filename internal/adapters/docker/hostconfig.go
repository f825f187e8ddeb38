package docker

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/go-units"

	"github.com/melih/lighthouse-latent/internal/core/domain"
	"github.com/melih/lighthouse-latent/internal/errdefs"
)

type hostConfigSetter func(hc *container.HostConfig, v any) error

var hostConfigKeys = map[string]hostConfigSetter{
	"network_mode": func(hc *container.HostConfig, v any) error {
		s, err := asString(v)
		hc.NetworkMode = container.NetworkMode(s)
		return err
	},
	"memory":    setMemory,
	"mem_limit": setMemory,
	"memswap_limit": func(hc *container.HostConfig, v any) error {
		n, err := asSize(v)
		hc.MemorySwap = n
		return err
	},
	"shm_size": func(hc *container.HostConfig, v any) error {
		n, err := asSize(v)
		hc.ShmSize = n
		return err
	},
	"cpus": func(hc *container.HostConfig, v any) error {
		f, err := asFloat(v)
		hc.NanoCPUs = int64(math.Round(f * 1e9))
		return err
	},
	"nano_cpus": func(hc *container.HostConfig, v any) error {
		n, err := asInt(v)
		hc.NanoCPUs = n
		return err
	},
	"cpu_shares": func(hc *container.HostConfig, v any) error {
		n, err := asInt(v)
		hc.CPUShares = n
		return err
	},
	"cpuset_cpus": func(hc *container.HostConfig, v any) error {
		s, err := asString(v)
		hc.CpusetCpus = s
		return err
	},
	"privileged": func(hc *container.HostConfig, v any) error {
		b, err := asBool(v)
		hc.Privileged = b
		return err
	},
	"init": func(hc *container.HostConfig, v any) error {
		b, err := asBool(v)
		hc.Init = &b
		return err
	},
	"auto_remove": func(hc *container.HostConfig, v any) error {
		b, err := asBool(v)
		hc.AutoRemove = b
		return err
	},
	"runtime": func(hc *container.HostConfig, v any) error {
		s, err := asString(v)
		hc.Runtime = s
		return err
	},
	"ipc_mode": func(hc *container.HostConfig, v any) error {
		s, err := asString(v)
		hc.IpcMode = container.IpcMode(s)
		return err
	},
	"pid_mode": func(hc *container.HostConfig, v any) error {
		s, err := asString(v)
		hc.PidMode = container.PidMode(s)
		return err
	},
	"cap_add": func(hc *container.HostConfig, v any) error {
		l, err := asStrings(v)
		hc.CapAdd = strslice.StrSlice(l)
		return err
	},
	"cap_drop": func(hc *container.HostConfig, v any) error {
		l, err := asStrings(v)
		hc.CapDrop = strslice.StrSlice(l)
		return err
	},
	"dns": func(hc *container.HostConfig, v any) error {
		l, err := asStrings(v)
		hc.DNS = l
		return err
	},
	"extra_hosts": func(hc *container.HostConfig, v any) error {
		l, err := asStrings(v)
		hc.ExtraHosts = l
		return err
	},
	"security_opt": func(hc *container.HostConfig, v any) error {
		l, err := asStrings(v)
		hc.SecurityOpt = l
		return err
	},
}

func setMemory(hc *container.HostConfig, v any) error {
	n, err := asSize(v)
	hc.Memory = n
	return err
}

// HostConfig translates a rendered host config dictionary and volume list
// into the daemon's host config. Init defaults to true so the worker agent
// is not PID 1.
func HostConfig(values map[string]any, volumes []string) (*container.HostConfig, error) {
	withInit := true
	hc := &container.HostConfig{Init: &withInit}

	for _, key := range slices.Sorted(maps.Keys(values)) {
		set, ok := hostConfigKeys[key]
		if !ok {
			return nil, fmt.Errorf("%w: unsupported key %q", errdefs.ErrInvalidHostConfig, key)
		}
		if err := set(hc, values[key]); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", errdefs.ErrInvalidHostConfig, key, err)
		}
	}

	for _, spec := range volumes {
		v, err := domain.ParseVolume(spec)
		if err != nil {
			return nil, err
		}
		hc.Binds = append(hc.Binds, v.Bind())
	}
	return hc, nil
}

func asString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	}
	return "", fmt.Errorf("expected string, got %T", v)
}

func asBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return strconv.ParseBool(t)
	}
	return false, fmt.Errorf("expected bool, got %T", v)
}

func asInt(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case uint64:
		return int64(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("expected integer, got %v", t)
		}
		return int64(t), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

func asFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

// asSize accepts plain byte counts or human sizes such as "2g" or "512MiB".
func asSize(v any) (int64, error) {
	if s, ok := v.(string); ok {
		if s == "-1" {
			return -1, nil
		}
		return units.RAMInBytes(s)
	}
	return asInt(v)
}

func asStrings(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []string:
		return slices.Clone(t), nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, err := asString(e)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected list of strings, got %T", v)
}
