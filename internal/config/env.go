package config

import (
	"os"

	"github.com/spf13/viper"
)

// Var is a process setting readable from viper, the environment or a
// default, in that order.
type Var struct {
	Key        string // e.g. "LIGHTHOUSE_LISTEN"
	ViperKey   string // optional, e.g. "lighthouse/listen"
	Default    string // optional
	HasDefault bool
}

func DefineKV(envName, viperKey string, defaultVal ...string) Var {
	v := Var{Key: envName, ViperKey: viperKey}
	if len(defaultVal) > 0 {
		v.Default = defaultVal[0]
		v.HasDefault = true
	}
	return v
}

func Define(envName string, defaultVal ...string) Var {
	return DefineKV(envName, "", defaultVal...)
}

// ValueOrDefault defines precedence: viper (if ViperKey set and value present) → OS env → default → "".
func (v *Var) ValueOrDefault() string {
	if v.ViperKey != "" && viper.IsSet(v.ViperKey) {
		if val := viper.GetString(v.ViperKey); val != "" {
			return val
		}
	}
	if val, ok := os.LookupEnv(v.Key); ok {
		return val
	}
	if v.HasDefault {
		return v.Default
	}
	return ""
}

// BindEnv is safe if ViperKey is empty: does nothing.
func (v *Var) BindEnv() error {
	if v.ViperKey == "" {
		return nil
	}
	return viper.BindEnv(v.ViperKey, v.Key)
}

func KV(v Var, value string) string { return v.Key + "=" + value }

var (
	//nolint:revive,gochecknoglobals,staticcheck // ignore linter warning about this variable
	LIGHTHOUSE_CONFIG = DefineKV("LIGHTHOUSE_CONFIG", "lighthouse/config", "/etc/lighthouse/workers.yaml")
	//nolint:revive,gochecknoglobals,staticcheck // ignore linter warning about this variable
	LIGHTHOUSE_LISTEN = DefineKV("LIGHTHOUSE_LISTEN", "lighthouse/listen", ":3000")
	//nolint:revive,gochecknoglobals,staticcheck // ignore linter warning about this variable
	LIGHTHOUSE_LOG_LEVEL = DefineKV("LIGHTHOUSE_LOG_LEVEL", "lighthouse/logLevel", "info")
	//nolint:revive,gochecknoglobals,staticcheck // ignore linter warning about this variable
	LIGHTHOUSE_LOG_FORMAT = DefineKV("LIGHTHOUSE_LOG_FORMAT", "lighthouse/logFormat", "text")
	//nolint:revive,gochecknoglobals,staticcheck // ignore linter warning about this variable
	LIGHTHOUSE_DOCKER_HOST = DefineKV("LIGHTHOUSE_DOCKER_HOST", "lighthouse/dockerHost")
	//nolint:revive,gochecknoglobals,staticcheck // ignore linter warning about this variable
	LIGHTHOUSE_MASTER_ENDPOINT = DefineKV("LIGHTHOUSE_MASTER_ENDPOINT", "lighthouse/masterEndpoint")

	// Agent side, injected into worker containers.
	//nolint:revive,gochecknoglobals,staticcheck // ignore linter warning about this variable
	BUILDMASTER = Define("BUILDMASTER")
	//nolint:revive,gochecknoglobals,staticcheck // ignore linter warning about this variable
	BUILDMASTER_PORT = Define("BUILDMASTER_PORT", "9989")
	//nolint:revive,gochecknoglobals,staticcheck // ignore linter warning about this variable
	WORKERNAME = Define("WORKERNAME")
	//nolint:revive,gochecknoglobals,staticcheck // ignore linter warning about this variable
	WORKERPASS = Define("WORKERPASS")
)

// Root returns the variables bound by the lighthouse root command.
func Root() []*Var {
	return []*Var{
		&LIGHTHOUSE_CONFIG,
		&LIGHTHOUSE_LISTEN,
		&LIGHTHOUSE_LOG_LEVEL,
		&LIGHTHOUSE_LOG_FORMAT,
		&LIGHTHOUSE_DOCKER_HOST,
		&LIGHTHOUSE_MASTER_ENDPOINT,
	}
}
