package domain

import (
	"fmt"
	"strings"

	"github.com/melih/lighthouse-latent/internal/errdefs"
)

// ImageRef names a registry image. An empty ref asks the resolver to
// synthesize a per-worker name.
type ImageRef struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Tag  string `json:"tag,omitempty" yaml:"tag,omitempty"`
}

// ParseImageRef splits "repo[:tag]", leaving registry ports alone.
func ParseImageRef(s string) ImageRef {
	s = strings.TrimSpace(s)
	if s == "" {
		return ImageRef{}
	}
	slash := strings.LastIndex(s, "/")
	colon := strings.LastIndex(s, ":")
	if colon > slash && !strings.Contains(s[colon:], "@") {
		return ImageRef{Name: s[:colon], Tag: s[colon+1:]}
	}
	return ImageRef{Name: s}
}

func (r ImageRef) IsZero() bool {
	return r.Name == ""
}

func (r ImageRef) String() string {
	if r.Tag == "" {
		return r.Name
	}
	return r.Name + ":" + r.Tag
}

// BuildContext is an opaque buildable artifact. At most one source is set:
// inline Dockerfile text, a tar archive, or a git repository.
type BuildContext struct {
	// Dockerfile is inline Dockerfile content.
	Dockerfile string `json:"dockerfile,omitempty" yaml:"dockerfile,omitempty"`
	// Archive is a tar stream used verbatim as the build context.
	Archive []byte `json:"archive,omitempty" yaml:"-"`
	// Repository is a git URL cloned to produce the context.
	Repository string `json:"repository,omitempty" yaml:"repository,omitempty"`
	// Reference is an optional branch or tag of Repository.
	Reference string `json:"reference,omitempty" yaml:"reference,omitempty"`
	// DockerfilePath locates the Dockerfile inside Archive or Repository.
	DockerfilePath string `json:"dockerfile_path,omitempty" yaml:"dockerfilePath,omitempty"`
}

func (b BuildContext) IsZero() bool {
	return b.Dockerfile == "" && len(b.Archive) == 0 && b.Repository == ""
}

func (b BuildContext) Validate() error {
	sources := 0
	if b.Dockerfile != "" {
		sources++
	}
	if len(b.Archive) > 0 {
		sources++
	}
	if b.Repository != "" {
		sources++
	}
	if sources > 1 {
		return fmt.Errorf("%w: build context must have a single source", errdefs.ErrInvalidWorker)
	}
	if b.Reference != "" && b.Repository == "" {
		return fmt.Errorf("%w: build reference without repository", errdefs.ErrInvalidWorker)
	}
	return nil
}

// BuildOptions parameterize one image build.
type BuildOptions struct {
	Tag        string
	Dockerfile string
	Platform   string
}
