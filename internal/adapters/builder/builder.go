package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/pkg/archive"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/melih/lighthouse-latent/internal/core/domain"
	"github.com/melih/lighthouse-latent/internal/core/ports"
	"github.com/melih/lighthouse-latent/internal/errdefs"
)

const defaultDockerfile = "Dockerfile"

// Source materializes build contexts as tar streams.
type Source struct {
	// TempDir is where repositories are cloned. Empty means os.TempDir.
	TempDir string
	Logger  *slog.Logger
}

var _ ports.ContextSource = (*Source)(nil)

func NewSource(logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{Logger: logger}
}

func (s *Source) Open(ctx context.Context, bc domain.BuildContext) (io.ReadCloser, string, error) {
	if err := bc.Validate(); err != nil {
		return nil, "", fmt.Errorf("%w: %w", errdefs.ErrBuildContext, err)
	}

	dockerfile := bc.DockerfilePath
	if dockerfile == "" {
		dockerfile = defaultDockerfile
	}

	switch {
	case bc.Dockerfile != "":
		tar, err := archive.Generate(defaultDockerfile, bc.Dockerfile)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", errdefs.ErrBuildContext, err)
		}
		return io.NopCloser(tar), defaultDockerfile, nil
	case len(bc.Archive) > 0:
		return io.NopCloser(bytes.NewReader(bc.Archive)), dockerfile, nil
	case bc.Repository != "":
		rc, err := s.openRepository(ctx, bc)
		if err != nil {
			return nil, "", err
		}
		return rc, dockerfile, nil
	}
	return nil, "", fmt.Errorf("%w: empty build context", errdefs.ErrBuildContext)
}

// openRepository shallow-clones the repository and tars the checkout. The
// clone is removed when the returned stream is closed.
func (s *Source) openRepository(ctx context.Context, bc domain.BuildContext) (io.ReadCloser, error) {
	tmpDir, err := os.MkdirTemp(s.TempDir, "lighthouse-build-*")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create temp dir: %w", errdefs.ErrBuildContext, err)
	}

	s.logger().Debug("cloning build context", "repository", bc.Repository, "reference", bc.Reference, "dir", tmpDir)
	if err := s.clone(ctx, tmpDir, bc); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("%w: failed to clone %s: %w", errdefs.ErrBuildContext, bc.Repository, err)
	}

	tar, err := archive.TarWithOptions(tmpDir, &archive.TarOptions{ExcludePatterns: []string{".git"}})
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("%w: failed to create build context: %w", errdefs.ErrBuildContext, err)
	}
	return &cleanupReader{ReadCloser: tar, dir: tmpDir}, nil
}

func (s *Source) clone(ctx context.Context, dir string, bc domain.BuildContext) error {
	opts := &git.CloneOptions{
		URL:          bc.Repository,
		Depth:        1,
		SingleBranch: true,
	}
	if bc.Reference == "" {
		_, err := git.PlainCloneContext(ctx, dir, false, opts)
		return err
	}

	var lastErr error
	for _, ref := range candidateRefs(bc.Reference) {
		opts.ReferenceName = ref
		_, err := git.PlainCloneContext(ctx, dir, false, opts)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		lastErr = err
		if err := resetDir(dir); err != nil {
			return err
		}
	}
	return lastErr
}

// candidateRefs expands a short reference into the branch and tag it may name.
func candidateRefs(ref string) []plumbing.ReferenceName {
	if strings.HasPrefix(ref, "refs/") {
		return []plumbing.ReferenceName{plumbing.ReferenceName(ref)}
	}
	return []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(ref),
		plumbing.NewTagReferenceName(ref),
	}
}

func resetDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		errs = append(errs, os.RemoveAll(filepath.Join(dir, e.Name())))
	}
	return errors.Join(errs...)
}

func (s *Source) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

type cleanupReader struct {
	io.ReadCloser
	dir string
}

func (r *cleanupReader) Close() error {
	return errors.Join(r.ReadCloser.Close(), os.RemoveAll(r.dir))
}
