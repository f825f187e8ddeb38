package ports

import (
	"context"
	"io"

	"github.com/melih/lighthouse-latent/internal/core/domain"
)

// ContextSource turns a build context description into a tar stream the
// daemon can build from.
type ContextSource interface {
	// Open returns the tar stream and the Dockerfile path inside it. The
	// caller must close the stream; closing releases any temporary files.
	Open(ctx context.Context, bc domain.BuildContext) (io.ReadCloser, string, error)
}
