package latent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/melih/lighthouse-latent/internal/core/domain"
	"github.com/melih/lighthouse-latent/internal/core/ports"
	"github.com/melih/lighthouse-latent/internal/errdefs"
)

// ResolvedImage is the outcome of image resolution.
type ResolvedImage struct {
	Ref string
	// Ephemeral images were named by the resolver and are removed on
	// teardown.
	Ephemeral bool
	Built     bool
	Pulled    bool
}

// ImageResolver makes sure the image a request needs exists on the daemon.
type ImageResolver struct {
	Source ports.ContextSource
}

// EphemeralImageName is the name given to images built for a request that
// carries no image reference.
func EphemeralImageName(worker, instanceID string) string {
	return strings.ToLower(fmt.Sprintf("%s-%s-image", worker, instanceID))
}

// Resolve builds before it pulls so locally defined images win over stale
// registry copies. AlwaysPull forces a pull even when the image exists.
func (r *ImageResolver) Resolve(ctx context.Context, gw ports.Gateway, req domain.SubstantiationRequest, instanceID string, logger *slog.Logger) (ResolvedImage, error) {
	res := ResolvedImage{Ref: req.Image.String()}
	if req.Image.IsZero() {
		res.Ref = EphemeralImageName(req.Worker, instanceID)
		res.Ephemeral = true
	}

	exists, err := gw.ImageExists(ctx, res.Ref)
	if err != nil {
		return res, err
	}

	if !exists && !req.Build.IsZero() {
		if err := r.build(ctx, gw, req, res.Ref, logger); err != nil {
			return res, err
		}
		res.Built = true
		if exists, err = gw.ImageExists(ctx, res.Ref); err != nil {
			return res, err
		}
	}

	// A synthesized name has no registry copy to pull.
	var pullErr error
	if (!exists || req.AlwaysPull) && req.Autopull && !res.Ephemeral {
		logger.Info("pulling image", "image", res.Ref, "platform", req.Platform)
		pullErr = gw.PullImage(ctx, res.Ref, req.Platform)
		if pullErr != nil {
			if errdefs.IsConnectionFailure(pullErr) || ctx.Err() != nil {
				return res, pullErr
			}
			logger.Warn("image pull failed", "image", res.Ref, "error", pullErr)
		} else {
			res.Pulled = true
		}
		if exists, err = gw.ImageExists(ctx, res.Ref); err != nil {
			return res, err
		}
	}

	if !exists {
		if pullErr != nil && !errors.Is(pullErr, errdefs.ErrImageNotFound) {
			return res, fmt.Errorf("%w: %s: %w", errdefs.ErrImageNotFound, res.Ref, pullErr)
		}
		return res, fmt.Errorf("%w: %s", errdefs.ErrImageNotFound, res.Ref)
	}
	return res, nil
}

func (r *ImageResolver) build(ctx context.Context, gw ports.Gateway, req domain.SubstantiationRequest, tag string, logger *slog.Logger) error {
	if r.Source == nil {
		return fmt.Errorf("%w: no build context source configured", errdefs.ErrBuildContext)
	}
	buildContext, dockerfile, err := r.Source.Open(ctx, req.Build)
	if err != nil {
		return err
	}
	defer buildContext.Close()

	logger.Info("building image", "image", tag, "platform", req.Platform)
	stream, err := gw.BuildImage(ctx, buildContext, domain.BuildOptions{
		Tag:        tag,
		Dockerfile: dockerfile,
		Platform:   req.Platform,
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	err = stream.Drain(func(l domain.LogLine) {
		logger.Info(l.Text, "source", l.Source)
	})
	if err != nil {
		if errors.Is(err, errdefs.ErrBuildFailed) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", errdefs.ErrBuildFailed, tag, err)
	}
	logger.Info("image built", "image", tag)
	return nil
}
