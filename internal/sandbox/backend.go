package sandbox

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"
)

// BackendConfig selects and configures the container engine.
type BackendConfig struct {
	Backend          string // auto, containerd, or docker
	ContainerdSocket string
	Namespace        string
}

// NewRuntime picks the container runtime: containerd on Linux, Docker elsewhere.
func NewRuntime(ctx context.Context, cfg BackendConfig) (ContainerRuntime, error) {
	preference := cfg.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "containerd":
		rt, err := NewContainerdRuntime(ctx, cfg.ContainerdSocket, cfg.Namespace)
		if err != nil {
			return nil, err
		}
		return rt, nil
	case "docker":
		rt, err := NewDockerRuntime(ctx)
		if err != nil {
			return nil, err
		}
		return rt, nil
	case "auto":
		if runtime.GOOS == "linux" {
			rt, err := NewContainerdRuntime(ctx, cfg.ContainerdSocket, cfg.Namespace)
			if err == nil {
				log.Info().Msg("using containerd runtime")
				return rt, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		rt, err := NewDockerRuntime(ctx)
		if err == nil {
			log.Info().Msg("using Docker runtime")
			return rt, nil
		}

		return nil, fmt.Errorf("%w: install Docker (macOS/Windows) or containerd (Linux): %v", ErrRuntimeUnavailable, err)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, or docker", preference)
	}
}
