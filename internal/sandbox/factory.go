package sandbox

import (
	"context"
	"fmt"

	"github.com/agentbroker/agentbroker/internal/config"
)

// NewDriver selects and constructs the Driver for cfg.Sandbox.Backend,
// wrapping it in a concurrency bound per cfg.Sandbox.OpConcurrency.
func NewDriver(ctx context.Context, cfg config.Config) (Driver, error) {
	var (
		driver Driver
		err    error
	)

	switch cfg.Sandbox.Backend {
	case config.BackendDocker:
		driver, err = NewDockerDriver(ctx)
	case config.BackendK8s:
		driver, err = NewK8sDriver(K8sConfig{
			Namespace: cfg.Sandbox.Namespace,
		})
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Sandbox.Backend)
	}
	if err != nil {
		return nil, err
	}

	return NewBoundedDriver(driver, cfg.Sandbox.OpConcurrency), nil
}
