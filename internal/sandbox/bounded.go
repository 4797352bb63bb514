package sandbox

import (
	"context"
	"io"
	"time"

	"golang.org/x/sync/semaphore"
)

// boundedDriver wraps a Driver with a weighted semaphore capping the number
// of concurrent engine operations in flight, per sandbox.op_concurrency
// (§4.3). Close is never gated: a shutdown must not wait on acquiring a
// slot held by a stuck operation.
type boundedDriver struct {
	inner Driver
	sem   *semaphore.Weighted
}

// NewBoundedDriver bounds inner to at most n concurrent operations.
func NewBoundedDriver(inner Driver, n int) Driver {
	if n <= 0 {
		n = 1
	}
	return &boundedDriver{inner: inner, sem: semaphore.NewWeighted(int64(n))}
}

func (b *boundedDriver) acquire(ctx context.Context) error {
	return b.sem.Acquire(ctx, 1)
}

func (b *boundedDriver) release() {
	b.sem.Release(1)
}

func (b *boundedDriver) BuildImage(ctx context.Context, contextDir, tag string) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()
	return b.inner.BuildImage(ctx, contextDir, tag)
}

func (b *boundedDriver) GetImage(ctx context.Context, tag string) (bool, error) {
	if err := b.acquire(ctx); err != nil {
		return false, err
	}
	defer b.release()
	return b.inner.GetImage(ctx, tag)
}

func (b *boundedDriver) GetContainer(ctx context.Context, id string) (State, error) {
	if err := b.acquire(ctx); err != nil {
		return "", err
	}
	defer b.release()
	return b.inner.GetContainer(ctx, id)
}

func (b *boundedDriver) Create(ctx context.Context, spec CreateSpec) (string, error) {
	if err := b.acquire(ctx); err != nil {
		return "", err
	}
	defer b.release()
	return b.inner.Create(ctx, spec)
}

func (b *boundedDriver) Start(ctx context.Context, containerID string) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()
	return b.inner.Start(ctx, containerID)
}

func (b *boundedDriver) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()
	return b.inner.Stop(ctx, containerID, grace)
}

func (b *boundedDriver) Remove(ctx context.Context, containerID string, force bool) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()
	return b.inner.Remove(ctx, containerID, force)
}

func (b *boundedDriver) Exec(ctx context.Context, containerID string, opts ExecOptions) (ExecResult, error) {
	if err := b.acquire(ctx); err != nil {
		return ExecResult{}, err
	}
	defer b.release()
	return b.inner.Exec(ctx, containerID, opts)
}

func (b *boundedDriver) WriteFIFO(ctx context.Context, containerID string, argv []string, data io.Reader) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()
	return b.inner.WriteFIFO(ctx, containerID, argv, data)
}

func (b *boundedDriver) WaitReady(ctx context.Context, containerID string, checkCmd []string, deadline, interval time.Duration) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()
	return b.inner.WaitReady(ctx, containerID, checkCmd, deadline, interval)
}

func (b *boundedDriver) Stats(ctx context.Context, containerID string) (Stats, error) {
	if err := b.acquire(ctx); err != nil {
		return Stats{}, err
	}
	defer b.release()
	return b.inner.Stats(ctx, containerID)
}

func (b *boundedDriver) Close() error {
	return b.inner.Close()
}
