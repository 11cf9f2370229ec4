package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jnbrc0de/scrapingsmart/models"
	"github.com/jnbrc0de/scrapingsmart/strategy"
)

type fakePoolSession struct{}

func (s *fakePoolSession) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	return nil
}
func (s *fakePoolSession) WaitReady(ctx context.Context, predicate ReadyPredicate, timeout time.Duration) error {
	return nil
}
func (s *fakePoolSession) Snapshot(ctx context.Context) (*strategy.Snapshot, error) { return nil, nil }
func (s *fakePoolSession) Interact(ctx context.Context, script InteractionScript) error {
	return nil
}
func (s *fakePoolSession) DetectBlock(ctx context.Context) (*models.BlockSignal, error) {
	return nil, nil
}
func (s *fakePoolSession) Close() error { return nil }

func TestPoolAcquireBlocksUntilSlotFree(t *testing.T) {
	factory := func(cfg SessionConfig) (PageSession, error) { return &fakePoolSession{}, nil }
	pool := NewPool(factory, 1)

	_, release1, err := pool.Acquire(context.Background(), SessionConfig{})
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		_, release2, err := pool.Acquire(context.Background(), SessionConfig{})
		require.NoError(t, err)
		close(acquired)
		release2()
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire should not succeed while the only slot is held")
	case <-time.After(50 * time.Millisecond):
	}

	release1()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire should succeed once the slot is released")
	}
}

func TestPoolAcquireAfterCloseFails(t *testing.T) {
	factory := func(cfg SessionConfig) (PageSession, error) { return &fakePoolSession{}, nil }
	pool := NewPool(factory, 2)
	pool.Close()

	_, _, err := pool.Acquire(context.Background(), SessionConfig{})
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolAcquireRespectsContextCancellation(t *testing.T) {
	factory := func(cfg SessionConfig) (PageSession, error) { return &fakePoolSession{}, nil }
	pool := NewPool(factory, 1)
	_, _, err := pool.Acquire(context.Background(), SessionConfig{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = pool.Acquire(ctx, SessionConfig{})
	require.Error(t, err)
}
