package browser

import (
	"context"
	"errors"
	"fmt"
)

// ErrPoolClosed is returned by Acquire once Close has been called.
var ErrPoolClosed = errors.New("browser: pool closed")

// Pool bounds the number of live PageSessions (max_browsers, §5) with a
// buffered-channel slot semaphore, the same scoped-acquisition shape as the
// teacher's internal/resources.Manager in-flight gate.
type Pool struct {
	factory Factory
	slots   chan struct{}
	closed  chan struct{}
}

// NewPool constructs a Pool bounded at maxBrowsers concurrent sessions.
func NewPool(factory Factory, maxBrowsers int) *Pool {
	if maxBrowsers <= 0 {
		maxBrowsers = 1
	}
	return &Pool{
		factory: factory,
		slots:   make(chan struct{}, maxBrowsers),
		closed:  make(chan struct{}),
	}
}

// Acquire blocks until a slot is free (or ctx is done) and returns a freshly
// configured PageSession plus a release func the caller must invoke exactly
// once, on every exit path (§4.3 step 1).
func (p *Pool) Acquire(ctx context.Context, cfg SessionConfig) (PageSession, func(), error) {
	select {
	case <-p.closed:
		return nil, nil, ErrPoolClosed
	default:
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-p.closed:
		return nil, nil, ErrPoolClosed
	}

	sess, err := p.factory(cfg)
	if err != nil {
		<-p.slots
		return nil, nil, fmt.Errorf("browser: create session: %w", err)
	}
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		_ = sess.Close()
		<-p.slots
	}
	return sess, release, nil
}

// Close marks the pool closed; in-flight sessions are unaffected, but no new
// Acquire will succeed.
func (p *Pool) Close() {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
}
