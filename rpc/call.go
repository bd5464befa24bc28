package rpc

import (
	"context"
	"sync"
)

// Call is a request in flight. It resolves once, with either the reply
// payload or an error.
type Call struct {
	ID      string
	Payload []byte

	done chan struct{}

	mu       sync.Mutex
	resolved bool
	reply    []byte
	err      error
	cleanup  []func() bool
}

func newCall(id string, payload []byte) *Call {
	return &Call{ID: id, Payload: payload, done: make(chan struct{})}
}

// Done is closed when the call resolves.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call resolves or ctx is done. Giving up on ctx does
// not cancel the call; cancel the context passed to Session.Call for that.
func (c *Call) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome of a resolved call, and nil, nil before that.
func (c *Call) Result() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reply, c.err
}

// resolve records the outcome. Only the first resolution counts.
func (c *Call) resolve(reply []byte, err error) bool {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return false
	}
	c.resolved = true
	c.reply, c.err = reply, err
	cleanup := c.cleanup
	c.cleanup = nil
	c.mu.Unlock()

	for _, stop := range cleanup {
		stop()
	}
	close(c.done)
	return true
}

// onResolve registers stop to run when the call resolves, or right away if it
// already has.
func (c *Call) onResolve(stop func() bool) {
	c.mu.Lock()
	if !c.resolved {
		c.cleanup = append(c.cleanup, stop)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	stop()
}
