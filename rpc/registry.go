package rpc

import (
	"sync"

	"go.uber.org/atomic"
)

// registry maps correlation ids to pending calls. Insert and take are the
// only mutations; a call leaves the registry exactly once, and whoever takes
// it owns its resolution.
type registry struct {
	pending sync.Map // map[string]*Call
	size    atomic.Int64
}

func (r *registry) insert(c *Call) error {
	if _, loaded := r.pending.LoadOrStore(c.ID, c); loaded {
		return ErrDuplicateCorrelationID
	}
	r.size.Inc()
	return nil
}

func (r *registry) take(id string) (*Call, bool) {
	v, ok := r.pending.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	r.size.Dec()
	return v.(*Call), true
}

// drain takes every pending call.
func (r *registry) drain() []*Call {
	var calls []*Call
	r.pending.Range(func(key, _ any) bool {
		if c, ok := r.take(key.(string)); ok {
			calls = append(calls, c)
		}
		return true
	})
	return calls
}

func (r *registry) len() int {
	return int(r.size.Load())
}
