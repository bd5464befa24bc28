package rpc_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mrjvadi/go-broker-rpc/broker"
	"github.com/mrjvadi/go-broker-rpc/rpc"
)

const waitFor = 2 * time.Second

var errServerStuck = errors.New("server did not stop")

func newMemory(t *testing.T) *broker.Memory {
	t.Helper()
	m := broker.NewMemory()
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// startServer runs Serve in the background until the test ends. The returned
// wait func blocks until Serve returns and reports its result.
func startServer(t *testing.T, b broker.Broker, h rpc.Handler, opts ...rpc.Option) (context.CancelFunc, func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var serveErr error
	srv := rpc.NewServer(b, opts...)
	go func() {
		defer close(done)
		serveErr = srv.Serve(ctx, h)
	}()
	wait := func() error {
		select {
		case <-done:
			return serveErr
		case <-time.After(waitFor):
			return errServerStuck
		}
	}
	t.Cleanup(func() {
		cancel()
		if err := wait(); errors.Is(err, errServerStuck) {
			t.Error(err)
		}
	})
	return cancel, wait
}

func openSession(t *testing.T, b broker.Broker, opts ...rpc.Option) *rpc.Session {
	t.Helper()
	s, err := rpc.OpenSession(context.Background(), b, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitCall(t *testing.T, c *rpc.Call) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	reply, err := c.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "call %s did not resolve", c.ID)
	return reply, err
}

// takeRequest reads one request from the queue the way a server would.
func takeRequest(t *testing.T, b broker.Broker, queue string) rpc.Request {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Consume(ctx, queue, broker.ConsumeOptions{AutoAck: true})
	require.NoError(t, err)
	select {
	case d := <-ch:
		req, err := rpc.DecodeRequest(d)
		require.NoError(t, err)
		return req
	case <-time.After(waitFor):
		t.Fatal("no request published")
	}
	return rpc.Request{}
}

func publishReply(t *testing.T, b broker.Broker, replyTo string, resp rpc.Response) {
	t.Helper()
	msg, err := resp.Publishing()
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), broker.DefaultExchange, replyTo, msg))
}

// recordingBroker logs request deliveries and their acknowledgements and can
// fail reply publishes on demand.
type recordingBroker struct {
	broker.Broker
	requestQueue string
	failReplies  atomic.Int32

	mu     sync.Mutex
	events []string
}

func (r *recordingBroker) record(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingBroker) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingBroker) Publish(ctx context.Context, exchange, key string, msg broker.Publishing) error {
	if key != r.requestQueue && r.failReplies.Load() > 0 {
		r.failReplies.Dec()
		r.record("publish failed")
		return errors.New("connection reset")
	}
	return r.Broker.Publish(ctx, exchange, key, msg)
}

func (r *recordingBroker) Consume(ctx context.Context, queue string, opts broker.ConsumeOptions) (<-chan broker.Delivery, error) {
	in, err := r.Broker.Consume(ctx, queue, opts)
	if err != nil || queue != r.requestQueue {
		return in, err
	}
	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for d := range in {
			body := string(d.Body)
			r.record("deliver " + body)
			d.Acknowledger = recordingAcker{r: r, next: d.Acknowledger, body: body}
			select {
			case out <- d:
			case <-ctx.Done():
				_ = d.Nack(true)
			}
		}
	}()
	return out, nil
}

type recordingAcker struct {
	r    *recordingBroker
	next broker.Acknowledger
	body string
}

func (a recordingAcker) Ack(tag uint64) error {
	a.r.record("ack " + a.body)
	return a.next.Ack(tag)
}

func (a recordingAcker) Nack(tag uint64, requeue bool) error {
	if requeue {
		a.r.record("requeue " + a.body)
	} else {
		a.r.record("reject " + a.body)
	}
	return a.next.Nack(tag, requeue)
}
