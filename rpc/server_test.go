package rpc_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/mrjvadi/go-broker-rpc/broker"
	"github.com/mrjvadi/go-broker-rpc/examples/handlers"
	"github.com/mrjvadi/go-broker-rpc/rpc"
)

func TestServer_SerialAckOrdering(t *testing.T) {
	rb := &recordingBroker{Broker: newMemory(t), requestQueue: rpc.DefaultRequestQueue}
	s := openSession(t, rb)

	var calls []*rpc.Call
	for _, body := range []string{"a", "b", "c"} {
		call, err := s.Call(context.Background(), []byte(body))
		require.NoError(t, err)
		calls = append(calls, call)
	}
	startServer(t, rb, handlers.Echo)

	for _, c := range calls {
		_, err := waitCall(t, c)
		require.NoError(t, err)
	}
	want := []string{"deliver a", "ack a", "deliver b", "ack b", "deliver c", "ack c"}
	require.Eventually(t, func() bool {
		return len(rb.Events()) == len(want)
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, rb.Events())
}

func TestServer_ConcurrencyBound(t *testing.T) {
	b := newMemory(t)
	var active, peak atomic.Int32
	release := make(chan struct{})
	h := func(ctx context.Context, payload []byte) ([]byte, error) {
		n := active.Inc()
		defer active.Dec()
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		return payload, nil
	}
	startServer(t, b, h, rpc.WithConcurrency(3))
	s := openSession(t, b)

	var calls []*rpc.Call
	for i := 0; i < 4; i++ {
		call, err := s.Call(context.Background(), []byte("x"))
		require.NoError(t, err)
		calls = append(calls, call)
	}

	require.Eventually(t, func() bool { return active.Load() == 3 }, waitFor, 5*time.Millisecond)
	assert.Never(t, func() bool { return active.Load() > 3 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 1, b.Len(rpc.DefaultRequestQueue), "fourth request must wait in the queue")

	close(release)
	for _, c := range calls {
		_, err := waitCall(t, c)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, peak.Load())
}

func TestServer_RejectsMalformedRequest(t *testing.T) {
	rb := &recordingBroker{Broker: newMemory(t), requestQueue: rpc.DefaultRequestQueue}
	logger, logs := observedLogger()
	startServer(t, rb, handlers.Echo, rpc.WithLogger(logger))
	s := openSession(t, rb)

	err := rb.Publish(context.Background(), broker.DefaultExchange, rpc.DefaultRequestQueue, broker.Publishing{
		CorrelationID: "no-reply-to",
		Body:          []byte("orphan"),
	})
	require.NoError(t, err)

	reply, err := s.Request(context.Background(), []byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(reply))

	require.Eventually(t, func() bool {
		for _, ev := range rb.Events() {
			if ev == "reject orphan" {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessage("rejecting request").Len())
	assert.Equal(t, 0, rb.Broker.(*broker.Memory).Len(rpc.DefaultRequestQueue))
}

func TestServer_RecoversHandlerPanic(t *testing.T) {
	b := newMemory(t)
	logger, logs := observedLogger()
	h := func(ctx context.Context, payload []byte) ([]byte, error) {
		if string(payload) == "boom" {
			panic("kaboom")
		}
		return payload, nil
	}
	startServer(t, b, h, rpc.WithLogger(logger))
	s := openSession(t, b)

	_, err := s.Request(context.Background(), []byte("boom"))
	var hErr *rpc.HandlerError
	require.ErrorAs(t, err, &hErr)
	assert.Equal(t, "panic recovered: kaboom", hErr.Message)
	assert.Equal(t, 1, logs.FilterMessage("handler panicked").Len())

	reply, err := s.Request(context.Background(), []byte("after"))
	require.NoError(t, err)
	assert.Equal(t, "after", string(reply))
}

func TestServer_HandlerErrorIsDistinctFromEmptyReply(t *testing.T) {
	b := newMemory(t)
	h := func(ctx context.Context, payload []byte) ([]byte, error) {
		if len(payload) == 0 {
			return nil, errors.New("empty request")
		}
		return []byte{}, nil
	}
	startServer(t, b, h)
	s := openSession(t, b)

	reply, err := s.Request(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Empty(t, reply)

	_, err = s.Request(context.Background(), nil)
	var hErr *rpc.HandlerError
	require.ErrorAs(t, err, &hErr)
	assert.Equal(t, "empty request", hErr.Message)
}

func TestServer_RequeuesWhenReplyPublishFails(t *testing.T) {
	rb := &recordingBroker{Broker: newMemory(t), requestQueue: rpc.DefaultRequestQueue}
	var invocations atomic.Int32
	h := func(ctx context.Context, payload []byte) ([]byte, error) {
		invocations.Inc()
		return payload, nil
	}
	rb.failReplies.Store(1)
	startServer(t, rb, h)
	s := openSession(t, rb)

	reply, err := s.Request(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(reply))
	assert.EqualValues(t, 2, invocations.Load())

	want := []string{"deliver x", "publish failed", "requeue x", "deliver x", "ack x"}
	require.Eventually(t, func() bool {
		return len(rb.Events()) == len(want)
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, rb.Events())
}

func TestServer_AckAlwaysLosesReply(t *testing.T) {
	mem := newMemory(t)
	rb := &recordingBroker{Broker: mem, requestQueue: rpc.DefaultRequestQueue}
	var invocations atomic.Int32
	h := func(ctx context.Context, payload []byte) ([]byte, error) {
		invocations.Inc()
		return payload, nil
	}
	rb.failReplies.Store(1)
	startServer(t, rb, h, rpc.WithAckPolicy(rpc.AckAlways))
	s := openSession(t, rb, rpc.WithCallTimeout(100*time.Millisecond))

	_, err := s.Request(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, rpc.ErrCallTimedOut)

	want := []string{"deliver x", "publish failed", "ack x"}
	require.Eventually(t, func() bool {
		return len(rb.Events()) == len(want)
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, rb.Events())
	assert.EqualValues(t, 1, invocations.Load())
	assert.Equal(t, 0, mem.Len(rpc.DefaultRequestQueue))
}

func TestServer_StopsOnCancel(t *testing.T) {
	b := newMemory(t)
	cancel, wait := startServer(t, b, handlers.Echo)
	s := openSession(t, b)

	_, err := s.Request(context.Background(), []byte("x"))
	require.NoError(t, err)

	cancel()
	assert.NoError(t, wait())
}

func TestServer_FinishesInFlightRequestOnShutdown(t *testing.T) {
	b := newMemory(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h := func(ctx context.Context, payload []byte) ([]byte, error) {
		close(entered)
		<-release
		return []byte("finished"), nil
	}
	cancel, wait := startServer(t, b, h)
	s := openSession(t, b)

	call, err := s.Call(context.Background(), []byte("x"))
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("handler not invoked")
	}
	cancel()
	close(release)

	reply, err := waitCall(t, call)
	require.NoError(t, err)
	assert.Equal(t, "finished", string(reply))
	assert.NoError(t, wait())
	assert.Equal(t, 0, b.Len(rpc.DefaultRequestQueue))
}

func TestServer_ShutdownKeepsTimeoutBudget(t *testing.T) {
	b := newMemory(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h := func(ctx context.Context, payload []byte) ([]byte, error) {
		close(entered)
		<-release
		return []byte("finished"), nil
	}
	cancel, wait := startServer(t, b, h, rpc.WithMiddleware(rpc.Timeout(time.Second)))
	s := openSession(t, b)

	call, err := s.Call(context.Background(), []byte("x"))
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("handler not invoked")
	}
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	reply, err := waitCall(t, call)
	require.NoError(t, err)
	assert.Equal(t, "finished", string(reply))
	assert.NoError(t, wait())
	assert.Equal(t, 0, b.Len(rpc.DefaultRequestQueue))
}

func TestServer_RequeuesRateLimitedRequestOnShutdown(t *testing.T) {
	mem := newMemory(t)
	rb := &recordingBroker{Broker: mem, requestQueue: rpc.DefaultRequestQueue}
	held := make(chan struct{})
	signalHeld := func(next rpc.Handler) rpc.Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			if string(payload) == "b" {
				close(held)
			}
			return next(ctx, payload)
		}
	}
	cancel, wait := startServer(t, rb, handlers.Echo,
		rpc.WithConcurrency(2),
		rpc.WithMiddleware(signalHeld, rpc.RateLimit(rate.Every(time.Hour), 1)),
	)
	s := openSession(t, rb)

	reply, err := s.Request(context.Background(), []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(reply))

	call, err := s.Call(context.Background(), []byte("b"))
	require.NoError(t, err)
	select {
	case <-held:
	case <-time.After(waitFor):
		t.Fatal("second request not delivered")
	}

	cancel()
	require.NoError(t, wait())

	assert.Contains(t, rb.Events(), "requeue b")
	assert.NotContains(t, rb.Events(), "ack b")
	select {
	case <-call.Done():
		t.Fatal("held request was answered")
	default:
	}
	assert.Equal(t, 1, mem.Len(rpc.DefaultRequestQueue))
}

func TestServer_BrokerClosed(t *testing.T) {
	b := broker.NewMemory()
	_, wait := startServer(t, b, handlers.Echo)
	require.Eventually(t, func() bool { return b.HasQueue(rpc.DefaultRequestQueue) }, waitFor, time.Millisecond)

	require.NoError(t, b.Close())
	err := wait()
	assert.ErrorIs(t, err, rpc.ErrBrokerUnavailable)
}

func TestServer_NilHandler(t *testing.T) {
	srv := rpc.NewServer(newMemory(t))
	err := srv.Serve(context.Background(), nil)
	require.Error(t, err)
}

func TestServer_Middleware(t *testing.T) {
	b := newMemory(t)
	var order []string
	tag := func(name string) rpc.Middleware {
		return func(next rpc.Handler) rpc.Handler {
			return func(ctx context.Context, payload []byte) ([]byte, error) {
				order = append(order, name)
				return next(ctx, payload)
			}
		}
	}
	upper := func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte(strings.ToUpper(string(payload))), nil
	}
	startServer(t, b, upper, rpc.WithMiddleware(tag("outer"), tag("inner")))
	s := openSession(t, b)

	reply, err := s.Request(context.Background(), []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "ABC", string(reply))
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestParseAckPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    rpc.AckPolicy
		wantErr bool
	}{
		{in: "", want: rpc.AckAfterReply},
		{in: "after-reply", want: rpc.AckAfterReply},
		{in: "always", want: rpc.AckAlways},
		{in: "never", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := rpc.ParseAckPolicy(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, must(rpc.ParseAckPolicy(got.String())))
		})
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
