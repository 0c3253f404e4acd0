package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lancollab/pkg/protocol"
)

func newChat(t *testing.T, sender string) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(protocol.TypeChat, sender, &protocol.ChatPayload{Message: "hello"})
	require.NoError(t, err)
	return msg
}

func TestRouter_DispatchStampsSender(t *testing.T) {
	r := NewRouter(nil, nil)
	var got *Request
	require.NoError(t, r.Handle(protocol.TypeChat, func(_ context.Context, req *Request) error {
		got = req
		return nil
	}))

	msg := newChat(t, "")
	require.NoError(t, r.Dispatch(context.Background(), "client-1", nil, msg))
	require.NotNil(t, got)
	assert.Equal(t, "client-1", got.ClientID)
	assert.Equal(t, "client-1", got.Message.SenderID)
}

func TestRouter_DispatchRejections(t *testing.T) {
	r := NewRouter(nil, nil)
	require.NoError(t, r.Handle(protocol.TypeChat, func(context.Context, *Request) error { return nil }))

	tests := []struct {
		name string
		msg  *protocol.Message
		want error
	}{
		{
			name: "spoofed sender",
			msg:  newChat(t, "someone-else"),
			want: ErrSenderMismatch,
		},
		{
			name: "unknown type",
			msg:  &protocol.Message{MsgType: "teleport", Data: json.RawMessage("{}"), MessageID: "m1"},
			want: ErrUnknownMessageType,
		},
		{
			name: "missing data",
			msg:  &protocol.Message{MsgType: protocol.TypeChat, MessageID: "m2"},
			want: protocol.ErrMissingField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Dispatch(context.Background(), "client-1", nil, tt.msg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRouter_HandlerErrorIsReturned(t *testing.T) {
	r := NewRouter(nil, nil)
	boom := errors.New("boom")
	require.NoError(t, r.Handle(protocol.TypeChat, func(context.Context, *Request) error { return boom }))

	assert.ErrorIs(t, r.Dispatch(context.Background(), "c", nil, newChat(t, "c")), boom)
}

func TestRouter_DuplicateRoute(t *testing.T) {
	r := NewRouter(nil, nil)
	fn := func(context.Context, *Request) error { return nil }
	require.NoError(t, r.Handle(protocol.TypeChat, fn))
	assert.ErrorIs(t, r.Handle(protocol.TypeChat, fn), ErrDuplicateRoute)
	assert.Equal(t, []string{protocol.TypeChat}, r.Types())
}

func TestRouter_RateLimitedRoutes(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	now := time.Unix(1000, 0)
	limiter.now = func() time.Time { return now }

	r := NewRouter(limiter, nil)
	calls := 0
	fn := func(context.Context, *Request) error { calls++; return nil }
	require.NoError(t, r.Handle(protocol.TypeChat, fn, RateLimited()))
	require.NoError(t, r.Handle(protocol.TypeHeartbeat, fn))

	ctx := context.Background()
	require.NoError(t, r.Dispatch(ctx, "c", nil, newChat(t, "c")))
	require.NoError(t, r.Dispatch(ctx, "c", nil, newChat(t, "c")))
	assert.ErrorIs(t, r.Dispatch(ctx, "c", nil, newChat(t, "c")), ErrRateLimitExceeded)
	assert.NoError(t, r.Dispatch(ctx, "other", nil, newChat(t, "other")), "buckets are per client")

	hb, err := protocol.NewMessage(protocol.TypeHeartbeat, "c", nil)
	require.NoError(t, err)
	assert.NoError(t, r.Dispatch(ctx, "c", nil, hb), "heartbeats are not limited")

	now = now.Add(time.Second)
	assert.NoError(t, r.Dispatch(ctx, "c", nil, newChat(t, "c")), "bucket refills")
	assert.Equal(t, 5, calls)
}

func TestRateLimiter_RemoveAndCleanup(t *testing.T) {
	limiter := NewRateLimiter(0, 0)
	now := time.Unix(0, 0)
	limiter.now = func() time.Time { return now }

	for i := 0; i < DefaultBurst; i++ {
		require.True(t, limiter.Allow("a"))
	}
	assert.False(t, limiter.Allow("a"))

	limiter.Remove("a")
	assert.True(t, limiter.Allow("a"), "removed client starts with a full bucket")

	limiter.Allow("b")
	now = now.Add(10 * time.Minute)
	limiter.Allow("c")
	assert.Equal(t, 2, limiter.Cleanup(5*time.Minute))
}

func TestRateLimiter_Concurrent(t *testing.T) {
	limiter := NewRateLimiter(DefaultRate, DefaultBurst)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("flood") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, allowed, DefaultBurst)
	assert.Less(t, allowed, 100)
}
