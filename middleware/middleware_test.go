package middleware

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"query-rpc/message"
	"query-rpc/rpcerr"
)

// echoHandler returns the request params as the result.
func echoHandler(ctx context.Context, req *message.Request) *message.Response {
	return message.NewSuccess(req.Params, req.ID)
}

// slowHandler sleeps 200ms before answering.
func slowHandler(ctx context.Context, req *message.Request) *message.Response {
	time.Sleep(200 * time.Millisecond)
	return message.NewSuccess("ok", req.ID)
}

func failingHandler(err *rpcerr.Error) HandlerFunc {
	return func(ctx context.Context, req *message.Request) *message.Response {
		return message.NewErrorFrom(err, req.ID)
	}
}

func newRequest() *message.Request {
	return message.NewRequest("Arith.Add", map[string]any{"a": 1, "b": 2}, "1")
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewWithOptions(&buf, log.Options{Level: log.DebugLevel})

	resp := Logging(logger)(echoHandler)(context.Background(), newRequest())
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
	assert.Contains(t, buf.String(), "rpc request")
	assert.Contains(t, buf.String(), "Arith.Add")

	buf.Reset()
	resp = Logging(logger)(failingHandler(rpcerr.MethodNotFound("Method 'x' not found")))(context.Background(), newRequest())
	require.NotNil(t, resp.Error)
	assert.Contains(t, buf.String(), "rpc failed")
	assert.Contains(t, buf.String(), "-32601")
}

func TestTimeoutPass(t *testing.T) {
	resp := Timeout(500*time.Millisecond)(echoHandler)(context.Background(), newRequest())
	assert.Nil(t, resp.Error)
}

func TestTimeoutExceeded(t *testing.T) {
	resp := Timeout(50*time.Millisecond)(slowHandler)(context.Background(), newRequest())

	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerr.CodeTimeout, resp.Error.Code)
	assert.Equal(t, "1", resp.ID)
}

func TestRateLimit(t *testing.T) {
	// 1 per second, burst 2: the first two pass, the third is rejected.
	handler := RateLimit(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), newRequest())
		require.Nil(t, resp.Error, "request %d should pass", i)
	}

	resp := handler(context.Background(), newRequest())
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerr.CodeServer, resp.Error.Code)
	assert.Equal(t, "rate limit exceeded", resp.Error.Message)
}

func TestRetry(t *testing.T) {
	var calls atomic.Int32
	flaky := func(ctx context.Context, req *message.Request) *message.Response {
		if calls.Add(1) < 3 {
			return message.NewErrorFrom(rpcerr.Timeout(""), req.ID)
		}
		return message.NewSuccess("ok", req.ID)
	}

	resp := Retry(3, time.Millisecond)(flaky)(context.Background(), newRequest())
	assert.Nil(t, resp.Error)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	down := func(ctx context.Context, req *message.Request) *message.Response {
		calls.Add(1)
		return message.NewErrorFrom(rpcerr.Connection(""), req.ID)
	}

	resp := Retry(2, time.Millisecond)(down)(context.Background(), newRequest())
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerr.CodeConnection, resp.Error.Code)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetrySkipsProtocolErrors(t *testing.T) {
	var calls atomic.Int32
	handler := func(ctx context.Context, req *message.Request) *message.Response {
		calls.Add(1)
		return message.NewErrorFrom(rpcerr.InvalidParams(""), req.ID)
	}

	Retry(3, time.Millisecond)(handler)(context.Background(), newRequest())
	assert.Equal(t, int32(1), calls.Load())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	ok := m.Middleware()(echoHandler)
	bad := m.Middleware()(failingHandler(rpcerr.InvalidParams("")))
	ok(context.Background(), newRequest())
	ok(context.Background(), newRequest())
	bad(context.Background(), newRequest())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("Arith.Add", "0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("Arith.Add", "-32602")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "duplicate registration")
}

func TestChain(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}

	handler := Chain(trace("A"), trace("B"), Timeout(500*time.Millisecond))(echoHandler)
	resp := handler(context.Background(), newRequest())

	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
	assert.Equal(t, []string{"A.before", "B.before", "B.after", "A.after"}, order)
}
