package cmd

import (
	"context"
	"time"

	"query-rpc/rpcerr"
	"query-rpc/server"
)

// registerDemoMethods installs the methods served by `qrpc serve` and `qrpc demo`.
func registerDemoMethods(svr *server.Server, format string) {
	started := time.Now()

	svr.Register("echo", func(ctx context.Context, params any) (any, error) {
		return params, nil
	})
	svr.Register("sum", sum)
	svr.Register("add", add)
	svr.Register("ping", func(ctx context.Context, params any) (any, error) {
		return map[string]any{"status": "pong", "timestamp": time.Now().Unix()}, nil
	})
	svr.Register("sleep", sleep)
	svr.Register("get_info", func(ctx context.Context, params any) (any, error) {
		return map[string]any{
			"name":           "qrpc",
			"format":         format,
			"methods":        svr.Dispatcher().Methods(),
			"uptime_seconds": int64(time.Since(started).Seconds()),
		}, nil
	})
}

// sum adds the named params a and b.
func sum(ctx context.Context, params any) (any, error) {
	p, ok := params.(map[string]any)
	if !ok {
		return nil, rpcerr.InvalidParams("Expected named parameters 'a' and 'b'")
	}
	a, okA := p["a"]
	b, okB := p["b"]
	if !okA || !okB {
		return nil, rpcerr.InvalidParams("Missing 'a' or 'b' parameter")
	}
	return addNumbers([]any{a, b}, "Parameters 'a' and 'b' must be numbers")
}

// add adds any number of positional params.
func add(ctx context.Context, params any) (any, error) {
	p, ok := params.([]any)
	if !ok {
		return nil, rpcerr.InvalidParams("Expected positional parameters")
	}
	return addNumbers(p, "All parameters must be numbers")
}

// addNumbers keeps integer arithmetic when every operand is an integer.
func addNumbers(values []any, mismatch string) (any, error) {
	var (
		ints    int64
		floats  float64
		isFloat bool
	)
	for _, v := range values {
		switch n := v.(type) {
		case int64:
			ints += n
		case float64:
			floats += n
			isFloat = true
		default:
			return nil, rpcerr.InvalidParams(mismatch).WithData(map[string]any{"got": v})
		}
	}
	if isFloat {
		return floats + float64(ints), nil
	}
	return ints, nil
}

// sleep waits for params.ms milliseconds, or until the request is cancelled.
func sleep(ctx context.Context, params any) (any, error) {
	var p struct {
		Ms int64 `json:"ms"`
	}
	if err := server.BindParams(params, &p); err != nil {
		return nil, err
	}
	select {
	case <-time.After(time.Duration(p.Ms) * time.Millisecond):
		return "done", nil
	case <-ctx.Done():
		return nil, rpcerr.Timeout("sleep interrupted")
	}
}
