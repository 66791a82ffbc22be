package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"query-rpc/client"
	"query-rpc/codec"
	"query-rpc/rpcerr"
	"query-rpc/server"
	"query-rpc/transport"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a server and a client in one process on the memory bus",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cfg.Codec()
		if err != nil {
			return err
		}
		return runDemo(cmd.Context(), cmd.OutOrStdout(), c)
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

type demoCall struct {
	title   string
	key     string
	method  string
	params  any
	timeout time.Duration
}

func runDemo(ctx context.Context, out io.Writer, c codec.Codec) error {
	if ctx == nil {
		ctx = context.Background()
	}
	bus := transport.NewMemory()
	defer bus.Close()

	svr := server.NewServer(transport.Borrowed(bus), server.WithCodec(c), server.WithLogger(logger))
	registerDemoMethods(svr, c.Name())
	if err := svr.Start(cfg.Key); err != nil {
		return err
	}
	defer svr.Shutdown(time.Second)

	cli := client.New(cfg.Key, transport.Borrowed(bus), client.WithCodec(c), client.WithLogger(logger))
	defer cli.Close()
	orphan := client.New(cfg.Key+"/unserved", transport.Borrowed(bus), client.WithCodec(c))
	defer orphan.Close()

	fmt.Fprintf(out, "format: %s\n\n", c.Name())
	calls := []demoCall{
		{title: "echo", method: "echo", params: map[string]any{"message": "Hello, World!"}},
		{title: "sum", method: "sum", params: map[string]any{"a": int64(10), "b": int64(20)}},
		{title: "positional add", method: "add", params: []any{int64(1), int64(2), 3.5}},
		{title: "unknown method", method: "nope"},
		{title: "bad params", method: "sum", params: map[string]any{"a": "x", "b": int64(1)}},
		{title: "slow handler", method: "sleep", params: map[string]any{"ms": int64(600)}, timeout: 200 * time.Millisecond},
		{title: "nobody listening", key: "unserved", method: "echo", timeout: 200 * time.Millisecond},
	}
	for _, dc := range calls {
		target := cli
		if dc.key != "" {
			target = orphan
		}
		var opts []client.CallOption
		if dc.timeout > 0 {
			opts = append(opts, client.WithCallTimeout(dc.timeout))
		}
		result, err := target.Call(ctx, dc.method, dc.params, opts...)
		printDemoOutcome(out, dc.title, result, err)
	}
	return nil
}

func printDemoOutcome(out io.Writer, title string, result any, err error) {
	if err != nil {
		if e, ok := rpcerr.As(err); ok {
			fmt.Fprintf(out, "%-18s -> %s (%d): %s\n", title, e.Kind(), e.Code, e.Message)
			return
		}
		fmt.Fprintf(out, "%-18s -> %v\n", title, err)
		return
	}
	b, _ := json.Marshal(result)
	fmt.Fprintf(out, "%-18s -> %s\n", title, b)
}
