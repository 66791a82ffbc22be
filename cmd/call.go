package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"query-rpc/client"
	"query-rpc/codec"
	"query-rpc/middleware"
	"query-rpc/rpcerr"
	"query-rpc/session"
)

var (
	retries int

	callCmd = &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Call a method once and print its result",
		Long:  longCall,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params any
			if len(args) == 2 {
				tree, err := (&codec.JSONCodec{}).Decode([]byte(args[1]))
				if err != nil {
					return fmt.Errorf("params: %w", err)
				}
				params = tree
			}

			var mws []middleware.Middleware
			if retries > 0 {
				mws = append(mws, middleware.Retry(retries, cfg.Timeout/10))
			}
			cli, err := openCaller(mws)
			if err != nil {
				return err
			}
			defer cli.Close()

			result, err := cli.Call(context.Background(), args[0], params)
			if err != nil {
				printFailure(err)
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
)

// caller is satisfied by both *client.Client and *client.Pool.
type caller interface {
	Call(ctx context.Context, method string, params any, opts ...client.CallOption) (any, error)
	Close() error
}

func openCaller(mws []middleware.Middleware) (caller, error) {
	if cfg.Balance.Enabled() {
		return session.OpenPool(cfg, logger, mws...)
	}
	return session.OpenClient(cfg, logger, mws...)
}

// printFailure writes the error kind and message, plus data when present.
func printFailure(err error) {
	e, ok := rpcerr.As(err)
	if !ok {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Fprintf(os.Stderr, "%s error (%d): %s\n", e.Kind(), e.Code, e.Message)
	if e.HasData() {
		data, _ := json.Marshal(e.Data)
		fmt.Fprintf(os.Stderr, "data: %s\n", data)
	}
}

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().String("connect", "", "tcp address of the server")
	callCmd.Flags().IntVar(&retries, "retries", 0, "retry timeouts and connection failures this many times")
	callCmd.Flags().StringSlice("keys", nil, "spread calls over these replica keys")
	callCmd.Flags().String("balance", "", "balancing strategy: round_robin, weighted_random, consistent_hash")
	callCmd.Flags().String("discover", "", "discover replica keys in etcd under this prefix")

	for flag, key := range map[string]string{
		"connect":  "transport.tcp.connect",
		"keys":     "balance.keys",
		"balance":  "balance.strategy",
		"discover": "balance.discover",
	} {
		cobra.CheckErr(v.BindPFlag(key, callCmd.Flags().Lookup(flag)))
	}
}

var longCall = `
Call a method on the configured key. Params are a JSON object or array.

Examples:
  qrpc call echo '{"message": "hi"}'
  qrpc call sum '{"a": 10, "b": 20}'
  qrpc call add '[1, 2, 3]' --format binary
  qrpc call ping --keys calc/1,calc/2 --balance round_robin
  qrpc call ping --driver etcd --discover calc/
`
