/*
Package cmd implements the qrpc command-line interface: serve a set of demo methods,
call a method once, or run both sides in one process.
*/
package cmd

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"query-rpc/config"
)

var (
	cfgFile string
	envFile string

	// v holds defaults, the config file, QRPC_* env vars and bound flags.
	v = config.New()

	cfg    config.Config
	logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})

	rootCmd = &cobra.Command{
		Use:           "qrpc",
		Short:         "JSON-RPC 2.0 over query-based pub/sub transports",
		Long:          longRoot,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
			if err = config.LoadDotEnv(envFile); err != nil {
				return err
			}
			if cfg, err = config.Load(v, cfgFile); err != nil {
				return err
			}
			logger.SetLevel(cfg.Level())
			log.SetDefault(logger)
			return nil
		},
	}
)

/*
Execute runs the root command.
*/
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		logger.Error(err)
	}
	return err
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML)")
	flags.StringVar(&envFile, "env-file", "", "dotenv file with QRPC_* variables (default .env if present)")
	flags.String("key", "", "transport key the methods are served on")
	flags.String("format", "", "wire format: text, binary or cbor")
	flags.Duration("timeout", 0, "call timeout")
	flags.String("driver", "", "transport driver: memory, tcp or etcd")
	flags.String("log-level", "", "log level: debug, info, warn, error")

	// Flags win over env and file only when set explicitly.
	for flag, key := range map[string]string{
		"key":       "key",
		"format":    "format",
		"timeout":   "timeout",
		"driver":    "transport.driver",
		"log-level": "log_level",
	} {
		cobra.CheckErr(v.BindPFlag(key, flags.Lookup(flag)))
	}
}

var longRoot = `
qrpc serves and calls JSON-RPC 2.0 methods over a query-based transport
(in-process memory bus, framed TCP, or etcd).

Settings come from --config, QRPC_* environment variables (also read from
.env) and flags, e.g.
QRPC_TRANSPORT_DRIVER=etcd QRPC_TRANSPORT_ETCD_ENDPOINTS=localhost:2379.
`
