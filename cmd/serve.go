package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"query-rpc/middleware"
	"query-rpc/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the demo methods on the configured key",
	Long:  longServe,
	RunE: func(cmd *cobra.Command, args []string) error {
		svr, err := session.OpenServer(cfg, logger)
		if err != nil {
			return err
		}

		if cfg.Server.MetricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics, err := middleware.NewMetrics(reg)
			if err != nil {
				return err
			}
			svr.Use(metrics.Middleware())

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			httpSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server", "err", err)
				}
			}()
			defer httpSrv.Close()
			logger.Info("metrics enabled", "addr", cfg.Server.MetricsAddr)
		}

		registerDemoMethods(svr, cfg.Format)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := svr.Start(cfg.Key); err != nil {
			return err
		}
		logger.Info("serving", "key", cfg.Key, "driver", cfg.Transport.Driver, "format", cfg.Format)
		<-ctx.Done()

		logger.Info("shutting down")
		return svr.Shutdown(5 * time.Second)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "tcp listen address")
	serveCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	serveCmd.Flags().Float64("rate-limit", 0, "requests per second, 0 disables")

	cobra.CheckErr(v.BindPFlag("transport.tcp.listen", serveCmd.Flags().Lookup("listen")))
	cobra.CheckErr(v.BindPFlag("server.metrics_addr", serveCmd.Flags().Lookup("metrics-addr")))
	cobra.CheckErr(v.BindPFlag("server.rate_limit", serveCmd.Flags().Lookup("rate-limit")))
}

var longServe = `
Serve echo, sum, add, ping, sleep and get_info on the configured key.

Examples:
  # Serve over TCP on the default address
  qrpc serve

  # Serve through etcd using the binary format
  qrpc serve --driver etcd --format binary

  # Expose Prometheus metrics
  qrpc serve --metrics-addr :9090
`
