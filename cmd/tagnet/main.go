package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/andrei-cloud/tagnet"
)

var (
	flagConfig   string
	flagLogLevel string
	flagMode     string
)

func main() {
	root := &cobra.Command{
		Use:           "tagnet",
		Short:         "Asynchronous tagged messaging over a transport engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagMode, "progress-mode", "", "progress mode (thread, thread-polling, polling)")

	root.AddCommand(serveCmd(), sendCmd(), benchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildLogger() (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parsing log level: %w", err)
	}

	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	return zerolog.New(writer).Level(level).With().Timestamp().Logger(), nil
}

func buildConfig() (*tagnet.Config, error) {
	cfg := &tagnet.Config{}
	if flagConfig != "" {
		loaded, err := tagnet.LoadConfig(flagConfig)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if flagMode != "" {
		cfg.ProgressMode = flagMode
	}

	return cfg, nil
}

func buildContext(newDriver func(zerolog.Logger) tagnet.Driver) (*tagnet.ApplicationContext, zerolog.Logger, error) {
	logger, err := buildLogger()
	if err != nil {
		return nil, logger, err
	}

	cfg, err := buildConfig()
	if err != nil {
		return nil, logger, err
	}

	appCtx, err := tagnet.NewApplicationContext(newDriver(logger), cfg, logger)
	if err != nil {
		return nil, logger, err
	}

	return appCtx, logger, nil
}

func tcpDriver(logger zerolog.Logger) tagnet.Driver { return tagnet.NewTCPDriver(logger) }

func memDriver(logger zerolog.Logger) tagnet.Driver { return tagnet.NewMemDriver(logger) }

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an echo server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appCtx, logger, err := buildContext(tcpDriver)
			if err != nil {
				return err
			}

			lis, err := appCtx.CreateListener(port, func(ep *tagnet.Endpoint) {
				defer ep.Abort()
				logger.Info().Msgf("accepted endpoint %#x", ep.ID())

				ctx := cmd.Context()
				for {
					obj, err := ep.RecvObject(ctx, nil)
					if err != nil {
						logger.Debug().Err(err).Msgf("endpoint %#x done", ep.ID())

						return
					}
					if err := ep.SendObject(ctx, obj); err != nil {
						logger.Warn().Err(err).Msg("echo reply failed")

						return
					}
				}
			})
			if err != nil {
				return err
			}

			logger.Info().Msgf("listening on %s", lis.Addr())

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig

			logger.Info().Msg("shutting down")
			if err := lis.Close(); err != nil {
				return err
			}

			return appCtx.Close()
		},
	}

	cmd.Flags().IntVar(&port, "port", 9000, "port to listen on")

	return cmd
}

func sendCmd() *cobra.Command {
	var (
		addr    string
		message string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message and await the echo",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appCtx, logger, err := buildContext(tcpDriver)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			ep, err := appCtx.CreateEndpoint(ctx, addr)
			if err != nil {
				return err
			}

			start := time.Now()
			if err := ep.SendObject(ctx, []byte(message)); err != nil {
				ep.Abort()

				return err
			}

			reply, err := ep.RecvObject(ctx, nil)
			if err != nil {
				ep.Abort()

				return err
			}

			logger.Info().Msgf("reply %q in %v", reply, time.Since(start))

			if err := ep.Close(ctx); err != nil {
				return err
			}

			return appCtx.Close()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:9000", "server address")
	cmd.Flags().StringVar(&message, "message", "hello", "message to send")

	return cmd
}

func benchCmd() *cobra.Command {
	var (
		transfers int
		workers   int
		size      int
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run concurrent loopback transfers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appCtx, logger, err := buildContext(memDriver)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			accepted := make(chan *tagnet.Endpoint, 1)
			lis, err := appCtx.CreateListener(0, func(ep *tagnet.Endpoint) {
				accepted <- ep
			})
			if err != nil {
				return err
			}

			client, err := appCtx.CreateEndpoint(ctx, lis.Addr())
			if err != nil {
				return err
			}
			server := <-accepted

			payload := make([]byte, size)
			start := time.Now()

			eg := errgroup.Group{}
			eg.SetLimit(workers)
			for i := 0; i < transfers; i++ {
				tag := tagnet.Tag(i + 1)
				eg.Go(func() error {
					return client.SendTag(ctx, payload, tag, false)
				})
				eg.Go(func() error {
					buf := make([]byte, size)

					return server.RecvTag(ctx, buf, tag, false)
				})
			}

			if err := eg.Wait(); err != nil {
				return err
			}

			elapsed := time.Since(start)
			logger.Info().Msgf("%d transfers of %d bytes in %v (%.0f/s)",
				transfers, size, elapsed, float64(transfers)/elapsed.Seconds())

			client.Abort()
			server.Abort()
			if err := lis.Close(); err != nil {
				return err
			}

			return appCtx.Close()
		},
	}

	cmd.Flags().IntVar(&transfers, "n", 1000, "number of transfers")
	cmd.Flags().IntVar(&workers, "workers", 16, "concurrent transfer workers")
	cmd.Flags().IntVar(&size, "size", 1024, "payload size in bytes")

	return cmd
}
