// Package main provides the CLI entry point for HyperStream.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hyperstream/hyperstream/internal/config"
	"github.com/hyperstream/hyperstream/internal/keys"
	"github.com/hyperstream/hyperstream/internal/logging"
	"github.com/hyperstream/hyperstream/internal/rendezvous"
	"github.com/hyperstream/hyperstream/internal/transfer"
)

var (
	// Version is set at build time via ldflags.
	Version = "dev"

	flagLogLevel  string
	flagLogFormat string
	flagOutputDir string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "hyperstream",
		Short:   "HyperStream - peer-to-peer file transfer over a DHT",
		Version: Version,
		Long: `HyperStream sends a file or directory directly to another peer.

There is no central server: a one-time topic key is generated on the
sending side, used to find the receiving peer over a public DHT, and
then discarded once the transfer completes.`,
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", cfg.LogFormat, "log format: text, json")

	rootCmd.AddCommand(sendCmd(cfg))
	rootCmd.AddCommand(receiveCmd(cfg))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func sendCmd(cfg *config.Config) *cobra.Command {
	var rateLimit string

	cmd := &cobra.Command{
		Use:   "send <path>",
		Short: "Share a file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger(flagLogLevel, flagLogFormat)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rateLimitBPS, err := parseRateLimit(rateLimit)
			if err != nil {
				return err
			}

			topic, display, err := keys.Generate()
			if err != nil {
				return fmt.Errorf("generate topic key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "share key: %s\n", display)

			stream, handle, err := rendezvous.JoinAsSender(ctx, topic, logger, cfg.BootstrapPeers)
			if err != nil {
				return err
			}
			defer handle.Close()
			defer stream.Close()

			aeadKey := keys.Derive(topic)
			err = transfer.Send(ctx, stream, args[0], aeadKey, transfer.SendOptions{
				RateLimitBytesPerSecond: rateLimitBPS,
				Logger:                  logger,
				OnProgress: func(n uint64) {
					fmt.Fprintf(cmd.ErrOrStderr(), "\rsent %s", humanize.Bytes(n))
				},
			})
			fmt.Fprintln(cmd.ErrOrStderr())
			return err
		},
	}
	cmd.Flags().StringVar(&rateLimit, "rate-limit", cfg.RateLimit, "cap transfer bandwidth, e.g. 5MB")
	return cmd
}

func receiveCmd(cfg *config.Config) *cobra.Command {
	var rateLimit string

	cmd := &cobra.Command{
		Use:   "receive <key>",
		Short: "Receive a file or directory shared with a topic key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger(flagLogLevel, flagLogFormat)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rateLimitBPS, err := parseRateLimit(rateLimit)
			if err != nil {
				return err
			}

			topic, err := keys.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse share key: %w", err)
			}

			outputDir := flagOutputDir
			if outputDir == "" {
				outputDir = cfg.OutputDir
			}

			stream, handle, err := rendezvous.JoinAsReceiver(ctx, topic, logger, cfg.BootstrapPeers)
			if err != nil {
				return err
			}
			defer handle.Close()
			defer stream.Close()

			aeadKey := keys.Derive(topic)
			meta, err := transfer.Receive(ctx, stream, outputDir, aeadKey, transfer.ReceiveOptions{
				RateLimitBytesPerSecond: rateLimitBPS,
				Logger:                  logger,
				OnProgress: func(n uint64) {
					fmt.Fprintf(cmd.ErrOrStderr(), "\rreceived %s", humanize.Bytes(n))
				},
			})
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "received %s (%d files) into %s\n",
				humanize.Bytes(meta.TotalSize), meta.FileCount, outputDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&rateLimit, "rate-limit", cfg.RateLimit, "cap transfer bandwidth, e.g. 5MB")
	cmd.Flags().StringVarP(&flagOutputDir, "output", "o", "", "destination directory (default: current directory)")
	return cmd
}

func parseRateLimit(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid --rate-limit value %q: %w", s, err)
	}
	return int64(n), nil
}
