// Command switchboard-fetch is an MCP tool service that fetches web pages
// over stdio. Register it with a manifest in the tools directory:
//
//	# ~/.switchboard/tools/web.yaml
//	command: switchboard-fetch
//	args: ["--max-chars", "20000"]
//	timeoutSeconds: 60
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/soyeahso/switchboard/internal/fetch"
	"github.com/soyeahso/switchboard/internal/logging"
	"github.com/spf13/cobra"
)

func main() {
	var (
		opts     fetch.Options
		logLevel string
	)

	cmd := &cobra.Command{
		Use:           "switchboard-fetch",
		Short:         "MCP tool service that fetches web pages",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol
			log := logging.New(os.Stderr, logLevel).Sub("fetch")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().Bool("allowPrivate", opts.AllowPrivate).Msg("fetch service starting")
			return fetch.NewServer(fetch.New(opts), log).Run(ctx, &mcp.StdioTransport{})
		},
	}
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "per-request timeout")
	cmd.Flags().Int64Var(&opts.MaxBytes, "max-bytes", 10<<20, "maximum response body size")
	cmd.Flags().IntVar(&opts.MaxChars, "max-chars", 20000, "maximum characters returned to the model")
	cmd.Flags().BoolVar(&opts.AllowPrivate, "allow-private", false, "allow loopback and private network targets")
	cmd.Flags().StringVar(&opts.UserAgent, "user-agent", "", "User-Agent header")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
