package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tabmux/tabmux/pkg/api"
	"github.com/tabmux/tabmux/pkg/broker"
	"github.com/tabmux/tabmux/pkg/logger"
	"github.com/tabmux/tabmux/pkg/mcp"
	"github.com/tabmux/tabmux/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tabmux broker",
	Long: `Start the broker: claim a port from the shared pool, accept extension
connections on /ws, and serve client calls on /v1/call and /mcp.`,
	RunE: runServe,
}

const shutdownGrace = 30 * time.Second

func init() {
	serveCmd.Flags().Int("http-port", 0, "HTTP listen port (0 uses the allocated pool port)")
	serveCmd.Flags().Int("ws-port", 0, "Fixed extension port, bypassing the pool (0 allocates)")
	serveCmd.Flags().Duration("command-timeout", broker.DefaultCommandTimeout, "Per-attempt extension response deadline")
	serveCmd.Flags().Duration("session-ttl", 10*time.Minute, "Idle session timeout")
	serveCmd.Flags().Bool("mcp", true, "Expose the MCP tool surface at /mcp")
	serveCmd.Flags().Bool("auto-adopt", true, "Adopt response tab ids into the calling session")

	for _, flag := range []string{"http-port", "ws-port", "command-timeout", "session-ttl", "mcp", "auto-adopt"} {
		if err := viper.BindPFlag(flag, serveCmd.Flags().Lookup(flag)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", flag, err)
		}
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.New()

	opts := broker.DefaultOptions()
	opts.CommandTimeout = viper.GetDuration("command-timeout")
	opts.AutoAdopt = viper.GetBool("auto-adopt")
	opts.Metrics = metrics

	b, err := broker.New(ctx, broker.Config{
		WSPort:     viper.GetInt("ws-port"),
		SessionTTL: viper.GetDuration("session-ttl"),
		Dispatch:   opts,
	})
	if err != nil {
		return fmt.Errorf("starting broker: %w", err)
	}

	var mcpHandler *mcp.Server
	if viper.GetBool("mcp") {
		mcpHandler = mcp.New(b)
	}

	httpPort := viper.GetInt("http-port")
	if httpPort == 0 {
		// One listener carries everything: extension socket, client RPC,
		// MCP, and diagnostics. The pool port is what extensions scan for.
		httpPort = b.Port()
	}
	addr := fmt.Sprintf("127.0.0.1:%d", httpPort)

	srv := api.NewServer(b, b.Extensions(), handlerOrNil(mcpHandler), metrics)
	err = srv.Serve(ctx, addr)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	b.Shutdown(shutdownCtx)
	return err
}

func handlerOrNil(s *mcp.Server) http.Handler {
	if s == nil {
		return nil
	}
	return s.Handler()
}
