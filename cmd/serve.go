package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/prefstore/internal/di"
	"github.com/conneroisu/prefstore/internal/errors"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Stream preference changes to websocket clients",
	Long: `Start an HTTP server whose /ws endpoint streams every change of the
user and system trees as JSON messages. Changes written by other processes
are picked up from disk and streamed as well.

Examples:
  prefstore serve                        # Listen on the configured address
  prefstore serve --addr localhost:9000  # Listen somewhere else`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "localhost:7331", "address to listen on")
	_ = viper.BindPFlag("feed.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return withServices(cmd, func(_ context.Context, c *di.ServiceContainer) error {
		logger, err := c.Logger()
		if err != nil {
			return err
		}
		reg, err := c.Registry()
		if err != nil {
			return err
		}
		hub, err := c.Feed()
		if err != nil {
			return err
		}
		if err := hub.Watch(reg.User().Name(), reg.UserRoot()); err != nil {
			return err
		}
		if err := hub.Watch(reg.System().Name(), reg.SystemRoot()); err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"status":"ok","clients":%d}`, hub.ClientCount())
		})

		addr := c.Config().Feed.Addr
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return errors.WrapIO(err, errors.ErrCodeListenFailed, "cannot listen on "+addr)
		}
		srv := &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		serveErr := make(chan error, 1)
		go func() { serveErr <- srv.Serve(ln) }()

		fmt.Fprintf(cmd.OutOrStdout(), "Streaming preference changes at ws://%s/ws\n", ln.Addr())
		logger.Info(ctx, "Feed server started", "addr", ln.Addr().String())

		select {
		case err := <-serveErr:
			if !stderrors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		logger.Info(context.Background(), "Shutting down feed server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Websocket connections are hijacked, so the hub closes them itself.
		if err := hub.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, err, "Feed shutdown failed")
		}
		return srv.Shutdown(shutdownCtx)
	})
}
