package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/api"
)

// newServeCmd creates the 'serve' subcommand, which exposes job control,
// health and metrics over HTTP until interrupted.
func newServeCmd(rt *runtime) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the job control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port <= 0 {
				port = rt.cfg.Server.Port
			}
			lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			return serve(cmd.Context(), rt, lis)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.port)")
	return cmd
}

func serve(ctx context.Context, rt *runtime, lis net.Listener) error {
	logger := rt.logger
	engine := rt.app.Engine()
	apiServer := api.NewServer(engine, rt.app.APIOptions(), logger.Named("api"))
	srv := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go engine.RunIdleReleaser(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("background runs did not stop in time", zap.Error(err))
	}
	logger.Info("shutdown complete")
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}
