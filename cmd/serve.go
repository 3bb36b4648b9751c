// File: cmd/serve.go
package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/observability"
	"github.com/visorlabs/visor-cli/internal/server"
	"github.com/visorlabs/visor-cli/internal/service"
)

// newServeCommand builds `visor serve`, the long-running API mode.
func newServeCommand() *cobra.Command {
	var listen string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API over HTTP and WebSocket.",
		Long: `Serve starts the visor API. Sessions are created with POST /api/v1/sessions
or run synchronously with POST /api/v1/run, and their step events stream over
GET /ws/v1/sessions/{id}. The server drains running sessions on SIGINT/SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			cfg := loadedCfg
			if listen != "" {
				cfg.Server.Listen = listen
			}

			components, err := service.Build(cmd.Context(), cfg, Version, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := components.Close(closeCtx); err != nil {
					logger.Warn("Shutdown finished with errors", zap.Error(err))
				}
			}()

			// A typed nil must not leak into the interface field.
			var sessionStore schemas.SessionStore
			if components.Store != nil {
				sessionStore = components.Store
			}
			srv := server.New(cfg.Server, components.Manager, sessionStore, logger)

			return srv.Start(cmd.Context())
		},
	}

	serveCmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides server.listen)")
	return serveCmd
}
