// File: cmd/run.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/observability"
	"github.com/visorlabs/visor-cli/internal/service"
)

// newRunCommand builds `visor run`, the one-shot session runner.
func newRunCommand() *cobra.Command {
	var (
		startURL string
		force    bool
		timeout  time.Duration
	)

	runCmd := &cobra.Command{
		Use:   "run \"<goal>\"",
		Short: "Run a single browser session toward a goal and print the result.",
		Example: `  visor run "log into the demo shop and add the cheapest item to the cart" --url https://shop.example/
  visor run "accept the cookie banner" --url https://news.example/ --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			goal := args[0]

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			components, err := service.Build(ctx, loadedCfg, Version, logger)
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

			result, err := components.Manager.RunSync(ctx, goal, startURL, force)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))

			if result.Status != schemas.StatusSucceeded {
				return fmt.Errorf("session %s: %s", result.Status, result.FailureReason)
			}
			return nil
		},
	}

	runCmd.Flags().StringVarP(&startURL, "url", "u", "", "page to open before the first step")
	runCmd.Flags().BoolVarP(&force, "force", "f", false, "act on low-confidence plans instead of stopping")
	runCmd.Flags().DurationVar(&timeout, "timeout", 0, "overall wall-clock limit for the session (0 = none)")
	return runCmd
}
