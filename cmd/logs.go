// File: cmd/logs.go
package cmd

import (
	"fmt"
	"os"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"

	"github.com/visorlabs/visor-cli/internal/config"
)

// newLogsCommand builds `visor logs`, a follower for the application log
// file.
func newLogsCommand() *cobra.Command {
	var follow bool

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the application log, optionally following new entries.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ExpandPath(loadedCfg.Logger.LogFile)
			if err != nil {
				return err
			}
			if path == "" {
				return fmt.Errorf("logger.log_file is not configured")
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("log file %s is not readable: %w", path, err)
			}

			t, err := tail.TailFile(path, tail.Config{
				Follow:    follow,
				ReOpen:    follow,
				MustExist: true,
				Logger:    tail.DiscardingLogger,
			})
			if err != nil {
				return fmt.Errorf("failed to tail %s: %w", path, err)
			}
			defer t.Cleanup()

			go func() {
				<-cmd.Context().Done()
				t.Stop()
			}()

			for line := range t.Lines {
				if line.Err != nil {
					return line.Err
				}
				fmt.Fprintln(cmd.OutOrStdout(), line.Text)
			}
			return nil
		},
	}

	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "wait for new log entries instead of exiting at EOF")
	return logsCmd
}
