// -- cmd/root.go --
package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/internal/config"
	"github.com/visorlabs/visor-cli/internal/observability"
)

var (
	cfgFile string

	// loadedCfg is populated by PersistentPreRunE and read by subcommands.
	loadedCfg *config.Config
)

// NewRootCommand builds the root command with all subcommands attached. A
// fresh instance per invocation keeps flag state from leaking between runs.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "visor",
		Short: "Visor drives a real browser toward a goal using vision and an LLM.",
		Long: `Visor is a visual browser agent. It looks at the rendered page the way a
person does, asks a language model what to do next, and performs the action
with humanized mouse and keyboard input. No DOM selectors, no site-specific
scripts.`,
		// Version is set at build time. See cmd/version.go.
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initializeConfig(); err != nil {
				return err
			}

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				// Fall back to a minimal logger so the failure is visible.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "visor-cli"})
				return err
			}
			loadedCfg = cfg

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Info("Starting visor-cli", zap.String("version", Version))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./visor.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newRunCommand(),
		newServeCommand(),
		newSessionsCommand(),
		newLogsCommand(),
	)
	return rootCmd
}

// Execute runs the CLI against ctx. The caller owns signal handling.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(rootCmd.ErrOrStderr(), err)
		}
	}
	observability.Sync()
	return err
}

// initializeConfig reads in the config file and VISOR_* environment
// variables.
func initializeConfig() error {
	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("visor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	v.SetEnvPrefix("VISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and env vars apply.
	}
	return nil
}
