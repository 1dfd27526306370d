// Command ci-storage-agent runs on CI runner and host instances. cloud-init
// invokes it once per instance to hand storage off, and cron invokes it every
// minute to converge the machine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/clickup/ci-storage-cdk/internal/agentconfig"
	"github.com/clickup/ci-storage-cdk/internal/logging"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "ci-storage-agent",
	Short:         "Converges a CI storage machine and hands its storage off",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CI_STORAGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("config", agentconfig.Path, "agent configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level")
	rootCmd.PersistentFlags().String("log-format", logging.FormatJSON, "log format (json or console)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(
		convergeCmd(),
		handoffVolumeCmd(),
		handoffTmpfsCmd(),
		keygenCmd(),
		versionCmd(),
	)
}

func loadConfig() (*agentconfig.Config, error) {
	return agentconfig.Load(viper.GetString("config"))
}

func newLogger(command string) (*zap.Logger, error) {
	logger, err := logging.New(viper.GetString("log-level"), viper.GetString("log-format"))
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("command", command)), nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
