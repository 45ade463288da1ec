package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chemist-sh/chemist/internal/app"
	"github.com/chemist-sh/chemist/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "chemist",
	Short: "Chemist is the control plane for a fleet of monitoring flasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := zap.NewProduction()
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer log.Sync()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := app.Run(ctx, cfg, log); err != nil {
			log.Error("chemist exited with error", zap.Error(err))
			return err
		}
		return nil
	},
}

// Execute runs the root command, exiting 1 on any error per §6 exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to chemist.yaml")
	rootCmd.AddCommand(shardsCmd)
}
