package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	logutil "github.com/ikenchina/fdwxact/common/log"
	"github.com/ikenchina/fdwxact/common/runner"
	"github.com/ikenchina/fdwxact/tc/config"
	tc "github.com/ikenchina/fdwxact/tc/service"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &clientCLIConfig{}
	root := &cobra.Command{
		Use:           "fdwxact",
		Short:         "Two-phase commit coordinator for foreign servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfg.server, "server", "http://127.0.0.1:18080", "admin http address")
	root.PersistentFlags().StringVar(&cfg.grpcTarget, "grpc", "", "admin grpc address, used instead of --server when set")
	root.PersistentFlags().StringVar(&cfg.token, "token", os.Getenv("FDWXACT_ADMIN_TOKEN"), "admin token for privileged calls")

	root.AddCommand(newServeCommand())
	root.AddCommand(newResolversCommand(cfg))
	root.AddCommand(newXactsCommand(cfg))
	return root
}

func newServeCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.InitConfig(configFile); err != nil {
				return err
			}
			svr, err := tc.NewFdwXactService(config.Get())
			if err != nil {
				return err
			}
			logutil.Logger(context.Background()).Info("fdwxact starting", zap.String("config", configFile))
			return runner.RunService(svr).Wait()
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}
