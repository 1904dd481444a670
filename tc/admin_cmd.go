package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ikenchina/fdwxact/client/admin"
	"github.com/ikenchina/fdwxact/define"
)

type clientCLIConfig struct {
	server     string
	grpcTarget string
	token      string
}

func (c *clientCLIConfig) client(ctx context.Context) (admin.Client, error) {
	if len(c.grpcTarget) > 0 {
		return admin.NewGrpcClient(ctx, c.grpcTarget, c.token)
	}
	return admin.NewHttpClient(c.server, c.token)
}

func printJson(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newResolversCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolvers",
		Short: "Inspect and stop resolver workers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List running resolvers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client(cmd.Context())
			if err != nil {
				return err
			}
			defer cli.Close()
			rows, err := cli.ListResolvers(cmd.Context())
			if err != nil {
				return err
			}
			return printJson(cmd, rows)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop <dbid>",
		Short: "Stop the resolver of a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dbid, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid dbid %q : %w", args[0], err)
			}
			cli, err := cfg.client(cmd.Context())
			if err != nil {
				return err
			}
			defer cli.Close()
			return cli.StopResolver(cmd.Context(), uint32(dbid))
		},
	})
	return cmd
}

func newXactsCommand(cfg *clientCLIConfig) *cobra.Command {
	filter := &define.XactFilter{}
	cmd := &cobra.Command{
		Use:   "xacts",
		Short: "Inspect, resolve or remove foreign transaction participants",
	}
	cmd.PersistentFlags().Uint64Var(&filter.Xid, "xid", 0, "local transaction id")
	cmd.PersistentFlags().Uint32Var(&filter.DbId, "dbid", 0, "database id")
	cmd.PersistentFlags().Uint32Var(&filter.Endpoint, "endpoint", 0, "endpoint id")
	cmd.PersistentFlags().Uint32Var(&filter.Credential, "credential", 0, "credential id")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List participants matching the filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client(cmd.Context())
			if err != nil {
				return err
			}
			defer cli.Close()
			rows, err := cli.ListXacts(cmd.Context(), *filter)
			if err != nil {
				return err
			}
			return printJson(cmd, rows)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "resolve",
		Short: "Resolve participants matching the filter, aborting undecided ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client(cmd.Context())
			if err != nil {
				return err
			}
			defer cli.Close()
			resp, err := cli.ResolveXacts(cmd.Context(), *filter)
			if err != nil {
				return err
			}
			return printJson(cmd, resp)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove",
		Short: "Forget participants matching the filter without contacting their endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			if *filter == (define.XactFilter{}) {
				return fmt.Errorf("remove needs at least one of --xid, --dbid, --endpoint, --credential")
			}
			cli, err := cfg.client(cmd.Context())
			if err != nil {
				return err
			}
			defer cli.Close()
			resp, err := cli.RemoveXacts(cmd.Context(), *filter)
			if err != nil {
				return err
			}
			return printJson(cmd, resp)
		},
	})
	return cmd
}
