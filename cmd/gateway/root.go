package main

import (
	"github.com/spf13/cobra"

	"ratelimit-gateway/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Rate-limited reverse proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "optional YAML config file")
	root.PersistentFlags().Bool("no-dotenv", false, "skip loading .env.local/.env")

	serve := newServeCmd()
	config.RegisterFlags(serve.Flags())
	root.AddCommand(serve)

	// "gateway" sem subcomando = "gateway serve"
	root.RunE = serve.RunE
	config.RegisterFlags(root.Flags())
	return root
}
