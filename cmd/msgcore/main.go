package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "msgcore",
		Short: "Unified messaging gateway",
		Long:  "msgcore connects tenants to discord, telegram, lark, and email backends through one send/receive API.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (default: ./config.toml or $CONFIG_PATH)")

	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and platform connections",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}
