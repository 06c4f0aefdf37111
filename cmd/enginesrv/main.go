package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "enginesrv",
		Short: "enginesrv — WebSocket front-end for a conversational engine CLI",
	}
	configPath, addrFlag, logLevel := addServeFlags(root)
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(*configPath, *addrFlag, *logLevel)
	}

	root.AddCommand(serveCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
