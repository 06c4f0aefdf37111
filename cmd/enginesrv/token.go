package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/enginesrv/internal/tokenreg"
)

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{
		Use:   "token",
		Short: "Manage bearer tokens",
	}
	tok.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Mint a new bearer token and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := tokenreg.NewToken()
			if err != nil {
				return fmt.Errorf("mint token: %w", err)
			}
			fmt.Println(token)
			fmt.Println("add this to the tokens list in config.yaml or ENGINESRV_TOKENS")
			return nil
		},
	})
	return tok
}
