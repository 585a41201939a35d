package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

func newHashTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token",
		Short: "Read an MCP bearer token from stdin and print its bcrypt hash",
		Long: `Read an MCP bearer token from stdin and print the bcrypt hash to use
as MCP_TOKEN_HASH.

Example:
  openssl rand -hex 32 | tee token.txt | list-sync hash-token`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprint(cmd.ErrOrStderr(), "Enter token: ")

			scanner := bufio.NewScanner(cmd.InOrStdin())
			if !scanner.Scan() {
				return fmt.Errorf("no input")
			}

			token := strings.TrimSpace(scanner.Text())
			if token == "" {
				return fmt.Errorf("empty token")
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hashing token: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(hash))

			return nil
		},
	}
}
