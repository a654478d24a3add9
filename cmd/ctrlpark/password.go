package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/ctrlpark/ctrlpark/internal/api"
	"github.com/spf13/cobra"
)

var hashPasswordCmd = &cobra.Command{
	Use:     "hash-password",
	Short:   "Hash an operator password for api.operators",
	Long:    `Read a password from stdin and print its bcrypt hash for the password_hash field of api.operators.`,
	Example: `  echo -n 's3cret' | ctrlpark hash-password`,
	Args:    cobra.NoArgs,
	RunE:    runHashPassword,
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}

func runHashPassword(cmd *cobra.Command, args []string) error {
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return fmt.Errorf("password is required")
	}

	hash, err := api.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
