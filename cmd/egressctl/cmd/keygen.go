package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/ffmpeg-egress/pkg/auth"
)

var keyName string

// keygenCmd represents the keygen command
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an API key",
	Long: `Generate a random API key and its bcrypt hash. Give the key to the client
and put the hash under auth.api_keys in the server config.`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVar(&keyName, "name", "default", "key name used in logs and rate limiting")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	key, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return fmt.Errorf("failed to hash key: %w", err)
	}
	result := map[string]string{"name": keyName, "api_key": key, "hash": hash}
	if done, err := printStructured(cmd.OutOrStdout(), result); done {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "API key: %s\n\nServer config:\n\nauth:\n  api_keys:\n    %s: %q\n", key, keyName, hash)
	return nil
}
