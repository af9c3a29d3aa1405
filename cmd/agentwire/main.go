// Command agentwire runs a bureau node from a YAML config, and ships
// small key management helpers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentwire-dev/agentwire"
	"github.com/agentwire-dev/agentwire/identity"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "agentwire",
	Short:   "agentwire runs signed agent-to-agent messaging nodes",
	Version: version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a bureau node from a config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}
		return agentwire.Run(configFile, nil)
	},
}

var genkeyCmd = &cobra.Command{
	Use:   "genkey <dir>",
	Short: "Generate an ed25519 identity keypair in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, created, err := identity.LoadOrGenerate(args[0])
		if err != nil {
			return err
		}
		if !created {
			fmt.Fprintf(os.Stderr, "keys already exist in %s\n", args[0])
		}
		fmt.Println(id.Address())
		return nil
	},
}

var addrCmd = &cobra.Command{
	Use:   "addr <dir>",
	Short: "Print the address of an identity stored in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := identity.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Println(id.Address())
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	runCmd.Flags().StringP("config", "c", "config/agents.yaml", "node configuration file")
	rootCmd.AddCommand(runCmd, genkeyCmd, addrCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
