// Package cmd is the guidecli command line.
package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:          "guidecli",
		Short:        "Headless client for the guided game server",
		Long:         "guidecli keeps a live session with the game server: it joins the team room, follows game and task progress, and exposes state and actions on a local HTTP API.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to the YAML config file (defaults and GUIDE_* env when empty)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(&cfgPath),
		newCredentialCmd(&cfgPath),
	)
	return rootCmd
}
