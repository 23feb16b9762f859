package cmd

import (
	"fmt"

	"github.com/kasuganosora/guidegame/client/config"
	"github.com/kasuganosora/guidegame/client/credential"
	"github.com/spf13/cobra"
)

func newCredentialCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage the bearer token kept in the shared cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "save <token>",
			Short: "Store a token for later runs (requires cache.redis_addr)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(*cfgPath)
				if err != nil {
					return err
				}
				c, err := openCache(cfg.Cache)
				if err != nil {
					return err
				}
				defer c.Close()
				if err := credential.Save(cmd.Context(), c, args[0]); err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "credential saved")
				return err
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove the stored token",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(*cfgPath)
				if err != nil {
					return err
				}
				c, err := openCache(cfg.Cache)
				if err != nil {
					return err
				}
				defer c.Close()
				return credential.Clear(cmd.Context(), c)
			},
		},
	)
	return cmd
}
