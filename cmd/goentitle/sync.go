package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"
)

var syncUserCmd = &cobra.Command{
	Use:   "sync-user <user-id>",
	Short: "Re-read a user's subscription from Stripe and apply it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.stripe == nil {
			return errors.New("stripe is not configured, set GOENTITLE_STRIPE_API_KEY")
		}
		record, err := a.stripe.SyncUser(ctx, args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(record)
	},
}
