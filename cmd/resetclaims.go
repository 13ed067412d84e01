package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	resetOlderThan time.Duration
	resetProtocol  int64
)

var resetClaimsCmd = &cobra.Command{
	Use:   "reset-claims",
	Short: "Release protocol claims left behind by interrupted marking",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := OpenDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer d.Close()

		if resetProtocol != 0 {
			if err := d.ResetClaim(ctx, resetProtocol); err != nil {
				return err
			}
			fmt.Printf("Released claim of protocol %d\n", resetProtocol)
			return nil
		}

		olderThan := resetOlderThan
		if olderThan <= 0 {
			olderThan = cfg.ClaimStaleAfter
		}
		n, err := d.ResetStaleClaims(ctx, time.Now().Add(-olderThan).UnixMilli())
		if err != nil {
			return err
		}
		fmt.Printf("Released %d claim(s) older than %s\n", n, olderThan)
		return nil
	},
}

func init() {
	resetClaimsCmd.Flags().DurationVar(&resetOlderThan, "older-than", 0, "Age of claims to release (default CLAIM_STALE_AFTER)")
	resetClaimsCmd.Flags().Int64Var(&resetProtocol, "protocol", 0, "Release the claim of this protocol only")
	rootCmd.AddCommand(resetClaimsCmd)
}
