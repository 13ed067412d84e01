package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dizel0110/ITMO-sub000/internal/feature"
	"github.com/dizel0110/ITMO-sub000/internal/marker"
)

var (
	markProtocol int64
	markJSON     bool
	markForce    bool
)

var markCmd = &cobra.Command{
	Use:   "mark",
	Short: "Mark the features of one protocol",
	Long:  "Claims the protocol, runs the chain resolver and classifier over its features and writes the rollup. The claim is released if marking fails.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if markProtocol == 0 {
			return fmt.Errorf("--protocol is required")
		}
		ctx := cmd.Context()
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		d, err := OpenDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer d.Close()
		a, err := newApp(cfg, d, log)
		if err != nil {
			return err
		}

		if markForce {
			if err := d.ResetClaim(ctx, markProtocol); err != nil {
				return err
			}
		}
		ok, err := d.ClaimProtocol(ctx, markProtocol, time.Now().UnixMilli())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("protocol %d is not loaded or already claimed (use --force to re-mark)", markProtocol)
		}

		start := time.Now()
		res, err := a.marker.Mark(ctx, markProtocol)
		if err != nil {
			if rerr := d.ResetClaim(ctx, markProtocol); rerr != nil {
				log.Error("resetting claim", "protocol_id", markProtocol, "error", rerr)
			}
			return err
		}

		if markJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		printMarkResult(res, time.Since(start))
		return nil
	},
}

func printMarkResult(res *marker.Result, elapsed time.Duration) {
	fmt.Printf("Protocol %d marked in %s\n", res.ProtocolID, marker.FormatDurationShort(elapsed.Milliseconds()))
	fmt.Printf("  attention_required: %s\n", requiredColor(res.Required).Sprint(res.Required))

	seen := make([]string, 0, len(res.Seen))
	for a := range res.Seen {
		seen = append(seen, a.String())
	}
	sort.Strings(seen)
	fmt.Printf("  attentions seen:    %v\n", seen)
	fmt.Printf("  edges written:      %d\n", res.Written)
	if res.Skipped > 0 {
		color.Yellow("  edges skipped:      %d", res.Skipped)
	}
	if res.HadErrors {
		color.Red("  marked with errors:")
		fmt.Println(indent(res.Log, "    "))
	}
}

func requiredColor(r feature.Required) *color.Color {
	switch r {
	case feature.RequiredTrue, feature.RequiredTrueWithNone:
		return color.New(color.FgGreen, color.Bold)
	case feature.RequiredNone:
		return color.New(color.FgYellow)
	case feature.RequiredNoneFirst:
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.FgWhite)
	}
}

func init() {
	markCmd.Flags().Int64Var(&markProtocol, "protocol", 0, "Protocol ID to mark")
	markCmd.Flags().BoolVar(&markJSON, "json", false, "Output result as JSON")
	markCmd.Flags().BoolVar(&markForce, "force", false, "Release an existing claim before marking")
	rootCmd.AddCommand(markCmd)
}
