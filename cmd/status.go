package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dizel0110/ITMO-sub000/internal/db"
	"github.com/dizel0110/ITMO-sub000/internal/feature"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the marking backlog",
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

		s, err := d.Status(ctx)
		if err != nil {
			return err
		}
		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		}
		printStatus(s)
		return nil
	},
}

var requiredOrder = []feature.Required{
	feature.RequiredNoneFirst,
	feature.RequiredTrue,
	feature.RequiredTrueWithNone,
	feature.RequiredNone,
	feature.RequiredFalse,
}

func printStatus(s *db.StatusCounts) {
	bold := color.New(color.Bold)
	bold.Println("=== Protocols ===")
	fmt.Printf("  waiting to be marked: %d\n", s.Pending)
	fmt.Printf("  claimed, in progress: %d\n", s.Claimed)
	fmt.Printf("  not loaded yet:       %d\n", s.NotLoaded)
	if s.ProtocolsWithErr > 0 {
		color.Red("  marked with errors:   %d", s.ProtocolsWithErr)
	}

	bold.Println("\n=== attention_required ===")
	for _, r := range requiredOrder {
		fmt.Printf("  %-16s %s\n", r, requiredColor(r).Sprint(s.ByRequired[r]))
	}

	bold.Println("\n=== Patients ===")
	fmt.Printf("  awaiting additional marking: %d\n", s.PatientsToRedo)
}

func indent(text, prefix string) string {
	if text == "" {
		return ""
	}
	return prefix + strings.ReplaceAll(text, "\n", "\n"+prefix)
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}
