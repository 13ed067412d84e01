package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	additionalPatient int64
	additionalJSON    bool
)

var additionalCmd = &cobra.Command{
	Use:   "additional",
	Short: "Re-evaluate a patient's unresolved features against their other findings",
	RunE: func(cmd *cobra.Command, args []string) error {
		if additionalPatient == 0 {
			return fmt.Errorf("--patient is required")
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

		res, err := a.additional.Mark(ctx, additionalPatient)
		if err != nil {
			return err
		}
		if additionalJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				PatientID int64  `json:"patient_id"`
				Evaluated int    `json:"evaluated"`
				Promoted  int    `json:"promoted"`
				Demoted   int    `json:"demoted"`
				HadErrors bool   `json:"had_errors"`
				Log       string `json:"log,omitempty"`
			}{res.PatientID, len(res.Verdicts), res.Promoted, res.Demoted, res.HadErrors, res.Log})
		}

		fmt.Printf("Patient %d: %d unresolved feature(s) evaluated\n", res.PatientID, len(res.Verdicts))
		color.Green("  promoted to TRUE: %d", res.Promoted)
		fmt.Printf("  demoted to FALSE: %d\n", res.Demoted)
		if res.HadErrors {
			color.Red("  finished with errors:")
			fmt.Println(indent(res.Log, "    "))
		}

		protocols, err := d.PatientProtocols(ctx, res.PatientID)
		if err != nil {
			return err
		}
		for _, p := range protocols {
			fmt.Printf("  protocol %-8d %s\n", p.ID, requiredColor(p.AttentionRequired).Sprint(p.AttentionRequired))
		}
		return nil
	},
}

func init() {
	additionalCmd.Flags().Int64Var(&additionalPatient, "patient", 0, "Patient ID to reprocess")
	additionalCmd.Flags().BoolVar(&additionalJSON, "json", false, "Output result as JSON")
	rootCmd.AddCommand(additionalCmd)
}
