package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dizel0110/ITMO-sub000/internal/graph"
)

var loadDryRun bool

var loadCmd = &cobra.Command{
	Use:   "load <tree.json|->",
	Short: "Load a protocol tree into the feature graph",
	Long:  "Reads a protocol tree (entries with name, class, index, value and parents, plus diagnoses), expands it into feature nodes and edges and makes the protocol visible to marking.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		var r io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		tree, err := graph.ReadTree(r)
		if err != nil {
			return err
		}

		now := time.Now().UnixMilli()
		var plan *graph.Plan
		if loadDryRun {
			plan, err = graph.Build(tree, cfg.Chains(), now)
		} else {
			d, derr := OpenDatabase(ctx, cfg)
			if derr != nil {
				return derr
			}
			defer d.Close()
			plan, err = graph.Load(ctx, d, tree, cfg.Chains(), now)
		}
		if err != nil {
			return fmt.Errorf("loading protocol %d: %w", tree.ProtocolID, err)
		}

		verb := "Loaded"
		if loadDryRun {
			verb = "Would load"
		}
		fmt.Printf("%s protocol %d (patient %d): %d nodes, %d edges, %d diagnoses\n",
			verb, tree.ProtocolID, tree.PatientID, len(plan.Nodes), len(plan.Edges), len(tree.Diagnoses))
		for _, w := range plan.Warnings {
			color.Yellow("  warning: %s", w)
		}
		return nil
	},
}

func init() {
	loadCmd.Flags().BoolVar(&loadDryRun, "dry-run", false, "Validate and expand the tree without writing")
	rootCmd.AddCommand(loadCmd)
}
