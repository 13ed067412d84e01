package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dizel0110/ITMO-sub000/internal/db"
)

const seedBatch = 500

var seedEmbeddingsCmd = &cobra.Command{
	Use:   "seed-embeddings <file.jsonl|->",
	Short: "Store precomputed description vectors",
	Long:  "Reads one JSON object per line, {\"description\": ..., \"embedding\": [...]}, and stores the vectors the scorer looks up before calling the embedding service.",
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

		d, err := OpenDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer d.Close()

		total, err := seedEmbeddings(ctx, d, r)
		fmt.Printf("Stored %d embedding(s)\n", total)
		return err
	},
}

func seedEmbeddings(ctx context.Context, d *db.DB, r io.Reader) (int, error) {
	dec := json.NewDecoder(bufio.NewReader(r))
	total := 0
	batch := make([]db.DescriptionEmbedding, 0, seedBatch)
	flush := func() error {
		n, err := d.PutDescriptionEmbeddings(ctx, batch)
		total += n
		batch = batch[:0]
		return err
	}
	for {
		var e db.DescriptionEmbedding
		err := dec.Decode(&e)
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("record %d: %w", total+len(batch)+1, err)
		}
		batch = append(batch, e)
		if len(batch) == seedBatch {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	return total, flush()
}

func init() {
	rootCmd.AddCommand(seedEmbeddingsCmd)
}
