package main

import (
	"bufio"
	"encoding/json"
	"strings"

	"github.com/dinewise/ragsvc/engine/domain"
	"github.com/dinewise/ragsvc/engine/ingest"
	"github.com/spf13/cobra"
)

func newResetCmd(get func() *deps) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset-collection",
		Short: "Delete the vector collection",
		Long: `Deletes the Qdrant collection and every point in it. The next ingest
recreates it with the embedding model's vector size. Run flush-cache
afterwards so no answer built from the old points is served.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := get()
			ctx := cmd.Context()
			name := d.index.Collection()

			count, exists, err := d.index.PointCount(ctx)
			if err != nil {
				return err
			}
			if !exists {
				cmd.Printf("Collection %s does not exist, nothing to reset.\n", name)
				return nil
			}
			cmd.Printf("Collection %s has %d points.\n", name, count)

			if !yes {
				cmd.Printf("This will DELETE all %d points. Continue? (yes/no): ", count)
				answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				switch strings.ToLower(strings.TrimSpace(answer)) {
				case "y", "yes":
				default:
					cmd.Println("Aborted.")
					return nil
				}
			}

			if err := d.index.DeleteCollection(ctx); err != nil {
				return err
			}
			cmd.Printf("Collection %s deleted.\n", name)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newFlushCmd(get func() *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "flush-cache",
		Short: "Delete every cached answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := get().cache.Flush(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("Deleted %d cached answers.\n", n)
			return nil
		},
	}
}

func newIngestCmd(get func() *deps) *cobra.Command {
	var (
		file         string
		chunkSize    int
		chunkOverlap int
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest documents from a JSON or YAML file",
		Long: `Reads a list of documents ({text, metadata}) or a full ingest request
from a .json, .yaml or .yml file and ingests it. Documents with a
metadata.source_id can be re-ingested without creating duplicates.
The chunking flags override the file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := ingest.ReadRequestFile(file)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("chunk-size") {
				req.ChunkSize = chunkSize
			}
			if cmd.Flags().Changed("chunk-overlap") {
				req.ChunkOverlap = &chunkOverlap
			}
			n, err := get().ingest.Ingest(cmd.Context(), req)
			if err != nil {
				return err
			}
			cmd.Printf("Ingested %d chunks from %d documents.\n", n, len(req.Documents))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON or YAML file of documents")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", domain.DefaultChunkSize, "tokens per chunk")
	cmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", domain.DefaultChunkOverlap, "tokens shared by consecutive chunks")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newQueryCmd(get func() *deps) *cobra.Command {
	var (
		restaurantID string
		topK         int
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Ask a question through the full pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ans, err := get().query.Query(cmd.Context(), domain.QueryRequest{
				Question:     strings.Join(args, " "),
				RestaurantID: restaurantID,
				TopK:         topK,
			})
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(ans)
			}
			cmd.Println(ans.Answer)
			if ans.Cached {
				cmd.Println("(cached)")
			}
			for i, s := range ans.Sources {
				cmd.Printf("[%d] %.3f %s\n", i+1, s.Score, firstLine(s.Text, 80))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&restaurantID, "restaurant", "r", "", "restrict retrieval to one restaurant")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "chunks to retrieve (0 uses MAX_RESULT_CHUNKS)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw response")
	return cmd
}

func firstLine(s string, width int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > width {
		return string(r[:width]) + "..."
	}
	return s
}
