package client

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// SearchRequest represents the search operation body.
type SearchRequest struct {
	Operation      string   `json:"operation"`
	Query          string   `json:"query"`
	Limit          int      `json:"limit,omitempty"`
	ScoreThreshold *float32 `json:"scoreThreshold,omitempty"`
	URIFilter      string   `json:"uriFilter,omitempty"`
}

// SearchResult represents a search hit.
type SearchResult struct {
	ID          string         `json:"id"`
	Content     string         `json:"content"`
	Score       float32        `json:"score"`
	URI         string         `json:"uri"`
	ChunkIndex  int            `json:"chunkIndex"`
	TotalChunks int            `json:"totalChunks"`
	Metadata    map[string]any `json:"metadata"`
	MatchType   string         `json:"matchType,omitempty"`
}

// SearchResponse represents the search operation response.
type SearchResponse struct {
	Chunks       []SearchResult `json:"chunks"`
	TotalMatches int            `json:"totalMatches"`
}

// SearchCmd creates the search command.
func SearchCmd() *cobra.Command {
	var (
		limit     int
		threshold float32
		uri       string
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the knowledge base",
		Long:  "Searches ingested documents by semantic similarity.",
		Example: `  kubekb search "pod stuck in CrashLoopBackOff"
  kubekb search "ingress timeouts" --limit 3 --threshold 0.5 --uri runbooks/ingress.md`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := SearchRequest{
				Operation: "search",
				Query:     args[0],
				Limit:     limit,
				URIFilter: uri,
			}
			if cmd.Flags().Changed("threshold") {
				req.ScoreThreshold = &threshold
			}

			var resp SearchResponse
			if err := NewAPIClientWithCmd(cmd).Knowledge(cmd.Context(), req, &resp); err != nil {
				return fmt.Errorf("search failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if outputJSON, _ := cmd.Flags().GetBool("output"); outputJSON {
				return printJSON(out, resp)
			}

			if len(resp.Chunks) == 0 {
				fmt.Fprintln(out, "No results found.")
				return nil
			}

			fmt.Fprintf(out, "Found %d results:\n\n", resp.TotalMatches)
			for i, c := range resp.Chunks {
				fmt.Fprintf(out, "%d. %s [%d/%d] (%.2f)\n", i+1, c.URI, c.ChunkIndex+1, c.TotalChunks, c.Score)
				fmt.Fprintf(out, "   %s\n", preview(c.Content, 160))
				if i < len(resp.Chunks)-1 {
					fmt.Fprintln(out, strings.Repeat("-", 40))
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of results (server default when 0)")
	cmd.Flags().Float32Var(&threshold, "threshold", 0, "Minimum similarity score (server default when unset)")
	cmd.Flags().StringVar(&uri, "uri", "", "Only return chunks of this document URI")

	return cmd
}

// preview collapses whitespace and truncates to max runes.
func preview(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
