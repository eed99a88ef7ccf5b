package client

import (
	"fmt"

	"github.com/spf13/cobra"
)

// DeleteRequest is the deleteByUri operation body.
type DeleteRequest struct {
	Operation string `json:"operation"`
	URI       string `json:"uri"`
}

// DeleteResult is the deleteByUri operation response.
type DeleteResult struct {
	Success       bool   `json:"success"`
	ChunksDeleted int    `json:"chunksDeleted"`
	URI           string `json:"uri"`
}

func DeleteCmd() *cobra.Command {
	var uri string

	cmd := &cobra.Command{
		Use:     "delete",
		Short:   "Delete every chunk of a document",
		Example: "  kubekb delete --uri runbooks/crashloop.md",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var result DeleteResult
			req := DeleteRequest{Operation: "deleteByUri", URI: uri}
			if err := NewAPIClientWithCmd(cmd).Knowledge(cmd.Context(), req, &result); err != nil {
				return fmt.Errorf("delete failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if outputJSON, _ := cmd.Flags().GetBool("output"); outputJSON {
				return printJSON(out, result)
			}
			fmt.Fprintf(out, "Deleted %d chunks for %s\n", result.ChunksDeleted, result.URI)
			return nil
		},
	}

	cmd.Flags().StringVar(&uri, "uri", "", "Document URI")
	_ = cmd.MarkFlagRequired("uri")

	return cmd
}
