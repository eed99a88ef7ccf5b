package client

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// IngestRequest is the ingest operation body.
type IngestRequest struct {
	Operation string         `json:"operation"`
	URI       string         `json:"uri"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Replace   bool           `json:"replace,omitempty"`
}

// IngestResult is the ingest operation response.
type IngestResult struct {
	Success        bool     `json:"success"`
	ChunksCreated  int      `json:"chunksCreated"`
	ChunkIDs       []string `json:"chunkIds"`
	URI            string   `json:"uri"`
	Message        string   `json:"message"`
	ChunksReplaced int      `json:"chunksReplaced,omitempty"`
}

// IngestCmd creates the ingest command.
func IngestCmd() *cobra.Command {
	var (
		uri          string
		file         string
		metadata     []string
		metadataFile string
		replace      bool
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a document into the knowledge base",
		Long: `Chunks, embeds and stores a document. Content is read from --file or stdin.
Re-ingesting the same URI and content is idempotent.`,
		Example: `  # Ingest a runbook, using the file path as URI
  kubekb ingest -f runbooks/crashloop.md

  # Ingest from stdin with metadata
  cat notes.md | kubekb ingest --uri docs/notes.md --metadata team=sre --metadata-file meta.yaml

  # Replace a previous version and drop chunks it no longer produces
  kubekb ingest -f runbooks/crashloop.md --replace`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			if uri == "" {
				uri = file
			}
			if uri == "" {
				return fmt.Errorf("--uri is required when reading from stdin")
			}

			meta, err := buildMetadata(metadataFile, metadata)
			if err != nil {
				return err
			}

			req := IngestRequest{
				Operation: "ingest",
				URI:       uri,
				Content:   content,
				Metadata:  meta,
				Replace:   replace,
			}

			var result IngestResult
			if err := NewAPIClientWithCmd(cmd).Knowledge(cmd.Context(), req, &result); err != nil {
				return fmt.Errorf("ingest failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if outputJSON, _ := cmd.Flags().GetBool("output"); outputJSON {
				return printJSON(out, result)
			}

			fmt.Fprintf(out, "%s\n", result.Message)
			if result.ChunksReplaced > 0 {
				fmt.Fprintf(out, "Removed %d stale chunks\n", result.ChunksReplaced)
			}
			for _, id := range result.ChunkIDs {
				fmt.Fprintf(out, "  %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&uri, "uri", "", "Document URI (defaults to --file)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Input file (default: stdin)")
	cmd.Flags().StringArrayVar(&metadata, "metadata", nil, "Metadata as key=value (repeatable)")
	cmd.Flags().StringVar(&metadataFile, "metadata-file", "", "YAML file with metadata")
	cmd.Flags().BoolVar(&replace, "replace", false, "Remove chunks of the previous version that are no longer produced")

	return cmd
}

func readContent(stdin io.Reader, file string) (string, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read file: %w", err)
		}
		return string(data), nil
	}

	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return string(data), nil
}

// buildMetadata merges the YAML metadata file with key=value pairs; pairs win.
func buildMetadata(file string, pairs []string) (map[string]any, error) {
	meta := map[string]any{}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read metadata file: %w", err)
		}
		if err := yaml.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("failed to parse metadata file: %w", err)
		}
		if meta == nil {
			meta = map[string]any{}
		}
	}

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata %q: expected key=value", pair)
		}
		meta[key] = value
	}

	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}
