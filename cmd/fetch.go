package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/company-detail/internal/fetch"
	"github.com/sells-group/company-detail/pkg/jina"
)

var (
	fetchURL  string
	fetchFull bool
)

// fetchCmd retrieves and normalizes one page without running the pipeline.
// Useful for checking what the model would actually see.
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch and normalize a page without extracting",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		jinaClient := jina.NewClient(cfg.Jina.Key,
			jina.WithBaseURL(cfg.Jina.BaseURL),
			jina.WithLocale(cfg.Jina.Locale),
		)
		fetcher := fetch.NewJinaFetcher(jinaClient)

		content, err := fetcher.Fetch(ctx, fetchURL)
		if err != nil {
			return err
		}

		if fetchFull {
			_, err := os.Stdout.WriteString(content.Text + "\n")
			return err
		}

		preview := content.Text
		if len(preview) > 2000 {
			preview = preview[:2000] + "..."
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"url":           content.SourceURL,
			"title":         content.Title,
			"chars":         len(content.Text),
			"reader_tokens": content.Tokens,
			"fetched_at":    content.FetchedAt,
			"preview":       preview,
		})
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchURL, "url", "", "page URL (required)")
	fetchCmd.Flags().BoolVar(&fetchFull, "full", false, "print the full normalized text instead of a summary")
	_ = fetchCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(fetchCmd)
}
