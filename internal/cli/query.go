package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docsearch/internal/domain"
)

var (
	queryText string
	queryTopK int
	queryJSON bool
	queryDocs []string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Search indexed documents",
	Long: `Search with both the vector and the keyword index and fuse the rankings.

Examples:
  docsearch query -q "glacier retreat"
  docsearch query -q "solar power" -k 10 --json
  docsearch query -q "castles" --doc history/medieval.md`,
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVarP(&queryText, "query", "q", "", "search query (required)")
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "number of results (default from config)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "output as JSON")
	queryCmd.Flags().StringSliceVar(&queryDocs, "doc", nil, "restrict results to these document ids")
	_ = queryCmd.MarkFlagRequired("query")
}

func runQuery(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cfg.DBPath()); os.IsNotExist(err) {
		return fmt.Errorf("no index found. Run 'docsearch ingest' first")
	}

	a, err := openApp(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Error("Failed to close", zap.Error(err))
		}
	}()

	k := queryTopK
	if k <= 0 {
		k = a.engine.DefaultK()
	}
	res, err := a.engine.Query(cmd.Context(), queryText, k, domain.Filter{DocumentIDs: queryDocs})
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if queryJSON {
		output, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	if res.Degraded {
		paths := make([]string, 0, len(res.Errors))
		for p := range res.Errors {
			paths = append(paths, string(p))
		}
		sort.Strings(paths)
		for _, p := range paths {
			fmt.Printf("Warning: %s search unavailable: %s\n", p, res.Errors[domain.RetrievalPath(p)])
		}
		fmt.Println()
	}
	if len(res.Passages) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	fmt.Printf("Found %d results for: %s\n\n", len(res.Passages), queryText)
	for i, p := range res.Passages {
		fmt.Printf("--- [%d] %s#%d (score: %.3f, %s) ---\n", i+1, p.DocumentID, p.Sequence, p.Score, p.RetrievalPath)
		text := p.Text
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		fmt.Println(text)
		fmt.Println()
	}
	return nil
}
