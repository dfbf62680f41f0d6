package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docsearch/internal/adapter/analyzer"
	"docsearch/internal/domain"
)

var (
	benchQuery string
	benchTopK  int
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Compare vector, keyword and fused rankings for a query",
	Long: `Run a query through each retrieval path separately and through fusion, and
report latency, overlap and score quality.

Example:
  docsearch bench -q "glacier retreat" -k 10`,
	Args: cobra.NoArgs,
	RunE: runBench,
}

func init() {
	rootCmd.AddCommand(benchCmd)
	benchCmd.Flags().StringVarP(&benchQuery, "query", "q", "", "query to test (required)")
	benchCmd.Flags().IntVarP(&benchTopK, "top-k", "k", 10, "number of results")
	_ = benchCmd.MarkFlagRequired("query")
}

func runBench(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Error("Failed to close", zap.Error(err))
		}
	}()

	normalized := analyzer.Normalize(benchQuery)

	fmt.Println("HYBRID SEARCH BENCHMARK")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("Vector entries:  %d\n", a.vectors.Len())
	fmt.Printf("Keyword entries: %d\n", a.keywords.Len())
	fmt.Printf("Model: %s (%s), dimension %d\n", a.resolver.ModelVersion(), cfg.Embedding.Provider, a.resolver.Dimension())
	fmt.Printf("Query: %q\n", benchQuery)
	fmt.Println(strings.Repeat("-", 70))

	start := time.Now()
	emb, err := a.resolver.ResolveQuery(ctx, normalized)
	if err != nil {
		return fmt.Errorf("embedding error: %w", err)
	}
	embedTime := time.Since(start)

	start = time.Now()
	vecHits, err := a.vectors.Search(ctx, emb.Vector, benchTopK, domain.Filter{})
	if err != nil {
		return fmt.Errorf("vector search error: %w", err)
	}
	vecTime := time.Since(start)

	start = time.Now()
	var kwHits []domain.Hit
	if terms := a.tokenizer.Tokenize(normalized); len(terms) > 0 {
		kwHits, err = a.keywords.Search(ctx, terms, benchTopK, domain.Filter{})
		if err != nil {
			return fmt.Errorf("keyword search error: %w", err)
		}
	}
	kwTime := time.Since(start)

	start = time.Now()
	res, err := a.engine.Query(ctx, benchQuery, benchTopK, domain.Filter{})
	if err != nil {
		return fmt.Errorf("search error: %w", err)
	}
	fusedTime := time.Since(start)

	printHits("Vector", vecHits, vecTime, true)
	printHits("Keyword", kwHits, kwTime, false)

	fmt.Printf("Fused (%s, %s):\n", cfg.Query.Fusion, fusedTime.Round(time.Microsecond))
	byPath := map[domain.RetrievalPath]int{}
	for i, p := range res.Passages {
		byPath[p.RetrievalPath]++
		fmt.Printf("  %2d. [%.3f %-7s] %s#%d\n", i+1, p.Score, p.RetrievalPath, p.DocumentID, p.Sequence)
	}
	fmt.Println()

	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("QUALITY METRICS:\n")
	fmt.Printf("  Query embedding:     %s\n", embedTime.Round(time.Microsecond))
	fmt.Printf("  Path overlap:        %d of top %d\n", overlap(vecHits, kwHits), benchTopK)
	fmt.Printf("  Fused from both:     %d\n", byPath[domain.PathHybrid])
	fmt.Printf("  Fused vector only:   %d\n", byPath[domain.PathVector])
	fmt.Printf("  Fused keyword only:  %d\n", byPath[domain.PathKeyword])
	if len(vecHits) > 0 {
		avg := averageScore(vecHits)
		fmt.Printf("  Average similarity:  %.3f\n", avg)
		switch {
		case avg > 0.5:
			fmt.Println("  Status: GOOD - semantic search working well")
		case avg > 0.3:
			fmt.Println("  Status: OK - results are somewhat related")
		default:
			fmt.Println("  Status: POOR - may need better embeddings or re-indexing")
		}
	}
	return nil
}

func printHits(name string, hits []domain.Hit, took time.Duration, similarity bool) {
	fmt.Printf("%s (%d hits, %s):\n", name, len(hits), took.Round(time.Microsecond))
	for i, h := range hits {
		rating := ""
		if similarity {
			rating = " " + rate(h.Score)
		}
		preview := strings.ReplaceAll(h.Text, "\n", " ")
		if len(preview) > 80 {
			preview = preview[:80] + "..."
		}
		fmt.Printf("  %2d. [%.3f%s] %s#%d  %s\n", i+1, h.Score, rating, h.DocumentID, h.Sequence, preview)
	}
	fmt.Println()
}

func rate(similarity float64) string {
	switch {
	case similarity > 0.7:
		return "HIGH"
	case similarity > 0.5:
		return "GOOD"
	case similarity > 0.3:
		return "OK"
	default:
		return "LOW"
	}
}

func overlap(a, b []domain.Hit) int {
	type key struct {
		doc string
		seq int
	}
	seen := make(map[key]struct{}, len(a))
	for _, h := range a {
		seen[key{h.DocumentID, h.Sequence}] = struct{}{}
	}
	n := 0
	for _, h := range b {
		if _, ok := seen[key{h.DocumentID, h.Sequence}]; ok {
			n++
		}
	}
	return n
}

func averageScore(hits []domain.Hit) float64 {
	total := 0.0
	for _, h := range hits {
		total += h.Score
	}
	return total / float64(len(hits))
}
