package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docsearch/internal/adapter/cache"
)

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Drop cached embeddings of other model versions",
	Long: `Cached embeddings are keyed by model version, so switching models leaves the
old vectors unreachable. reclaim removes them from the stored cache snapshot.`,
	Args: cobra.NoArgs,
	RunE: runReclaim,
}

func init() {
	rootCmd.AddCommand(reclaimCmd)
}

func runReclaim(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Error("Failed to close", zap.Error(err))
		}
	}()

	current := a.resolver.ModelVersion()
	version, entries, err := cache.SnapshotInfo(a.store.DB())
	if err != nil {
		return err
	}

	removed := a.cache.Reclaim(current)
	if version != "" && version != current {
		removed += entries
	}
	saved, err := a.cache.Save(a.store.DB(), current)
	if err != nil {
		return err
	}
	fmt.Printf("Reclaimed %d stale embeddings; %d cached for %s\n", removed, saved, current)
	return nil
}
