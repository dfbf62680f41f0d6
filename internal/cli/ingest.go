package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docsearch/internal/adapter/fs"
	"docsearch/internal/domain"
	"docsearch/internal/usecase"
)

var (
	ingestWatch bool
	ingestPrune bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [path]",
	Short: "Index the documents of a directory",
	Long: `Index every matching file in the directory. Files whose revision (modification
time) is already indexed are skipped. With --watch, changes are applied as they
happen until interrupted.

Examples:
  docsearch ingest .
  docsearch ingest ./notes --prune
  docsearch ingest ./notes --watch`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().BoolVarP(&ingestWatch, "watch", "w", false, "keep watching the directory for changes")
	ingestCmd.Flags().BoolVar(&ingestPrune, "prune", false, "remove indexed documents that no longer exist")
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := rootDir
	if len(args) > 0 {
		var err error
		path, err = filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("invalid path: %w", err)
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("path does not exist: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Error("Failed to close", zap.Error(err))
		}
	}()

	source, err := fs.NewDirectorySource(path, cfg.Source.Includes, cfg.Source.Excludes, cfg.Source.MaxFileBytes, log.Named("source"))
	if err != nil {
		return err
	}
	syncUC := usecase.NewSyncUseCase(source, a.coordinator, log.Named("sync"))

	fmt.Printf("Scanning %s...\n", path)

	var (
		bar       *progressbar.ProgressBar
		startTime time.Time
		done      int
	)
	result, err := syncUC.Sync(ctx, usecase.SyncOptions{
		Prune: ingestPrune,
		Planned: func(total int) {
			startTime = time.Now()
			if total > 0 {
				bar = newProgressBar(total)
			}
		},
		Progress: func(domain.IngestResult) {
			done++
			if bar == nil {
				return
			}
			_ = bar.Set(done)
			if elapsed := time.Since(startTime); elapsed > 0 {
				rate := float64(done) / elapsed.Seconds()
				remaining := bar.GetMax() - done
				if rate > 0 {
					eta := time.Duration(float64(remaining)/rate) * time.Second
					bar.Describe(fmt.Sprintf("[cyan]Indexing[reset] ETA: %s", formatDuration(eta)))
				}
			}
		},
	})
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	fmt.Printf("\nIngestion complete:\n")
	fmt.Printf("  Documents indexed:  %d\n", result.Indexed)
	fmt.Printf("  Documents skipped:  %d (unchanged)\n", result.Skipped+result.Unchanged)
	fmt.Printf("  Documents removed:  %d\n", result.Removed)
	fmt.Printf("  Documents failed:   %d\n", result.Failed)
	fmt.Printf("  Passages indexed:   %d\n", a.vectors.Len())
	if len(result.Errors) > 0 {
		fmt.Printf("\nWarnings:\n")
		for _, e := range result.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
	fmt.Printf("\nIndex stored at: %s\n", cfg.DBPath())

	if !ingestWatch {
		return nil
	}
	return watch(ctx, a, source, syncUC)
}

func watch(ctx context.Context, a *app, source *fs.DirectorySource, syncUC *usecase.SyncUseCase) error {
	changes, err := source.Watch(ctx, cfg.Source.WatchDebounce.Std())
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", source.Root(), err)
	}
	go a.cache.RunReclaimer(ctx, cfg.Cache.ReclaimInterval.Std(), a.resolver.ModelVersion())

	fmt.Printf("\nWatching %s for changes (Ctrl+C to stop)...\n", source.Root())
	for change := range changes {
		if err := syncUC.Apply(ctx, change.ID, change.Deleted); err != nil {
			log.Warn("Failed to apply change",
				zap.String("doc_id", change.ID),
				zap.Bool("deleted", change.Deleted),
				zap.Error(err),
			)
			continue
		}
		if change.Deleted {
			fmt.Printf("  removed  %s\n", change.ID)
		} else {
			fmt.Printf("  indexed  %s\n", change.ID)
		}
	}
	return nil
}

func newProgressBar(total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("[cyan]Indexing[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Println()
		}),
	)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
