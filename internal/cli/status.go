package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docsearch/internal/domain"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show the ingestion status of one or all documents",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var removeCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a document from both indexes",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(removeCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Error("Failed to close", zap.Error(err))
		}
	}()

	var docs []domain.Document
	if len(args) == 1 {
		doc, err := a.coordinator.Status(args[0])
		if err != nil {
			return err
		}
		docs = []domain.Document{doc}
	} else {
		docs, err = a.coordinator.Documents()
		if err != nil {
			return err
		}
	}

	if statusJSON {
		output, _ := json.MarshalIndent(docs, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	if len(docs) == 0 {
		fmt.Println("No documents indexed.")
		return nil
	}
	for _, d := range docs {
		fmt.Printf("%-8s %s  revision=%d indexed=%d chunks=%d\n",
			d.Status, d.ID, d.Revision, d.IndexedRevision, d.ChunkCount())
		if d.LastError != "" {
			fmt.Printf("         last error: %s\n", d.LastError)
		}
	}
	fmt.Printf("\n%d documents, %d vector entries, %d keyword entries\n",
		len(docs), a.vectors.Len(), a.keywords.Len())
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Error("Failed to close", zap.Error(err))
		}
	}()

	if err := a.coordinator.Remove(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", args[0])
	return nil
}
