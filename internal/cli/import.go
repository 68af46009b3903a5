package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import [file.jsonl|-]",
	Short: "Load pre-chunked notes into the chunk store",
	Long: `Reads one JSON chunk per line (class_level, subject, chapter_number, chunk_index,
chunk_text and optionally chapter_title, id and embedding). Chunks without an
embedding are embedded with the configured model. Nothing is written if any line is invalid.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}

		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.Importer.Import(cmd.Context(), r)
		if err != nil {
			return fmt.Errorf("import %s: %w", args[0], err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d chunks across %d chapters (%d embedded)\n",
			green("imported"), stats.Chunks, stats.Chapters, stats.Embedded)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
