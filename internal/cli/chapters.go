package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/0xcro3dile/coursetutor-go/internal/adapters/catalog"
)

var chaptersFlags struct {
	classLevel int
	subject    string
}

var chaptersCmd = &cobra.Command{
	Use:   "chapters",
	Short: "List the curriculum",
	Long: `Without --subject, lists every loaded (class, subject) table.
With --class and --subject, lists that table's chapters and topics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := catalog.New(getConfig().Catalog.Path, logger)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		defer w.Flush()

		if chaptersFlags.subject == "" {
			fmt.Fprintln(w, "CLASS\tSUBJECT\tCHAPTERS")
			for _, s := range cat.Subjects() {
				fmt.Fprintf(w, "%d\t%s\t%d\n", s.ClassLevel, s.Subject, s.Chapters)
			}
			return nil
		}

		chapters := cat.Chapters(chaptersFlags.classLevel, chaptersFlags.subject)
		if len(chapters) == 0 {
			return fmt.Errorf("no chapters for class %d %s", chaptersFlags.classLevel, chaptersFlags.subject)
		}
		num := color.New(color.FgCyan).SprintFunc()
		for _, ch := range chapters {
			fmt.Fprintf(w, "%s\t%s\t%s\n", num(ch.Number), ch.Title, strings.Join(ch.Topics, ", "))
		}
		return nil
	},
}

func init() {
	chaptersCmd.Flags().IntVar(&chaptersFlags.classLevel, "class", 9, "class level")
	chaptersCmd.Flags().StringVar(&chaptersFlags.subject, "subject", "", "subject name")
	rootCmd.AddCommand(chaptersCmd)
}
