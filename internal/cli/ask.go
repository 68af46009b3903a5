package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/k0kubun/pp"
	"github.com/spf13/cobra"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
)

var askFlags struct {
	classLevel int
	subject    string
	language   string
	sessionID  string
	jsonOut    bool
	debug      bool
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask one question from the terminal",
	Long: `Runs the full pipeline (rewrite, route, retrieve, answer) once.
Pass --session to continue a conversation; turns are kept in the session store.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		resp, trace, err := a.Pipeline.AskWithTrace(cmd.Context(), entities.QuestionRequest{
			SessionID:  askFlags.sessionID,
			Query:      strings.Join(args, " "),
			ClassLevel: askFlags.classLevel,
			Subject:    askFlags.subject,
			Language:   askFlags.language,
		})
		if askFlags.debug && trace != nil {
			pp.Fprintln(os.Stderr, trace)
		}
		if err != nil {
			return err
		}

		if askFlags.jsonOut {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		}
		printAnswer(cmd, resp)
		return nil
	},
}

func printAnswer(cmd *cobra.Command, resp *entities.QuestionResponse) {
	out := cmd.OutOrStdout()
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()

	if resp.RevisedQuery != "" {
		fmt.Fprintf(out, "%s %s\n\n", faint("searched for:"), faint(resp.RevisedQuery))
	}
	fmt.Fprintln(out, bold(resp.Answer))
	if resp.Explanation != "" {
		fmt.Fprintf(out, "\n%s\n", resp.Explanation)
	}

	if len(resp.Sources) > 0 {
		fmt.Fprintf(out, "\n%s\n", bold("Sources"))
		for _, s := range resp.Sources {
			fmt.Fprintf(out, "  %s %s %s\n", green(fmt.Sprintf("ch.%d", s.Chapter)), s.Title, faint(fmt.Sprintf("(%.2f)", s.Relevance)))
			fmt.Fprintf(out, "     %s\n", faint(s.Snippet))
		}
	}

	conf := fmt.Sprintf("confidence %.2f", resp.Confidence)
	if resp.LowConfidence {
		conf = yellow(conf + " (low)")
	} else {
		conf = green(conf)
	}
	if !resp.Grounded {
		conf += yellow(", not from your textbook")
	}
	fmt.Fprintf(out, "\n%s\n", conf)
}

func init() {
	askCmd.Flags().IntVar(&askFlags.classLevel, "class", 9, "class level (9, 10, 11)")
	askCmd.Flags().StringVar(&askFlags.subject, "subject", "Physics", "subject name")
	askCmd.Flags().StringVar(&askFlags.language, "lang", "en", "answer language (en, ur, ur-roman)")
	askCmd.Flags().StringVar(&askFlags.sessionID, "session", "", "session id to continue")
	askCmd.Flags().BoolVar(&askFlags.jsonOut, "json", false, "print the response as JSON")
	askCmd.Flags().BoolVar(&askFlags.debug, "debug", false, "dump the stage trace to stderr")
	rootCmd.AddCommand(askCmd)
}
