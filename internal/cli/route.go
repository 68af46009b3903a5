package cli

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var routeFlags struct {
	classLevel int
	subject    string
}

var routeCmd = &cobra.Command{
	Use:   "route [question]",
	Short: "Show which chapters a question is routed to",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		scope, err := a.Router.Route(cmd.Context(), strings.Join(args, " "), routeFlags.classLevel, routeFlags.subject)
		if err != nil {
			logger.Warn("classifier failed, showing lexical ranking", zap.Error(err))
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(scope)
	},
}

func init() {
	routeCmd.Flags().IntVar(&routeFlags.classLevel, "class", 9, "class level")
	routeCmd.Flags().StringVar(&routeFlags.subject, "subject", "Physics", "subject name")
	rootCmd.AddCommand(routeCmd)
}
