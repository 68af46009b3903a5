package cli

import (
	"fmt"

	"github.com/k0kubun/pp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var showConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the merged configuration",
	Long:  `Show the configuration after defaults, config file, COURSETUTOR_* environment and flags are merged. API keys are masked.`,
	Run: func(cmd *cobra.Command, args []string) {
		if file := viper.ConfigFileUsed(); file == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "No config file loaded (using defaults).")
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Config file: %s\n\n", file)
		}

		cfg := getConfig()
		cfg.LLM.APIKeys = maskKeys(cfg.LLM.APIKeys)
		cfg.Embedding.APIKeys = maskKeys(cfg.Embedding.APIKeys)
		if cfg.Embedding.Cache.RedisPassword != "" {
			cfg.Embedding.Cache.RedisPassword = "****"
		}
		pp.Fprintln(cmd.OutOrStdout(), cfg)
	},
}

func maskKeys(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		if len(k) <= 8 {
			out[i] = "****"
			continue
		}
		out[i] = k[:4] + "****" + k[len(k)-4:]
	}
	return out
}

func init() {
	rootCmd.AddCommand(showConfigCmd)
}
