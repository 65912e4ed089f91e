package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the model catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Available models:")
		for i, m := range cfg.LLM.Models {
			suffix := ""
			if m.Restricted {
				suffix = " (restricted)"
			}
			fmt.Fprintf(out, "%d.%s%s\n", i+1, m.Name, suffix)
		}
		fmt.Fprintf(out, "Tool model: %s\n", cfg.LLM.ToolModelName())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
