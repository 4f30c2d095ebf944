package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var schemasCmd = &cobra.Command{
	Use:   "schemas",
	Short: "List available schema versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := loadSchemas()
		if err != nil {
			return err
		}
		for _, v := range registry.Versions() {
			marker := " "
			if v == cfg.Pipeline.SchemaVersion {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, v)
		}
		return nil
	},
}

var schemasShowCmd = &cobra.Command{
	Use:   "show <version>",
	Short: "Print the field spec for a schema version as sent to the model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := loadSchemas()
		if err != nil {
			return err
		}
		sch, err := registry.Lookup(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), sch.PromptSpec())
		return nil
	},
}

func init() {
	schemasCmd.AddCommand(schemasShowCmd)
	rootCmd.AddCommand(schemasCmd)
}
