package main

import (
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/StagePipe/internal/schema"
	"github.com/spf13/cobra"
)

func newValidateCommand(cfg *appConfig) *cobra.Command {
	return &cobra.Command{
		Use:     "validate [config]",
		Short:   "Validate an agent configuration and print its summary",
		Example: "  StagePipe validate configs/default.json",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfg.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(cmd, path)
		},
	}
}

func runValidate(cmd *cobra.Command, path string) error {
	agent, err := schema.Load(path)
	if err != nil {
		return fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	out, err := json.MarshalIndent(schema.Summarize(agent), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
