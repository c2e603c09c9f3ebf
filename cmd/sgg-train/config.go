package main

import (
	"github.com/spf13/cobra"

	"github.com/yizhe-ang/MMSceneGraph/config"
)

func ConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect experiment files",
	}
	cmd.AddCommand(configDumpCommand())
	return cmd
}

func configDumpCommand() *cobra.Command {
	var path, out string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print an experiment with defaults and environment overrides applied",
		RunE: func(cmd *cobra.Command, _ []string) error {
			exp, err := config.FromFile(path)
			if err != nil {
				return err
			}
			if out != "" {
				return config.DumpFile(exp, out)
			}
			return config.Dump(exp, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&path, "config", "", "experiment file")
	cmd.Flags().StringVar(&out, "out", "", "write to this file instead of stdout")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}
