package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/yizhe-ang/MMSceneGraph/checkpoints"
)

func CheckpointCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoint",
		Aliases: []string{"ckpt"},
		Short:   "Inspect and rewrite checkpoints",
	}
	cmd.AddCommand(
		checkpointInspectCommand(),
		checkpointConvertCommand(),
		checkpointRemapCommand(),
	)
	return cmd
}

func checkpointInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <path>",
		Short: "Print a checkpoint's metadata and tensor names",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := checkpoints.Inspect(args[0])
			if err != nil {
				return err
			}
			return s.Write(cmd.OutOrStdout())
		},
	}
}

func checkpointConvertCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "convert <src> <dst>",
		Short: "Rewrite a checkpoint in the format implied by dst's extension",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkpoints.Convert(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[1])
			return nil
		},
	}
}

func checkpointRemapCommand() *cobra.Command {
	var align map[string]string
	cmd := &cobra.Command{
		Use:   "remap <src> <dst>",
		Short: "Copy stored weights under new module prefixes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(align) == 0 {
				return errors.New("remap needs at least one --align dst=src pair")
			}
			if err := checkpoints.Remap(args[0], args[1], align); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[1])
			return nil
		},
	}
	cmd.Flags().StringToStringVar(&align, "align", nil, "new=stored module prefix pair, repeatable")
	return cmd
}
