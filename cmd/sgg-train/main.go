// Command sgg-train trains scene graph and captioning models from an
// experiment file and manages the configs and checkpoints they produce.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "sgg-train",
		Short:        "Train scene graph generation and captioning models",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		TrainCommand(),
		ConfigCommand(),
		CheckpointCommand(),
	)
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
