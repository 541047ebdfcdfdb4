package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	pkgerrors "github.com/socialgouv/fcpd-server/pkg/errors"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, pkgerrors.UserMessage(err))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "fcpd",
		Short:         "Bridge between a CAD host and Pure-Data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCommand())

	client := &clientOptions{}
	client.bindFlags(root.PersistentFlags())
	root.AddCommand(
		newLaunchCommand(client),
		newRunCommand(client),
		newStopCommand(client),
		newStatusCommand(client),
		newSaveCommand(client),
		newIncludeCommand(client),
	)

	return root
}
