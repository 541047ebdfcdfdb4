package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/socialgouv/fcpd-server/pkg/config"
	"github.com/socialgouv/fcpd-server/pkg/http"
	"github.com/socialgouv/fcpd-server/pkg/logger"
)

const defaultClientTimeout = 30 * time.Second

type clientOptions struct {
	address  string
	timeout  time.Duration
	logLevel string
}

func (o *clientOptions) bindFlags(fs *pflag.FlagSet) {
	address := config.DefaultConfig().ControlAddress
	if env := os.Getenv(config.EnvPrefix + "_CONTROL_ADDRESS"); env != "" {
		address = env
	}
	fs.StringVar(&o.address, "addr", address, "Control API address of a running bridge")
	fs.DurationVar(&o.timeout, "timeout", defaultClientTimeout, "Timeout of control API calls")
	fs.StringVar(&o.logLevel, "client-log-level", "warn", "Log level of the client commands")
}

func (o *clientOptions) client() *http.Client {
	log := logger.NewLogrusLoggerWithOutput(o.logLevel, "text", os.Stderr)
	return http.NewClient(o.address, o.timeout, log)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(cmd *cobra.Command, status *http.StatusResponse) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "state:    %s\n", status.State)
	if status.Address != "" {
		fmt.Fprintf(out, "address:  %s\n", status.Address)
	}
	if status.Child != nil {
		fmt.Fprintf(out, "pid:      %d\n", status.Child.PID)
	}
	fmt.Fprintf(out, "document: %s\n", status.Document)
	for _, name := range status.Editing {
		fmt.Fprintf(out, "editing:  %s\n", name)
	}
	return nil
}

func statusCommand(use, short string, opts *clientOptions, call func(*http.Client, context.Context) (*http.StatusResponse, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := call(opts.client(), cmd.Context())
			if err != nil {
				return err
			}
			return printStatus(cmd, status)
		},
	}
}

func newLaunchCommand(opts *clientOptions) *cobra.Command {
	return statusCommand("launch", "Launch Pure-Data", opts, (*http.Client).Launch)
}

func newRunCommand(opts *clientOptions) *cobra.Command {
	return statusCommand("run", "Run the Pure-Data server without launching Pure-Data", opts, (*http.Client).Run)
}

func newStopCommand(opts *clientOptions) *cobra.Command {
	return statusCommand("stop", "Stop the Pure-Data server", opts, (*http.Client).Stop)
}

func newStatusCommand(opts *clientOptions) *cobra.Command {
	return statusCommand("status", "Show the bridge state", opts, (*http.Client).Status)
}

func newSaveCommand(opts *clientOptions) *cobra.Command {
	return statusCommand("save", "Save the document", opts, (*http.Client).Save)
}

func newIncludeCommand(opts *clientOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "include",
		Aliases: []string{"includes"},
		Short:   "Manage the PDInclude objects of the document",
	}

	cmd.AddCommand(
		newIncludeCreateCommand(opts),
		newIncludeListCommand(opts),
		newIncludeGetCommand(opts),
		newIncludeEditCommand(opts),
		newIncludeDeleteCommand(opts),
	)
	return cmd
}

func newIncludeCreateCommand(opts *clientOptions) *cobra.Command {
	var (
		file   string
		stdin  bool
		remote string
	)

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a PDInclude object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := http.CreateIncludeRequest{Name: args[0], Path: remote}
			switch {
			case remote != "":
				// read by the bridge
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				req.Data = data
			case stdin:
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				req.Data = data
			default:
				req.Empty = true
			}

			inc, err := opts.client().CreateInclude(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%d bytes)\n", inc.Name, len(inc.Data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the patch from a local file")
	cmd.Flags().BoolVar(&stdin, "stdin", false, "Read the patch from standard input")
	cmd.Flags().StringVar(&remote, "import", "", "Have the bridge import a patch file from its own filesystem")
	cmd.MarkFlagsMutuallyExclusive("file", "stdin", "import")
	return cmd
}

func newIncludeListCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the PDInclude objects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			includes, err := opts.client().ListIncludes(cmd.Context())
			if err != nil {
				return err
			}
			for _, inc := range includes {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", inc.Name, inc.Size, inc.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newIncludeGetCommand(opts *clientOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Print the patch of a PDInclude object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inc, err := opts.client().GetInclude(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), inc)
			}
			_, err = cmd.OutOrStdout().Write(inc.Data)
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the include as JSON")
	return cmd
}

func newIncludeEditCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "edit NAME",
		Short: "Open a PDInclude object in Pure-Data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.client().EditInclude(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "editing %s in %s\n", args[0], path)
			return nil
		},
	}
}

func newIncludeDeleteCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a PDInclude object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.client().DeleteInclude(cmd.Context(), args[0])
		},
	}
}
