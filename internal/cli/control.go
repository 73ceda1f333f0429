package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/rolegroup/internal/control"
)

type remoteOptions struct {
	group   string
	timeout time.Duration
}

func (r *remoteOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&r.group, "group", "g", "", "Group to address (default: group.name from the configuration).")
	cmd.Flags().DurationVar(&r.timeout, "timeout", 10*time.Second, "How long to wait for the group to answer.")
}

// withClient connects to NATS as configured and calls fn with a command client
func withClient(opts *globalOptions, remote *remoteOptions, fn func(ctx context.Context, client *control.Client, group string) error) error {
	logger, err := opts.logger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := opts.loader(logger).Load()
	if err != nil {
		return err
	}
	name := remote.group
	if name == "" {
		name = cfg.Group.Name
	}

	nc, err := control.Connect(cfg.NATS, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	logger.Debug("Sending command", zap.String("group", name))
	return fn(context.Background(), control.NewClient(nc, remote.timeout), name)
}

func controlCmd(opts *globalOptions, action, short string) *cobra.Command {
	remote := &remoteOptions{}
	cmd := &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, remote, func(ctx context.Context, client *control.Client, group string) error {
				if _, err := client.Send(ctx, group, action); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s sent\n", group, action)
				return nil
			})
		},
	}
	remote.bind(cmd)
	return cmd
}

func statusCmd(opts *globalOptions) *cobra.Command {
	remote := &remoteOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running group.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, remote, func(ctx context.Context, client *control.Client, group string) error {
				status, err := client.Status(ctx, group)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}
	remote.bind(cmd)
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}
