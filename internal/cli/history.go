package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/t77yq/rolegroup/internal/model"
	"github.com/t77yq/rolegroup/internal/storage"
)

type historyOptions struct {
	group  string
	all    bool
	limit  int
	offset int
	json   bool
}

func historyCmd(opts *globalOptions) *cobra.Command {
	hopts := &historyOptions{}
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List finished group runs, or show one run with its role exits.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := opts.logger()
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer logger.Sync()

			cfg, err := opts.loader(logger).Load()
			if err != nil {
				return err
			}
			history, err := storage.NewSQLiteHistory(logger, cfg.History.Path)
			if err != nil {
				return fmt.Errorf("failed to open history: %w", err)
			}
			defer history.Close()

			ctx := context.Background()
			if len(args) == 1 {
				return showRun(ctx, cmd.OutOrStdout(), history, args[0])
			}

			group := hopts.group
			if group == "" && !hopts.all {
				group = cfg.Group.Name
			}
			runs, err := history.ListRuns(ctx, group, hopts.offset, hopts.limit)
			if err != nil {
				return err
			}
			if hopts.json {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&hopts.group, "group", "g", "", "Group to list (default: group.name from the configuration).")
	flags.BoolVar(&hopts.all, "all", false, "List runs of every group.")
	flags.IntVar(&hopts.limit, "limit", 20, "Maximum number of runs to list.")
	flags.IntVar(&hopts.offset, "offset", 0, "Number of runs to skip.")
	flags.BoolVar(&hopts.json, "json", false, "Print runs as JSON.")
	return cmd
}

func printRuns(w io.Writer, runs []*model.GroupRun) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tGROUP\tSTOPPED\tSECONDS\tROLES\tFAULTED")
	for _, run := range runs {
		var faulted []string
		for role, value := range run.Completed {
			if value.Faulted() {
				faulted = append(faulted, role)
			}
		}
		sort.Strings(faulted)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f\t%s\t%s\n",
			run.ID,
			run.Group,
			run.Stopped.Local().Format(time.RFC3339),
			run.Seconds,
			strings.Join(run.Roles, ","),
			strings.Join(faulted, ","))
	}
	return tw.Flush()
}

func showRun(ctx context.Context, w io.Writer, history storage.RunHistory, id string) error {
	run, err := history.GetRun(ctx, id)
	if err != nil {
		return err
	}
	exits, err := history.ListExits(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(w, struct {
		*model.GroupRun
		Exits []*model.RoleExit `json:"exits"`
	}{run, exits})
}
