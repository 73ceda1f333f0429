// Package cli is the groupd command tree
package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/rolegroup/internal/config"
)

// ExitError carries the process exit status of a command
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps a command error to a process exit status
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

type globalOptions struct {
	configPath string
	debug      bool
}

func (o *globalOptions) logger() (*zap.Logger, error) {
	if o.debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func (o *globalOptions) loader(logger *zap.Logger) *config.Loader {
	return config.NewLoader(o.configPath, logger)
}

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "groupd",
		Short:         "Run and control a supervised group of role processes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to the configuration file (default: groupd.yaml in ., ./config, /etc/groupd).")
	flags.BoolVar(&opts.debug, "debug", false, "Enable development logging.")

	root.AddCommand(
		runCmd(opts),
		controlCmd(opts, "pause", "Pause the group: running roles continue, restarts wait."),
		controlCmd(opts, "resume", "Resume a paused group or revive exhausted roles."),
		controlCmd(opts, "stop", "Stop the group: abort every role and wait for it to drain."),
		statusCmd(opts),
		historyCmd(opts),
	)
	return root
}

// Execute runs the command tree with the process arguments
func Execute() error {
	root := NewRootCommand()
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	}
	return err
}
