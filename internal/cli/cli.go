// Package cli defines the gridci command tree. The commands are thin:
// they translate flags into a Config and an Event and hand off to the
// app package.
package cli

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vk/gridci/internal/app"
	"github.com/vk/gridci/internal/config"
	"github.com/vk/gridci/internal/loader"
	"github.com/vk/gridci/internal/model"
	"github.com/vk/gridci/internal/report"
	"github.com/vk/gridci/internal/run"
	"github.com/vk/gridci/internal/server"
	"github.com/vk/gridci/internal/trigger"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Execute runs the command tree against the given arguments.
func Execute(outW, errW io.Writer, args []string) error {
	cmd := newRootCmd(errW)
	cmd.SetOut(outW)
	cmd.SetErr(errW)
	cmd.SetArgs(args)
	return cmd.Execute()
}

// logW is where the App's structured logs go; command output (reports,
// validation messages) goes to the command's own out stream.
func newRootCmd(logW io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gridci",
		Short:         "GridCI runs declarative CI/CD pipelines as dependency graphs",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	persistent := cmd.PersistentFlags()
	persistent.String("config", "", "path to a gridci config file")
	persistent.StringP("pipeline", "p", ".", "pipeline .hcl file or directory")
	persistent.String("log-level", "", "override log level (debug|info|warn|error)")
	persistent.String("log-format", "", "override log format (text|json)")
	persistent.Int("workers", 0, "override the job worker count")

	cmd.AddCommand(newRunCmd(logW))
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newServeCmd(logW))

	return cmd
}

func newRunCmd(logW io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the pipeline once and report the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(cmd, logW)
		},
	}
	flags := cmd.Flags()
	flags.String("event", "", "path to a YAML trigger event file")
	flags.String("kind", "manual", "trigger kind when no event file is given (push|pull_request|manual)")
	flags.String("ref", "", "trigger ref when no event file is given")
	flags.String("format", "pretty", "report format (pretty|json)")
	return cmd
}

func runExecute(cmd *cobra.Command, logW io.Writer) error {
	cfg, pipeline, err := loadConfigAndPipeline(cmd)
	if err != nil {
		return err
	}

	ev, err := loadEvent(cmd)
	if err != nil {
		return err
	}

	a, err := app.New(logW, cfg, pipeline)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := a.ExecuteRun(ctx, ev)
	if err != nil {
		return err
	}

	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "pretty":
		if err := report.NewPretty(cmd.OutOrStdout()).Render(result); err != nil {
			return err
		}
	case "json":
		if err := report.NewJSON(cmd.OutOrStdout()).Render(result); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported format %q", format)
	}

	switch result.Result {
	case run.ResultFailed:
		return &ExitError{Code: 1, Message: "run failed"}
	case run.ResultCancelled:
		return &ExitError{Code: 130, Message: "run cancelled"}
	}
	return nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the pipeline definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("pipeline")
			pipeline, err := loader.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pipeline %q is valid: %d job(s)\n",
				pipeline.Name, len(pipeline.Jobs))
			return nil
		},
	}
}

func newServeCmd(logW io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP trigger and reporting API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, pipeline, err := loadConfigAndPipeline(cmd)
			if err != nil {
				return err
			}

			a, err := app.New(logW, cfg, pipeline)
			if err != nil {
				return err
			}

			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = cfg.Server.Addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.Logger().Info("Serving HTTP API.", "addr", addr, "pipeline", pipeline.Name)
			return server.New(a, addr).ListenAndServe(ctx)
		},
	}
	cmd.Flags().String("addr", "", "listen address (defaults to server.addr from config)")
	return cmd
}

func loadConfigAndPipeline(cmd *cobra.Command) (*config.Config, *model.Pipeline, error) {
	flags := cmd.Flags()

	cfgPath, _ := flags.GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}

	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}
	if flags.Changed("workers") {
		cfg.Workers, _ = flags.GetInt("workers")
	}

	path, _ := flags.GetString("pipeline")
	pipeline, err := loader.Load(path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pipeline, nil
}

func loadEvent(cmd *cobra.Command) (trigger.Event, error) {
	flags := cmd.Flags()
	if path, _ := flags.GetString("event"); path != "" {
		return trigger.Load(path)
	}
	kind, _ := flags.GetString("kind")
	ref, _ := flags.GetString("ref")
	ev := trigger.Event{Kind: trigger.Kind(kind), Ref: ref}
	if err := ev.Normalize(); err != nil {
		return trigger.Event{}, err
	}
	return ev, nil
}
