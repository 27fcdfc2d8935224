package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glimte/stagerelay"
	"github.com/glimte/stagerelay/config"
	"github.com/glimte/stagerelay/internal/store"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configFile string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "stagerelay",
		Short: "Run multi-stage messaging workflows over a durable bus",
		Long: `stagerelay advances workflow runs stage by stage. The router consumes stage
envelopes, the publisher drains the outbox onto the bus, the webhook turns
inbound replies into RESUME envelopes and the sweeper reports stalled stages.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Path to a YAML config file (default ./stagerelay.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		componentCommand(opts, "router", "Consume stage envelopes and execute stages", (*stagerelay.Runtime).RunRouter),
		componentCommand(opts, "publisher", "Publish outbox entries to the bus", (*stagerelay.Runtime).RunPublisher),
		componentCommand(opts, "webhook", "Serve the inbound reply webhook", (*stagerelay.Runtime).RunWebhook),
		componentCommand(opts, "sweeper", "Report stages that stopped moving", (*stagerelay.Runtime).RunSweeper),
		componentCommand(opts, "serve", "Run every component in one process", (*stagerelay.Runtime).Serve),
		newMigrateCommand(opts),
		newValidateCommand(opts),
		newWorkflowCommand(opts),
		newRunCommand(opts),
	)
	return rootCmd
}

// open loads the configuration and opens the runtime the command runs on
func open(ctx context.Context, opts *rootOptions) (*stagerelay.Runtime, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, err
	}
	if opts.verbose {
		cfg.Log.Level = "debug"
	}

	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	return stagerelay.Open(ctx, cfg, stagerelay.WithLogger(logger))
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func componentCommand(opts *rootOptions, name, short string, run func(*stagerelay.Runtime, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			rt, err := open(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			return run(rt, ctx)
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create missing tables and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := open(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check every stored workflow step against the registered integrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := open(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			// always strict here: the command exists to surface failures
			rt.Config().Router.StrictIntegrations = true
			if err := rt.ValidateWorkflows(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all workflows are valid")
			return nil
		},
	}
}

// workflowFile is the authoring format accepted by "workflow create"
type workflowFile struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Steps []struct {
		Integration string         `json:"integration"`
		Config      map[string]any `json:"config,omitempty"`
	} `json:"steps"`
}

func (f workflowFile) toWorkflow() *store.Workflow {
	wf := &store.Workflow{ID: f.ID, Name: f.Name}
	for i, s := range f.Steps {
		wf.Steps = append(wf.Steps, store.Step{Index: i, Integration: s.Integration, Config: s.Config})
	}
	return wf
}

func newWorkflowCommand(opts *rootOptions) *cobra.Command {
	workflowCmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflow definitions",
	}

	var file string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Store a workflow read from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read workflow file: %w", err)
			}
			var wf workflowFile
			if err := json.Unmarshal(data, &wf); err != nil {
				return fmt.Errorf("failed to parse workflow file: %w", err)
			}

			ctx := cmd.Context()
			rt, err := open(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			created := wf.toWorkflow()
			if err := rt.CreateWorkflow(ctx, created); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		},
	}
	createCmd.Flags().StringVarP(&file, "file", "f", "", "Workflow definition (JSON)")
	_ = createCmd.MarkFlagRequired("file")

	workflowCmd.AddCommand(createCmd)
	return workflowCmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Manage workflow runs",
	}

	var (
		workflowID string
		meta       string
	)
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a run and queue its first stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var runMeta map[string]any
			if meta != "" {
				if err := json.Unmarshal([]byte(meta), &runMeta); err != nil {
					return fmt.Errorf("invalid --meta: %w", err)
				}
			}

			ctx := cmd.Context()
			rt, err := open(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			run, err := rt.StartRun(ctx, workflowID, runMeta)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), run.ID)
			return nil
		},
	}
	startCmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "Workflow id")
	startCmd.Flags().StringVarP(&meta, "meta", "m", "", `Run meta as a JSON object, e.g. '{"email":"jane@example.com"}'`)
	_ = startCmd.MarkFlagRequired("workflow")

	runCmd.AddCommand(startCmd)
	return runCmd
}
