package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/assent/internal/approval"
	"github.com/pitabwire/assent/internal/observability"
	"github.com/pitabwire/assent/internal/workflow"
	"github.com/pitabwire/assent/model"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// committed drops delivery failures: the transition is stored and the
// service has already logged and counted the failure.
func committed(err error) error {
	var de *approval.DeliveryError
	if errors.As(err, &de) {
		return nil
	}
	return err
}

func newTemplatesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage workflow templates",
	}

	var actor string
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Load definition files and register or publish changed templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, false, func(ctx context.Context, a *app) error {
				if actor == "" {
					actor = a.cfg.Definitions.SyncActor
				}
				results, err := a.service.SyncDefinitions(ctx, a.cfg.Definitions.Directories, actor)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), results)
			})
		},
	}
	syncCmd.Flags().StringVar(&actor, "actor", "", "actor recorded as the template author")

	var appliesTo string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every template version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, true, func(ctx context.Context, a *app) error {
				templates, err := a.registry.List(ctx, appliesTo)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), templates)
			})
		},
	}
	listCmd.Flags().StringVar(&appliesTo, "applies-to", "", "only templates for this entity kind")

	var showVersion int
	showCmd := &cobra.Command{
		Use:   "show CODE",
		Short: "Show a template version, the latest active one by default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, true, func(ctx context.Context, a *app) error {
				tmpl, err := a.registry.Resolve(ctx, args[0], showVersion)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), tmpl)
			})
		},
	}
	showCmd.Flags().IntVar(&showVersion, "version", 0, "template version")

	var toggleVersion int
	setActive := func(active bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, true, func(ctx context.Context, a *app) error {
				if active {
					return a.registry.Activate(ctx, args[0], toggleVersion)
				}
				return a.registry.Deactivate(ctx, args[0], toggleVersion)
			})
		}
	}
	activateCmd := &cobra.Command{
		Use:   "activate CODE",
		Short: "Make a template version selectable for new instances",
		Args:  cobra.ExactArgs(1),
		RunE:  setActive(true),
	}
	deactivateCmd := &cobra.Command{
		Use:   "deactivate CODE",
		Short: "Stop new instances from using a template version",
		Args:  cobra.ExactArgs(1),
		RunE:  setActive(false),
	}
	for _, c := range []*cobra.Command{activateCmd, deactivateCmd} {
		c.Flags().IntVar(&toggleVersion, "version", 0, "template version")
		_ = c.MarkFlagRequired("version")
	}

	cmd.AddCommand(syncCmd, listCmd, showCmd, activateCmd, deactivateCmd)
	return cmd
}

func newInstancesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "Start, inspect and cancel workflow instances",
	}

	var create workflow.CreateRequest
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Start a workflow for a target record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, true, func(ctx context.Context, a *app) error {
				res, err := a.service.Create(ctx, create)
				if err := committed(err); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	createCmd.Flags().StringVar(&create.TemplateCode, "template", "", "template code")
	createCmd.Flags().IntVar(&create.TemplateVersion, "template-version", 0, "pin a template version")
	createCmd.Flags().StringVar(&create.Target.EntityKind, "entity-kind", "", "kind of the record under approval")
	createCmd.Flags().StringVar(&create.Target.EntityID, "entity-id", "", "ID of the record under approval")
	createCmd.Flags().StringVar(&create.InitiatedBy, "by", "", "initiating actor")
	createCmd.Flags().StringVar(&create.Notes, "notes", "", "free-form notes")
	for _, f := range []string{"template", "entity-kind", "entity-id", "by"} {
		_ = createCmd.MarkFlagRequired(f)
	}

	getCmd := &cobra.Command{
		Use:   "get ID",
		Short: "Show one instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, true, func(ctx context.Context, a *app) error {
				inst, err := a.service.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), inst)
			})
		},
	}

	var target model.TargetRef
	activeCmd := &cobra.Command{
		Use:   "active",
		Short: "Show the pending or in-progress instance of a target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, true, func(ctx context.Context, a *app) error {
				inst, err := a.service.ActiveForTarget(ctx, target)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), inst)
			})
		},
	}
	activeCmd.Flags().StringVar(&target.EntityKind, "entity-kind", "", "kind of the record under approval")
	activeCmd.Flags().StringVar(&target.EntityID, "entity-id", "", "ID of the record under approval")
	_ = activeCmd.MarkFlagRequired("entity-kind")
	_ = activeCmd.MarkFlagRequired("entity-id")

	var filters model.InstanceFilters
	var status string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List instances, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, true, func(ctx context.Context, a *app) error {
				filters.Status = model.Status(status)
				if status != "" && !filters.Status.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
				instances, err := a.service.ListInstances(ctx, filters)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), instances)
			})
		},
	}
	listCmd.Flags().StringVar(&filters.TemplateCode, "template", "", "only instances of this template code")
	listCmd.Flags().StringVar(&filters.EntityKind, "entity-kind", "", "only instances for this entity kind")
	listCmd.Flags().StringVar(&status, "status", "", "only instances in this status")
	listCmd.Flags().IntVar(&filters.Limit, "limit", 50, "maximum number of instances")
	listCmd.Flags().IntVar(&filters.Offset, "offset", 0, "instances to skip")

	var cancelBy, reason string
	cancelCmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel an active instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, true, func(ctx context.Context, a *app) error {
				res, err := a.service.CancelInstance(ctx, args[0], cancelBy, reason)
				if err := committed(err); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cancelCmd.Flags().StringVar(&cancelBy, "by", "", "cancelling actor")
	cancelCmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	_ = cancelCmd.MarkFlagRequired("by")

	cmd.AddCommand(createCmd, getCmd, activeCmd, listCmd, cancelCmd)
	return cmd
}

func newActionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Record approver decisions",
	}

	var req workflow.ActionRequest
	var decision string
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Approve, reject or delegate the current step",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, true, func(ctx context.Context, a *app) error {
				req.Decision = model.Decision(decision)
				res, err := a.service.SubmitAction(ctx, req)
				if err := committed(err); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	submitCmd.Flags().StringVar(&req.InstanceID, "instance", "", "instance ID")
	submitCmd.Flags().IntVar(&req.StepOrder, "step", 0, "step order the decision applies to")
	submitCmd.Flags().StringVar(&req.Actor, "actor", "", "acting user")
	submitCmd.Flags().StringVar(&decision, "decision", "", "approve, reject or delegate")
	submitCmd.Flags().StringVar(&req.DelegateTo, "delegate-to", "", "assignee for a delegate decision")
	submitCmd.Flags().StringVar(&req.Comment, "comment", "", "comment recorded in the ledger")
	submitCmd.Flags().StringVar(&req.IPAddress, "ip-address", "", "client address recorded in the ledger")
	for _, f := range []string{"instance", "step", "actor", "decision"} {
		_ = submitCmd.MarkFlagRequired(f)
	}

	cmd.AddCommand(submitCmd)
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var audit bool
	cmd := &cobra.Command{
		Use:   "history ID",
		Short: "Show the approval ledger of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, true, func(ctx context.Context, a *app) error {
				if audit {
					entries, err := a.service.AuditTrail(ctx, args[0])
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), entries)
				}
				actions, err := a.service.GetHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), actions)
			})
		},
	}
	cmd.Flags().BoolVar(&audit, "audit", false, "render step names and RFC 3339 timestamps")
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Keep definitions and roles in sync and serve health, readiness and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "assent", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("initialization failed", zap.Error(err))
		return err
	}
	defer a.close()

	if _, err := a.syncDefinitions(ctx); err != nil {
		logger.Error("definition sync failed", zap.Error(err))
		return err
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go runSync(bgCtx, a, cfg.Definitions.SyncInterval, logger)

	deps := observability.OpsDependencies{Logger: logger, Checks: a.checks}
	if cfg.Observability.Metrics.Enabled {
		deps.Metrics = a.metrics
		deps.Gatherer = a.gatherer
		deps.MetricsPath = cfg.Observability.Metrics.Path
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      observability.NewOpsRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Workflow.Store.Driver),
	)

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	serveErr := observability.Serve(ctx, srv, shutdownTimeout)
	if serveErr != nil {
		logger.Error("server error", zap.Error(serveErr))
	}

	bgCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}

// runSync periodically re-applies definition files and reloads the role
// directory.
func runSync(ctx context.Context, a *app, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.syncDefinitions(ctx); err != nil {
				logger.Error("periodic definition sync failed", zap.Error(err))
			}
			if err := a.directory.Sync(); err != nil {
				logger.Error("role directory reload failed", zap.Error(err))
			}
		}
	}
}
