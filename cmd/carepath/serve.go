package main

import (
	"github.com/spf13/cobra"

	"github.com/rendis/carepath/internal/cohort"
	"github.com/rendis/carepath/internal/scheduler"
	"github.com/rendis/carepath/pkg/mcp"
)

func serveCmd(a *app) *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP tools over stdio and run scheduled cohort jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l, err := a.loader()
			if err != nil {
				return err
			}
			s, err := a.store(ctx)
			if err != nil {
				return err
			}

			deps := mcp.ServerDeps{Modules: l, Logger: a.logger}
			if s != nil {
				deps.Store = s

				if !noScheduler {
					gen := cohort.NewGenerator(l, cohort.WithStore(s), cohort.WithLogger(a.logger))
					sched := scheduler.New(s, gen, a.logger)
					if err := sched.RecoverMissed(ctx); err != nil {
						a.logger.Warn("recover missed cohort jobs", "error", err)
					}
					if err := sched.Start(ctx); err != nil {
						return err
					}
					defer func() { _ = sched.Stop() }()
				}
			}

			a.logger.Info("mcp server listening on stdio", "modules_dir", a.cfg.ModulesDir)
			return mcp.NewServer(deps).Serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "Do not run scheduled cohort jobs")
	return cmd
}
