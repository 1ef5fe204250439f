package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rendis/carepath/internal/cohort"
	"github.com/rendis/carepath/internal/diagram"
	"github.com/rendis/carepath/internal/engine"
	"github.com/rendis/carepath/internal/store"
	"github.com/rendis/carepath/internal/validation"
	"github.com/rendis/carepath/pkg/schema"
)

func runCmd(a *app) *cobra.Command {
	var (
		age       int
		patientID string
		seed      int64
		persist   bool
	)
	cmd := &cobra.Command{
		Use:   "run MODULE [MODULE...]",
		Short: "Execute modules for one synthetic patient and print the records as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l, err := a.loader()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("seed") {
				seed = a.cfg.Seed
			}
			eng, err := engine.NewEngine(l, args, engine.WithSeed(seed), engine.WithLogger(a.logger))
			if err != nil {
				return err
			}
			if patientID == "" {
				patientID = uuid.NewString()
			}
			patient := schema.Patient{ID: patientID, Age: age, BirthDate: time.Now().UTC().AddDate(-age, 0, 0)}
			res, err := eng.Execute(ctx, patient)
			if err != nil {
				return err
			}

			out := map[string]any{
				"patient":             patient,
				"result":              res,
				"categories_replaced": eng.CategoriesReplaced(),
			}
			if persist {
				s, err := a.store(ctx)
				if err != nil {
					return err
				}
				if s != nil {
					run, err := store.NewRun("", seed, patient, eng.Loaded(), res)
					if err != nil {
						return err
					}
					if err := s.SaveRun(ctx, run); err != nil {
						return err
					}
					out["run_id"] = run.ID
				}
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&age, "age", 45, "Patient age in years")
	cmd.Flags().StringVar(&patientID, "patient", "", "Patient ID (default: random)")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Random seed")
	cmd.Flags().BoolVar(&persist, "persist", false, "Store the run in the database")
	return cmd
}

func validateCmd(a *app) *cobra.Command {
	var (
		all  bool
		lint bool
	)
	cmd := &cobra.Command{
		Use:   "validate [MODULE...]",
		Short: "Check modules for structural errors (and terminology with --lint)",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.loader()
			if err != nil {
				return err
			}
			names := args
			if all || len(names) == 0 {
				if names, err = l.List(); err != nil {
					return err
				}
			}
			pass := validation.Structural
			if lint {
				pass = validation.Lint
			}
			failed := checkModules(cmd.OutOrStdout(), l, names, pass)
			if failed > 0 {
				return fmt.Errorf("%d of %d modules failed", failed, len(names))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Validate every module in the modules directory")
	cmd.Flags().BoolVar(&lint, "lint", false, "Also run the terminology lint")
	return cmd
}

// checkModules prints one line per issue and returns how many modules failed.
func checkModules(w io.Writer, src interface {
	Load(string) (*schema.ModuleDefinition, error)
}, names []string, pass validation.Pass) int {
	failed := 0
	for _, name := range names {
		def, err := src.Load(name)
		if err != nil {
			fmt.Fprintf(w, "%s: FAIL %v\n", name, err)
			failed++
			continue
		}
		res := pass(def)
		for _, e := range res.Errors {
			fmt.Fprintf(w, "%s: error %s [%s] %s\n", name, e.Path, e.Code, e.Message)
		}
		for _, wn := range res.Warnings {
			fmt.Fprintf(w, "%s: warning %s [%s] %s\n", name, wn.Path, wn.Code, wn.Message)
		}
		if !res.Valid() {
			failed++
			continue
		}
		fmt.Fprintf(w, "%s: ok\n", name)
	}
	return failed
}

func diagramCmd(a *app) *cobra.Command {
	var (
		format string
		output string
		runID  string
	)
	cmd := &cobra.Command{
		Use:   "diagram MODULE",
		Short: "Draw a module's state graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.loader()
			if err != nil {
				return err
			}
			def, err := l.Load(args[0])
			if err != nil {
				return err
			}

			var trace []schema.TraceStep
			if runID != "" {
				s, err := a.store(cmd.Context())
				if err != nil {
					return err
				}
				if s == nil {
					return errors.New("--run requires a database")
				}
				entries, err := s.GetTrace(cmd.Context(), runID)
				if err != nil {
					return err
				}
				for _, e := range entries {
					trace = append(trace, schema.TraceStep{Module: e.Module, State: e.State, Type: schema.StateType(e.Type), At: e.At})
				}
			}

			model, err := diagram.Build(def, trace)
			if err != nil {
				return err
			}

			var data []byte
			switch format {
			case "mermaid":
				data = []byte(diagram.RenderMermaid(model))
			case "ascii":
				data = []byte(diagram.RenderASCII(model))
			case "png":
				data, err = diagram.RenderImage(model)
			case "svg":
				data, err = diagram.RenderSVG(model)
			default:
				return fmt.Errorf("unknown format %q (mermaid, ascii, png, svg)", format)
			}
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "Output format: mermaid, ascii, png, svg")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")
	cmd.Flags().StringVar(&runID, "run", "", "Overlay the trace of a stored run")
	return cmd
}

func cohortCmd(a *app) *cobra.Command {
	var cfg cohort.Config
	cmd := &cobra.Command{
		Use:   "cohort MODULE [MODULE...]",
		Short: "Generate a cohort of synthetic patients",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l, err := a.loader()
			if err != nil {
				return err
			}
			opts := []cohort.Option{cohort.WithLogger(a.logger)}
			s, err := a.store(ctx)
			if err != nil {
				return err
			}
			if s != nil {
				opts = append(opts, cohort.WithStore(s))
			}
			cfg.Modules = args
			if !cmd.Flags().Changed("seed") {
				cfg.Seed = a.cfg.Seed
			}
			if !cmd.Flags().Changed("workers") {
				cfg.Workers = a.cfg.PoolSize
			}
			summary, err := cohort.NewGenerator(l, opts...).Generate(ctx, cfg)
			if summary != nil {
				printSummary(cmd.OutOrStdout(), summary)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&cfg.ID, "id", "", "Cohort ID (default: random)")
	cmd.Flags().IntVarP(&cfg.Size, "size", "n", 100, "Number of patients")
	cmd.Flags().Int64Var(&cfg.Seed, "seed", 1, "Cohort seed")
	cmd.Flags().IntVar(&cfg.MinAge, "min-age", cohort.DefaultMinAge, "Youngest patient age")
	cmd.Flags().IntVar(&cfg.MaxAge, "max-age", cohort.DefaultMaxAge, "Oldest patient age")
	cmd.Flags().IntVar(&cfg.Workers, "workers", cohort.DefaultWorkers, "Concurrent patients")

	cmd.AddCommand(scheduleCmd(a))
	return cmd
}

func printSummary(w io.Writer, s *cohort.Summary) {
	fmt.Fprintf(w, "cohort %s: %d patients, %d succeeded, %d failed in %s\n",
		s.ID, s.Patients, s.Succeeded, s.Failed, s.Duration.Round(time.Millisecond))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tRECORDS")
	for _, c := range s.Categories() {
		fmt.Fprintf(tw, "%s\t%d\n", c, s.Records[c])
	}
	_ = tw.Flush()
	if len(s.Replaced) > 0 {
		names := make([]string, len(s.Replaced))
		for i, c := range s.Replaced {
			names[i] = string(c)
		}
		fmt.Fprintf(w, "replaces baseline: %s\n", strings.Join(names, ", "))
	}
	if s.Diagnostics > 0 {
		fmt.Fprintf(w, "diagnostics: %d\n", s.Diagnostics)
	}
}

func scheduleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring cohort jobs (run by carepath serve)",
	}

	var job store.CohortJob
	add := &cobra.Command{
		Use:   "add NAME CRON MODULE [MODULE...]",
		Short: "Create a cohort job",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := requireStore(a, cmd)
			if err != nil {
				return err
			}
			job.ID = uuid.NewString()
			job.Name, job.CronExpression, job.Modules = args[0], args[1], args[2:]
			job.Enabled = true
			if err := s.CreateCohortJob(cmd.Context(), &job); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}
	add.Flags().IntVarP(&job.Size, "size", "n", 100, "Patients per run")
	add.Flags().Int64Var(&job.Seed, "seed", 1, "Base seed, offset by the run time")
	add.Flags().IntVar(&job.MinAge, "min-age", cohort.DefaultMinAge, "Youngest patient age")
	add.Flags().IntVar(&job.MaxAge, "max-age", cohort.DefaultMaxAge, "Oldest patient age")

	list := &cobra.Command{
		Use:   "list",
		Short: "List cohort jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := requireStore(a, cmd)
			if err != nil {
				return err
			}
			jobs, err := s.ListCohortJobs(cmd.Context(), store.CohortJobFilter{})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCRON\tSIZE\tENABLED\tLAST\tNEXT")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\t%s\n",
					j.ID, j.Name, j.CronExpression, j.Size, j.Enabled, j.LastRunStatus, timeOrDash(j.NextRunAt))
			}
			return tw.Flush()
		},
	}

	rm := &cobra.Command{
		Use:   "rm ID",
		Short: "Delete a cohort job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := requireStore(a, cmd)
			if err != nil {
				return err
			}
			return s.DeleteCohortJob(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(add, list, rm)
	return cmd
}

func requireStore(a *app, cmd *cobra.Command) (*store.LibSQLStore, error) {
	s, err := a.store(cmd.Context())
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.New("cohort jobs require a database (--db)")
	}
	return s, nil
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dirOf(path string) string {
	return filepath.Dir(strings.TrimPrefix(path, "file:"))
}
