// Command modlint checks module definitions for structural, terminology and
// expression problems. It exits non-zero on any issue, warnings included,
// unless --allow-warnings is set.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/carepath/internal/loader"
	"github.com/rendis/carepath/internal/logging"
	"github.com/rendis/carepath/internal/params"
	"github.com/rendis/carepath/internal/validation"
	"github.com/rendis/carepath/pkg/schema"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "modlint:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		modulesDir  string
		paramsDir   string
		all         bool
		allowWarn   bool
		warningsOff bool
	)
	cmd := &cobra.Command{
		Use:           "modlint [MODULE...]",
		Short:         "Lint clinical pathway modules",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(os.Stderr, "warn", "text")
			ps, err := params.NewFileStore(paramsDir)
			if err != nil {
				return err
			}
			l, err := loader.NewDir(modulesDir, ps, loader.WithLogger(logger))
			if err != nil {
				return err
			}

			names := args
			if all || len(names) == 0 {
				if names, err = l.List(); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			var errCount, warnCount int
			for _, name := range names {
				res, err := lint(l, name)
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", name, err)
					errCount++
					continue
				}
				for _, e := range res.Errors {
					fmt.Fprintf(out, "%s: %s: %s (%s)\n", name, e.Path, e.Message, e.Code)
				}
				errCount += len(res.Errors)
				if !warningsOff {
					for _, w := range res.Warnings {
						fmt.Fprintf(out, "%s: %s: warning: %s (%s)\n", name, w.Path, w.Message, w.Code)
					}
				}
				warnCount += len(res.Warnings)
			}

			fmt.Fprintf(out, "%d modules, %d errors, %d warnings\n", len(names), errCount, warnCount)
			if errCount > 0 || (!allowWarn && warnCount > 0) {
				return fmt.Errorf("lint failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&modulesDir, "modules", "modules", "Directory of module definitions")
	cmd.Flags().StringVar(&paramsDir, "params", "parameters", "Directory of parameter domain files")
	cmd.Flags().BoolVar(&all, "all", false, "Lint every module in the directory")
	cmd.Flags().BoolVar(&allowWarn, "allow-warnings", false, "Exit zero when only warnings are found")
	cmd.Flags().BoolVar(&warningsOff, "no-warnings", false, "Hide warnings")
	return cmd
}

func lint(l *loader.Loader, name string) (*schema.ValidationResult, error) {
	def, err := l.Load(name)
	if err != nil {
		return nil, err
	}
	return validation.Lint(def), nil
}
