// gen-diagrams renders every example module, overlaid with the trace of one
// sample patient, into docs/assets for the README.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/carepath/internal/diagram"
	"github.com/rendis/carepath/internal/engine"
	"github.com/rendis/carepath/internal/loader"
	"github.com/rendis/carepath/internal/params"
	"github.com/rendis/carepath/pkg/schema"
)

const (
	modulesDir = "examples/modules"
	paramsDir  = "examples/parameters"
	sampleSeed = 7
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gen-diagrams: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ps, err := params.NewFileStore(paramsDir)
	if err != nil {
		return err
	}
	l, err := loader.NewDir(modulesDir, ps)
	if err != nil {
		return err
	}
	names, err := l.List()
	if err != nil {
		return err
	}

	outDir := filepath.Join("docs", "assets")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	patient := schema.Patient{ID: "sample", Age: 67, BirthDate: now.AddDate(-67, 0, 0)}

	for _, name := range names {
		def, err := l.Load(name)
		if err != nil {
			return err
		}

		var trace []schema.TraceStep
		eng, err := engine.NewEngine(l, []string{name}, engine.WithSeed(sampleSeed), engine.WithNow(func() time.Time { return now }))
		if err != nil {
			return err
		}
		if res, err := eng.Execute(context.Background(), patient); err == nil {
			trace = res.Trace
		}

		model, err := diagram.Build(def, trace)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		base := filepath.Join(outDir, "diagram-"+strings.ReplaceAll(name, "/", "-"))
		if err := os.WriteFile(base+".txt", []byte(diagram.RenderASCII(model)), 0o644); err != nil {
			return err
		}
		mermaid := "```mermaid\n" + diagram.RenderMermaid(model) + "\n```\n"
		if err := os.WriteFile(base+".md", []byte(mermaid), 0o644); err != nil {
			return err
		}
		svg, err := diagram.RenderSVG(model)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: svg skipped: %v\n", name, err)
		} else if err := os.WriteFile(base+".svg", svg, 0o644); err != nil {
			return err
		}
		fmt.Printf("%s: %d states, %d trace steps\n", name, len(def.States), len(trace))
	}
	return nil
}
