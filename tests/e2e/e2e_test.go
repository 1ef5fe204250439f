package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/carepath/internal/cohort"
	"github.com/rendis/carepath/internal/diagram"
	"github.com/rendis/carepath/internal/engine"
	"github.com/rendis/carepath/internal/loader"
	"github.com/rendis/carepath/internal/params"
	"github.com/rendis/carepath/internal/store"
	"github.com/rendis/carepath/internal/validation"
	"github.com/rendis/carepath/pkg/schema"
)

// --- Test harness ---

var refNow = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	loader *loader.Loader
	store  *store.LibSQLStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ps, err := params.NewFileStore(filepath.Join("..", "..", "examples", "parameters"))
	require.NoError(t, err)
	l, err := loader.NewDir(filepath.Join("..", "..", "examples", "modules"), ps)
	require.NoError(t, err)

	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	return &harness{t: t, loader: l, store: s}
}

func (h *harness) run(modules []string, seed int64, age int) (*engine.Engine, *schema.ExecutionResult) {
	h.t.Helper()
	eng, err := engine.NewEngine(h.loader, modules,
		engine.WithSeed(seed),
		engine.WithNow(func() time.Time { return refNow }),
	)
	require.NoError(h.t, err)
	res, err := eng.Execute(context.Background(), patient(seed, age))
	require.NoError(h.t, err)
	return eng, res
}

func patient(seed int64, age int) schema.Patient {
	return schema.Patient{
		ID:        fmt.Sprintf("patient-%d", seed),
		Age:       age,
		BirthDate: refNow.AddDate(-age, 0, 0),
	}
}

// --- Example modules ---

func TestExamples_Validate(t *testing.T) {
	h := newHarness(t)
	names, err := h.loader.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"copd", "copd/exacerbation", "diabetes", "hypertension"}, names)

	for _, name := range names {
		def, err := h.loader.Load(name)
		require.NoError(t, err, name)

		res := validation.Lint(def)
		assert.True(t, res.Valid(), "%s: %+v", name, res.Errors)
		assert.Empty(t, res.Warnings, name)
	}
}

func TestExamples_ParameterProvenance(t *testing.T) {
	h := newHarness(t)
	def, err := h.loader.Load("diabetes")
	require.NoError(t, err)

	bySource := map[string]string{}
	for _, p := range def.Parameters() {
		bySource[p.Token] = p.SourceID
	}
	assert.Equal(t, "CDC-NDSR-2022", bySource["diabetes.onset.rate"])
	assert.Equal(t, "ADA-SOC-2024", bySource["diabetes.treatment.intensify"])
	assert.Contains(t, bySource, "diabetes.a1c.at_diagnosis")
}

func TestExamples_Deterministic(t *testing.T) {
	h := newHarness(t)
	modules := []string{"diabetes", "hypertension", "copd"}

	for seed := int64(1); seed <= 20; seed++ {
		_, a := h.run(modules, seed, 62)
		_, b := h.run(modules, seed, 62)
		ja, err := json.Marshal(a)
		require.NoError(t, err)
		jb, err := json.Marshal(b)
		require.NoError(t, err)
		assert.JSONEq(t, string(ja), string(jb), "seed %d", seed)
	}
}

func TestExamples_RecordInvariants(t *testing.T) {
	h := newHarness(t)
	modules := []string{"diabetes", "hypertension", "copd"}

	for seed := int64(1); seed <= 100; seed++ {
		_, res := h.run(modules, seed, 55)
		p := patient(seed, 55)

		for _, e := range res.Encounters {
			assert.Equal(t, p.ID, e.PatientID)
			if e.End != nil {
				assert.False(t, e.End.Before(e.Start), "encounter %s ends before it starts", e.ID)
				assert.Equal(t, schema.StatusFinished, e.Status)
			}
		}
		for _, m := range res.Medications {
			if m.End != nil {
				assert.False(t, m.End.Before(m.Start))
				assert.Equal(t, schema.StatusStopped, m.Status)
			}
		}
		for _, c := range res.Conditions {
			assert.NotEmpty(t, c.Coding.Code)
		}
		assert.Empty(t, res.Diagnostics, "seed %d", seed)

		require.NotEmpty(t, res.Trace)
		assert.Equal(t, schema.StartState, res.Trace[0].State)
		assert.Equal(t, "diabetes", res.Trace[0].Module)
	}
}

func TestDiabetes_TreatmentIntensification(t *testing.T) {
	h := newHarness(t)

	var diagnosed, intensified int
	for seed := int64(1); seed <= 200; seed++ {
		_, res := h.run([]string{"diabetes"}, seed, 50)
		if len(res.Conditions) == 0 {
			assert.Empty(t, res.Medications)
			continue
		}
		diagnosed++
		require.Len(t, res.Observations, 1)
		a1c, ok := res.Observations[0].Value.(float64)
		require.True(t, ok)
		assert.GreaterOrEqual(t, a1c, 6.5)
		assert.LessOrEqual(t, a1c, 10.5)

		if len(res.Medications) == 2 {
			intensified++
			metformin, insulin := res.Medications[0], res.Medications[1]
			require.NotNil(t, metformin.End, "metformin must be stopped before insulin")
			assert.Equal(t, "860975", metformin.Coding.Code)
			assert.Empty(t, insulin.EncounterID)
		}
	}
	assert.Positive(t, diagnosed)
	assert.Positive(t, intensified)
	assert.Less(t, intensified, diagnosed)
}

func TestHypertension_AgeRules(t *testing.T) {
	h := newHarness(t)

	// Minors never leave start.
	_, res := h.run([]string{"hypertension"}, 3, 16)
	assert.Zero(t, res.Total())

	var hypertensive int
	for seed := int64(1); seed <= 50; seed++ {
		_, res := h.run([]string{"hypertension"}, seed, 70)
		require.Len(t, res.Encounters, 1)
		require.NotNil(t, res.Encounters[0].End)
		if len(res.Conditions) == 0 {
			assert.Empty(t, res.Medications)
			continue
		}
		hypertensive++
		// Age 70 is stage2, which always gets two drugs.
		assert.Len(t, res.Medications, 2)
	}
	assert.Positive(t, hypertensive)

	for seed := int64(1); seed <= 50; seed++ {
		_, res := h.run([]string{"hypertension"}, seed, 40)
		if len(res.Conditions) > 0 {
			assert.Len(t, res.Medications, 1)
		}
	}
}

func TestCOPD_SubmoduleAndReplacement(t *testing.T) {
	h := newHarness(t)

	var exacerbations int
	for seed := int64(1); seed <= 500; seed++ {
		eng, res := h.run([]string{"copd"}, seed, 67)
		assert.Equal(t, []schema.Category{schema.CategoryImmunizations}, eng.CategoriesReplaced())

		for _, e := range res.Encounters {
			if e.Class != "emergency" {
				assert.Equal(t, "copd", e.Module)
				continue
			}
			exacerbations++
			assert.Equal(t, "copd/exacerbation", e.Module)
			require.NotNil(t, e.End)
		}
		if len(res.Conditions) > 0 {
			require.Len(t, res.Immunizations, 1)
			assert.Equal(t, "140", res.Immunizations[0].Coding.Code)
		}
	}
	assert.Positive(t, exacerbations)

	// Young smokers never reach onset, so the submodule is never entered.
	for seed := int64(1); seed <= 50; seed++ {
		_, res := h.run([]string{"copd"}, seed, 30)
		assert.Zero(t, res.Total())
	}
}

// --- Cohort and persistence ---

func TestCohort_PersistsRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	gen := cohort.NewGenerator(h.loader,
		cohort.WithStore(h.store),
		cohort.WithNow(func() time.Time { return refNow }),
	)
	summary, err := gen.Generate(ctx, cohort.Config{
		ID:      "e2e-cohort",
		Modules: []string{"diabetes", "hypertension"},
		Size:    25,
		Seed:    99,
		Workers: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 25, summary.Patients)
	assert.Equal(t, 25, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.Positive(t, summary.Records[schema.CategoryEncounters])

	runs, err := h.store.ListRuns(ctx, store.RunFilter{CohortID: "e2e-cohort"})
	require.NoError(t, err)
	require.Len(t, runs, 25)

	run, err := h.store.GetRun(ctx, runs[0].ID)
	require.NoError(t, err)
	res, err := run.DecodeResult()
	require.NoError(t, err)
	for c, n := range res.Counts() {
		assert.Equal(t, n, run.Counts[string(c)], c)
	}

	trace, err := h.store.GetTrace(ctx, run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, trace)
	assert.Equal(t, "diabetes", trace[0].Module)

	usage, err := h.store.GetParameterUsage(ctx, run.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, usage)
}

func TestCohort_ReproducibleSummary(t *testing.T) {
	h := newHarness(t)
	cfg := cohort.Config{Modules: []string{"copd", "diabetes"}, Size: 30, Seed: 5}

	gen := cohort.NewGenerator(h.loader, cohort.WithNow(func() time.Time { return refNow }))
	cfg.Workers = 1
	a, err := gen.Generate(context.Background(), cfg)
	require.NoError(t, err)
	cfg.Workers = 6
	b, err := gen.Generate(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, a.Records, b.Records)
	assert.Equal(t, a.Diagnostics, b.Diagnostics)
}

// --- Diagrams ---

func TestDiagram_TraceOverlay(t *testing.T) {
	h := newHarness(t)
	def, err := h.loader.Load("hypertension")
	require.NoError(t, err)

	_, res := h.run([]string{"hypertension"}, 1, 70)
	model, err := diagram.Build(def, res.Trace)
	require.NoError(t, err)

	var taken int
	for _, e := range model.Edges {
		if e.Taken {
			taken++
		}
	}
	assert.Positive(t, taken)

	mermaid := diagram.RenderMermaid(model)
	assert.Contains(t, mermaid, "graph TD")
	assert.Contains(t, mermaid, "==>")

	ascii := diagram.RenderASCII(model)
	assert.Contains(t, ascii, "screening")
}
