package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/carepath/pkg/schema"
)

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())
	ctx := context.Background()

	tests := []struct {
		expr string
		want any
	}{
		{`attributes.pack_years * 1.5`, 48.0},
		{`patient.age >= 65 ? "senior" : "adult"`, "adult"},
		{`attributes.smoker && attributes.pack_years > 20`, true},
		{`attributes.stage + "-copd"`, "moderate-copd"},
		{`attributes.unset ?? "none"`, "none"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.Evaluate(ctx, tt.expr, testVars())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExprEngine_Errors(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, "1 +", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, `attributes.stage * 2`, testVars())
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestExprEngine_CachesPrograms(t *testing.T) {
	e := NewExprEngine()
	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(context.Background(), "patient.age", testVars())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.programs.len())
}

func TestExprEngine_Check(t *testing.T) {
	e := NewExprEngine()
	require.NoError(t, e.Check(`attributes.bmi > 30 ? "obese" : "normal"`))

	err := e.Check(`attributes.bmi >`)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Zero(t, e.programs.len())
}
