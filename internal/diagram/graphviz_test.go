package diagram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/carepath/pkg/schema"
)

func TestRenderImage(t *testing.T) {
	model, err := Build(copdModule(), nil)
	require.NoError(t, err)

	png, err := RenderImage(model)
	require.NoError(t, err)
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestRenderSVG_WithTrace(t *testing.T) {
	at := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	model, err := Build(copdModule(), []schema.TraceStep{
		{Module: "copd", State: "start", At: at},
		{Module: "copd", State: "screen", At: at},
	})
	require.NoError(t, err)

	svg, err := RenderSVG(model)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "#2d6a2d")
}
