package remediation

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keel-go/internal/classify"
	"keel-go/internal/testutil"
)

func TestBuildContext(t *testing.T) {
	var long strings.Builder
	for i := 1; i <= 500; i++ {
		fmt.Fprintf(&long, "line %d\n", i)
	}
	target := testutil.NewMemTarget(owner, map[string]string{
		"src/App.jsx":    "export default function App() { return foo; }\n",
		"src/big.js":     long.String(),
		"package.json":   `{"name": "app"}`,
		"tsconfig.json":  strings.Repeat("x", maxConfigBytes+1),
		"src/unused.css": "body {}",
	})

	errText := "ReferenceError: foo is not defined\n    at App (/app/src/App.jsx:1:40)\n    at src/big.js:250:3"
	rc, err := BuildContext(context.Background(), target, errText)
	require.NoError(t, err)

	assert.Equal(t, []string{"src/App.jsx", "src/big.js", "package.json"}, rc.Files)
	assert.Contains(t, rc.Text, "## src/App.jsx")
	assert.Contains(t, rc.Text, "250: line 250")
	assert.Contains(t, rc.Text, "210: line 210")
	assert.NotContains(t, rc.Text, "209: line 209")
	assert.NotContains(t, rc.Text, "tsconfig.json", "oversized config files are skipped")
	assert.NotContains(t, rc.Text, "unused.css")
}

func TestWindow(t *testing.T) {
	short := "a\nb\nc"
	assert.Equal(t, short, window(short, 2))

	var b strings.Builder
	for i := 1; i <= 300; i++ {
		fmt.Fprintf(&b, "%d\n", i)
	}
	head := window(b.String(), 0)
	assert.True(t, strings.HasPrefix(head, "1: 1\n"))
	assert.Contains(t, head, "80: 80\n")
	assert.NotContains(t, head, "81: 81")
}

func TestCostEstimator_Estimate(t *testing.T) {
	e, err := NewCostEstimator(nil)
	require.NoError(t, err)

	prompt := strings.Repeat("function add(a, b) { return a + b; }\n", 50)
	simple := e.Estimate(prompt, classify.ComplexitySimple, 8)
	hard := e.Estimate(prompt, classify.ComplexityComplex, 8)

	assert.Equal(t, 4, simple.Steps)
	assert.Greater(t, simple.PromptTokens, 0)
	assert.Equal(t, simple.PromptTokens*4, simple.InputTokens)
	assert.Equal(t, outputTokensPerStep*4, simple.OutputTokens)
	assert.Greater(t, simple.CostUSD, 0.0)
	assert.Greater(t, hard.CostUSD, simple.CostUSD)

	var nilEstimator *CostEstimator
	assert.Equal(t, 2, nilEstimator.CountTokens("abcdefgh"))
}
