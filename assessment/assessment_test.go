package assessment

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cogwheel-dev/taskqueue/store"
)

func TestStripCodeFence(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n[1,2,3]\n```", "[1,2,3]"},
		{`{"a":1}`, `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, stripCodeFence(c.in))
	}
}

func TestConservativeDefault(t *testing.T) {
	result := conservativeDefault("claude-sonnet-4-5")
	assert.Equal(t, store.ComplexityMedium, result.Complexity)
	assert.Equal(t, "claude-sonnet-4-5", result.RecommendedModel)
	assert.False(t, result.ShouldDecompose)
}

func TestToResultFallsBackToDefaultModel(t *testing.T) {
	raw := rawAssessment{
		Complexity:       "complex",
		RecommendedModel: "",
		ShouldDecompose:  true,
		Subtasks:         []string{"a", "b"},
		Reasoning:        "because",
	}

	result := toResult(raw, "claude-sonnet-4-5")
	assert.Equal(t, store.ComplexityComplex, result.Complexity)
	assert.Equal(t, "claude-sonnet-4-5", result.RecommendedModel)
	assert.True(t, result.ShouldDecompose)
	assert.Equal(t, []string{"a", "b"}, result.Subtasks)
}

func TestToResultInvalidComplexityFallsBackToMedium(t *testing.T) {
	raw := rawAssessment{Complexity: "nonsense", RecommendedModel: "opus"}
	result := toResult(raw, "claude-sonnet-4-5")
	assert.Equal(t, store.ComplexityMedium, result.Complexity)
	assert.Equal(t, "opus", result.RecommendedModel)
}
