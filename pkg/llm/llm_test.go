package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/pkg/models"
	"github.com/kbforge/kbforge/pkg/ports"
)

func TestParseCategorization(t *testing.T) {
	raw := `{"main_category":"software","sub_category":"testing","item_name":"table_tests","description":"About table-driven tests."}`

	cat, err := parseCategorization(raw)
	require.NoError(t, err)
	assert.Equal(t, "software", cat.Main)
	assert.Equal(t, "testing", cat.Sub)
	assert.Equal(t, "table_tests", cat.Name)
	assert.Equal(t, "About table-driven tests.", cat.Description)
	assert.Equal(t, []byte(raw), cat.Raw)
}

func TestParseCategorization_FencedResponse(t *testing.T) {
	raw := "```json\n{\"main_category\":\"ml\",\"sub_category\":\"training\",\"item_name\":\"lr_schedules\",\"description\":\"d\"}\n```"

	cat, err := parseCategorization(raw)
	require.NoError(t, err)
	assert.Equal(t, "ml", cat.Main)
	assert.Equal(t, "lr_schedules", cat.Name)
	// Raw keeps the verbatim response, fences included.
	assert.Equal(t, []byte(raw), cat.Raw)
}

func TestParseCategorization_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not json", "I think this is about software."},
		{"missing fields", `{"main_category":"software"}`},
		{"empty", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseCategorization(tc.in)
			require.Error(t, err)
			assert.Equal(t, ports.KindValidation, ports.KindOf(err))
		})
	}
}

func TestCategorizeUserPrompt(t *testing.T) {
	prompt := categorizeUserPrompt("some saved post", []string{"a chart", "a photo"})
	assert.Contains(t, prompt, "some saved post")
	assert.Contains(t, prompt, "1. a chart")
	assert.Contains(t, prompt, "2. a photo")

	noImages := categorizeUserPrompt("text only", nil)
	assert.NotContains(t, noImages, "Attached images")
}

func TestSynthesisUserPrompt(t *testing.T) {
	main, sub := "software", "testing"
	items := []*models.Item{
		{ItemID: "a", MainCategory: &main, SubCategory: &sub, KBDisplayTitle: "First", FullText: "alpha"},
		{ItemID: "b", MainCategory: &main, SubCategory: &sub, KBDisplayTitle: "Second", FullText: "beta", KBDescription: "desc"},
	}

	prompt := synthesisUserPrompt(items)
	assert.Contains(t, prompt, "software / testing")
	assert.Contains(t, prompt, "First")
	assert.Contains(t, prompt, "Second")
	assert.Contains(t, prompt, "desc")
}

func TestClassify(t *testing.T) {
	// Non-API errors (network, deadline) are retryable.
	err := classify("llm.categorize", context.DeadlineExceeded)
	assert.Equal(t, ports.KindTransientIO, ports.KindOf(err))
	assert.True(t, ports.Retryable(err))
}

func TestLocalEmbedder_Deterministic(t *testing.T) {
	e := NewLocalEmbedder(64)

	a, err := e.Embed(context.Background(), "durable queues and retries")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "durable queues and retries")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := e.Embed(context.Background(), "completely different text here")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestLocalEmbedder_UnitNorm(t *testing.T) {
	e := NewLocalEmbedder(128)
	require.Equal(t, 128, e.Dimensions())

	vec, err := e.Embed(context.Background(), "The quick brown fox jumps over the lazy dog")
	require.NoError(t, err)
	require.Len(t, vec, 128)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestLocalEmbedder_EmptyText(t *testing.T) {
	e := NewLocalEmbedder(16)
	vec, err := e.Embed(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, vec, 16)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "short", excerpt("short", 10))
	assert.Equal(t, "ab…", excerpt("abcdef", 2))
}
