package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/pkg/models"
	"github.com/kbforge/kbforge/pkg/ports"
)

func strPtr(s string) *string { return &s }

func sampleItem() *models.Item {
	return &models.Item{
		ItemID:         "i-42",
		MainCategory:   strPtr("software"),
		SubCategory:    strPtr("testing"),
		KBTitle:        "table_tests",
		KBDisplayTitle: "Table Tests",
		KBDescription:  "Why table-driven tests scale.",
		KBFilePath:     "software/testing/table_tests/README.md",
		KBMediaPaths:   models.StringSlice{"software/testing/table_tests/chart.png"},
		FullText:       "First paragraph.\n\nSecond paragraph.",
		SourceURL:      "https://example.com/post/42",
		ImageDescriptions: models.StringSlice{
			"a coverage chart",
		},
	}
}

func TestRenderItem(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	out, err := r.RenderItem(sampleItem())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "# Table Tests\n"))
	assert.Contains(t, out, "Why table-driven tests scale.")
	assert.Contains(t, out, "**Category:** software / testing")
	assert.Contains(t, out, "First paragraph.")
	assert.Contains(t, out, "Second paragraph.")
	assert.Contains(t, out, "![a coverage chart](chart.png)")
	assert.Contains(t, out, "Source: <https://example.com/post/42>")
	// Provenance line required for the filesystem consistency check.
	assert.Contains(t, out, "`i-42`")
}

func TestRenderItem_MinimalItem(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	out, err := r.RenderItem(&models.Item{ItemID: "bare", FullText: "just text"})
	require.NoError(t, err)

	// Falls back to the item id as title, still carries provenance.
	assert.True(t, strings.HasPrefix(out, "# bare\n"))
	assert.Contains(t, out, "`bare`")
	assert.NotContains(t, out, "## Images")
	assert.NotContains(t, out, "Source:")
}

func TestRenderItem_SkipsNonImageMedia(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	item := sampleItem()
	item.KBMediaPaths = models.StringSlice{
		"software/testing/table_tests/clip.mp4",
		"software/testing/table_tests/chart.png",
	}

	out, err := r.RenderItem(item)
	require.NoError(t, err)
	assert.Contains(t, out, "![a coverage chart](chart.png)")
	assert.NotContains(t, out, "clip.mp4")
}

func TestRenderIndex(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	other := sampleItem()
	other.ItemID = "i-43"
	other.MainCategory = strPtr("ml")
	other.SubCategory = strPtr("training")
	other.KBTitle = "lr_schedules"
	other.KBDisplayTitle = "LR Schedules"
	other.KBFilePath = "ml/training/lr_schedules/README.md"

	stats := ports.IndexStats{
		TotalItems:     3,
		CompletedItems: 2,
		GeneratedAtUTC: "2026-08-24T12:00:00Z",
	}

	out, err := r.RenderIndex([]*models.Item{sampleItem(), other}, stats)
	require.NoError(t, err)

	assert.Contains(t, out, "# Knowledge Base")
	assert.Contains(t, out, "2 of 3 items processed")
	assert.Contains(t, out, "### software / testing")
	assert.Contains(t, out, "[Table Tests](software/testing/table_tests/README.md)")
	assert.Contains(t, out, "### ml / training")
	// Alphabetical: ml before software.
	assert.Less(t, strings.Index(out, "### ml"), strings.Index(out, "### software"))
}

func TestRenderIndex_SkipsUncategorizedItems(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	out, err := r.RenderIndex([]*models.Item{
		sampleItem(),
		{ItemID: "pending", FullText: "not categorized yet"},
	}, ports.IndexStats{TotalItems: 2, CompletedItems: 1})
	require.NoError(t, err)

	assert.Contains(t, out, "Table Tests")
	assert.NotContains(t, out, "pending")
}

func TestRenderIndexHTML(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	item := sampleItem()
	item.KBDisplayTitle = `Tags & <Markers>`

	out, err := r.RenderIndexHTML([]*models.Item{item}, ports.IndexStats{
		TotalItems:     1,
		CompletedItems: 1,
		GeneratedAtUTC: "2026-08-24T12:00:00Z",
	})
	require.NoError(t, err)

	assert.Contains(t, out, "<!DOCTYPE html>")
	assert.Contains(t, out, `<a href="software/testing/table_tests/README.md">`)
	// html/template escapes user content.
	assert.Contains(t, out, "Tags &amp; &lt;Markers&gt;")
	assert.NotContains(t, out, "<Markers>")
}
