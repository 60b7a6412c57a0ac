package outline

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/ashureev/draftsmith/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sections(titles ...string) []domain.OutlineSection {
	out := make([]domain.OutlineSection, len(titles))
	for i, t := range titles {
		out[i] = domain.OutlineSection{Title: t, Purpose: "purpose of " + t}
	}
	return out
}

func titles(s []domain.OutlineSection) []string {
	out := make([]string, len(s))
	for i, sec := range s {
		out[i] = sec.Title
	}
	return out
}

func TestFilterBySelectionExactness(t *testing.T) {
	var all []string
	for i := 1; i <= 10; i++ {
		all = append(all, fmt.Sprintf("Section %d", i))
	}

	got := FilterBySelection(sections(all...), []string{"Section 9", "Section 2", "Section 5"})

	assert.Equal(t, []string{"Section 2", "Section 5", "Section 9"}, titles(got))
}

func TestFilterBySelectionIsCaseAndWhitespaceSensitive(t *testing.T) {
	got := FilterBySelection(sections("Budget", "Evaluation Plan"), []string{"budget", "Evaluation Plan "})
	assert.Empty(t, got)
}

func TestApplySelection(t *testing.T) {
	src := sections("A", "B", "C")
	got := ApplySelection(src, []string{"C", "A"})

	assert.True(t, got[0].Selected)
	assert.False(t, got[1].Selected)
	assert.True(t, got[2].Selected)
	assert.False(t, src[0].Selected, "input must not be mutated")
}

func TestBuildContextOmitsUnselectedSections(t *testing.T) {
	all := sections("A", "B", "C")
	all[1].Guidance = "secret guidance for B"

	ctx, err := BuildContext(FilterBySelection(all, []string{"A", "C"}))
	require.NoError(t, err)

	assert.NotContains(t, ctx, `"B"`)
	assert.NotContains(t, ctx, "secret guidance for B")
	assert.NotContains(t, ctx, "selected")

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal([]byte(ctx), &decoded))
	assert.Len(t, decoded, 2)
}

func TestValidateSelectionDrift(t *testing.T) {
	generated := []domain.DocumentSection{
		{Title: "A", Content: "alpha"},
		{Title: "B", Content: "beta"},
	}

	kept, m := Validate(generated, []string{"A", "C"})

	require.Len(t, kept, 1)
	assert.Equal(t, "A", kept[0].Title)
	assert.Equal(t, []string{"B"}, m.Unexpected)
	assert.Equal(t, []string{"C"}, m.Missing)
	assert.False(t, m.Empty())
}

func TestValidateCollapsesDuplicates(t *testing.T) {
	kept, m := Validate([]domain.DocumentSection{
		{Title: "A", Content: "first"},
		{Title: "A", Content: "second"},
	}, []string{"A"})

	require.Len(t, kept, 1)
	assert.Equal(t, "first", kept[0].Content)
	assert.True(t, m.Empty())
}
