package templates

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/draftsmith/internal/domain"
	"github.com/ashureev/draftsmith/internal/prompt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsCoverEveryStageAndCategory(t *testing.T) {
	c := Defaults()
	for _, category := range []string{"grant", "newsletter"} {
		for _, stage := range domain.AllStages() {
			tmpl, err := c.Lookup(context.Background(), "proposal", string(stage), category)
			require.NoError(t, err, "%s/%s", stage, category)
			assert.NotEmpty(t, tmpl.SystemPrompt)
			assert.NotEmpty(t, prompt.Unresolved(tmpl.UserPromptTemplate), "template should declare placeholders")
		}
	}
}

func TestLookupMissing(t *testing.T) {
	_, err := Defaults().Lookup(context.Background(), "proposal", "rfp_analysis", "poetry")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestNewCatalogValidates(t *testing.T) {
	_, err := NewCatalog(domain.PromptTemplate{Section: "proposal", SubSection: "rfp_analysis"})
	assert.Error(t, err)
}

const overrideYAML = `
templates:
  - section: proposal
    sub_section: rfp_analysis
    category: grant
    system_prompt: override
    user_prompt_template: |
      Custom {{RFP_TEXT}}
`

func TestLayeredPrefersFirstStore(t *testing.T) {
	tmpls, err := ParseYAML([]byte(overrideYAML))
	require.NoError(t, err)
	override, err := NewCatalog(tmpls...)
	require.NoError(t, err)

	l := NewLayered(override, Defaults())

	got, err := l.Lookup(context.Background(), "proposal", "rfp_analysis", "grant")
	require.NoError(t, err)
	assert.Equal(t, "override", got.SystemPrompt)

	got, err = l.Lookup(context.Background(), "proposal", "outline_generation", "grant")
	require.NoError(t, err)
	assert.NotEqual(t, "override", got.SystemPrompt)
}

func TestDirStoreReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "grant")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	path := filepath.Join(nested, "rfp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(overrideYAML), 0o644))

	d, err := NewDirStore(dir, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Watch(ctx))

	got, err := d.Lookup(ctx, "proposal", "rfp_analysis", "grant")
	require.NoError(t, err)
	assert.Equal(t, "override", got.SystemPrompt)

	updated := []byte(`
templates:
  - section: proposal
    sub_section: rfp_analysis
    category: grant
    system_prompt: edited
    user_prompt_template: "Edited {[RFP_TEXT]}"
`)
	require.NoError(t, os.WriteFile(path, updated, 0o644))

	assert.Eventually(t, func() bool {
		got, err := d.Lookup(ctx, "proposal", "rfp_analysis", "grant")
		return err == nil && got.SystemPrompt == "edited"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDirStoreKeepsPreviousCatalogOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.yaml")
	require.NoError(t, os.WriteFile(path, []byte(overrideYAML), 0o644))

	d, err := NewDirStore(dir, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("templates: [unterminated"), 0o644))
	assert.Error(t, d.reload())

	got, err := d.Lookup(context.Background(), "proposal", "rfp_analysis", "grant")
	require.NoError(t, err)
	assert.Equal(t, "override", got.SystemPrompt)
}
