package documents

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSource() *LocalSource {
	return NewFSSource(fstest.MapFS{
		"rfps/nsf.html": {Data: []byte(`<html><head><style>p{color:red}</style></head><body>
			<h1>Literacy Grants</h1><script>track()</script>
			<p>Deadline: <strong>May 1</strong></p>
			<ul><li>Serve K-5 students</li></ul></body></html>`)},
		"rfps/brief.md":  {Data: []byte("# Spring issue\n\nFocus on volunteers.\n")},
		"rfps/scan.pdf":  {Data: []byte("%PDF-1.7")},
		"rfps/plain.txt": {Data: []byte("  Plain call text  ")},
	})
}

func TestFetchAndExtractHTML(t *testing.T) {
	doc, err := testSource().Fetch(context.Background(), "rfps/nsf.html")
	require.NoError(t, err)
	assert.Equal(t, "text/html", doc.ContentType)

	text, err := NewExtractor().Text(doc)
	require.NoError(t, err)
	assert.Contains(t, text, "# Literacy Grants")
	assert.Contains(t, text, "**May 1**")
	assert.Contains(t, text, "Serve K-5 students")
	assert.NotContains(t, text, "track()")
	assert.NotContains(t, text, "color:red")
}

func TestExtractPassesThroughText(t *testing.T) {
	src := testSource()
	e := NewExtractor()

	doc, err := src.Fetch(context.Background(), "/rfps/brief.md")
	require.NoError(t, err)
	text, err := e.Text(doc)
	require.NoError(t, err)
	assert.Equal(t, "# Spring issue\n\nFocus on volunteers.", text)

	doc, err = src.Fetch(context.Background(), "rfps/plain.txt")
	require.NoError(t, err)
	text, err = e.Text(doc)
	require.NoError(t, err)
	assert.Equal(t, "Plain call text", text)
}

func TestExtractRejectsBinary(t *testing.T) {
	doc, err := testSource().Fetch(context.Background(), "rfps/scan.pdf")
	require.NoError(t, err)
	_, err = NewExtractor().Text(doc)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestFetchRejectsEscapesAndMissing(t *testing.T) {
	src := testSource()
	_, err := src.Fetch(context.Background(), "../etc/passwd")
	assert.Error(t, err)

	_, err = src.Fetch(context.Background(), "rfps/missing.html")
	assert.ErrorIs(t, err, ErrNotFound)
}
