// Package documents fetches uploaded RFP documents and turns them into prompt text.
package documents

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
)

// ErrNotFound is returned when a document key does not exist.
var ErrNotFound = errors.New("document not found")

// ErrUnsupported is returned for document formats that cannot be converted to text.
var ErrUnsupported = errors.New("unsupported document format")

// Document is a fetched object.
type Document struct {
	Key         string
	ContentType string
	Data        []byte
}

// Source fetches documents by key from an object store.
type Source interface {
	Fetch(ctx context.Context, key string) (*Document, error)
}

// LocalSource reads documents from a directory. Keys are slash-separated paths
// relative to the root and may not escape it.
type LocalSource struct {
	root fs.FS
}

// NewLocalSource creates a source rooted at dir.
func NewLocalSource(dir string) *LocalSource {
	return &LocalSource{root: os.DirFS(dir)}
}

// NewFSSource creates a source over an arbitrary file system.
func NewFSSource(fsys fs.FS) *LocalSource {
	return &LocalSource{root: fsys}
}

func (l *LocalSource) Fetch(ctx context.Context, key string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean := path.Clean(strings.TrimPrefix(key, "/"))
	if !fs.ValidPath(clean) || clean == "." {
		return nil, fmt.Errorf("invalid document key %q", key)
	}

	data, err := fs.ReadFile(l.root, clean)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", key, err)
	}
	return &Document{Key: clean, ContentType: contentTypeFor(clean), Data: data}, nil
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".html", ".htm":
		return "text/html"
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt", "":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

var (
	scriptRe         = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe          = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	excessiveLinesRe = regexp.MustCompile(`\n{3,}`)
)

// Extractor converts fetched documents to plain Markdown text.
type Extractor struct {
	converter *md.Converter
}

// NewExtractor creates an extractor with GitHub-flavoured table support.
func NewExtractor() *Extractor {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &Extractor{converter: converter}
}

// Text returns the document's content as text suitable for a prompt.
func (e *Extractor) Text(doc *Document) (string, error) {
	switch {
	case strings.HasPrefix(doc.ContentType, "text/html"):
		cleaned := scriptRe.ReplaceAllString(string(doc.Data), "")
		cleaned = styleRe.ReplaceAllString(cleaned, "")
		out, err := e.converter.ConvertString(cleaned)
		if err != nil {
			return "", fmt.Errorf("convert %s to markdown: %w", doc.Key, err)
		}
		return strings.TrimSpace(excessiveLinesRe.ReplaceAllString(out, "\n\n")), nil
	case strings.HasPrefix(doc.ContentType, "text/"):
		return strings.TrimSpace(string(doc.Data)), nil
	default:
		return "", fmt.Errorf("%w: %s (%s)", ErrUnsupported, doc.Key, doc.ContentType)
	}
}
